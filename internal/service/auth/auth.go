package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/mixcore/internal/apperrors"
	"github.com/nkiryanov/mixcore/internal/logger"
	"github.com/nkiryanov/mixcore/internal/metrics"
	"github.com/nkiryanov/mixcore/internal/models"
	"github.com/nkiryanov/mixcore/internal/rest"
	"github.com/nkiryanov/mixcore/internal/service/validate"
)

const (
	PathLogin          = "/rest/auth/user/login"
	PathLoginUnsecure  = "/rest/auth/user/login-unsecure"
	PathRenewToken     = "/rest/auth/user/renew-token"
	PathRegister       = "/rest/auth/user/register"
	PathForgotPassword = "/rest/auth/user/forgot-password"
	PathResetPassword  = "/rest/auth/user/reset-password"
	PathExternalLogin  = "/rest/auth/user/external-login"
	PathProviders      = "/rest/auth/user/get-external-login-providers"
	PathMyProfile      = "/rest/auth/user/my-profile"
	PathCurrentUser    = "/rest/auth/user/current"
)

// Transport used by the manager, satisfied by *rest.Client
type Sender interface {
	Send(ctx context.Context, req models.Request) (models.Envelope, error)
}

type TokenStore interface {
	Save(ctx context.Context, session models.Session) error
	Load(ctx context.Context) (*models.Session, error)
	Clear(ctx context.Context) error
	HasSession(ctx context.Context) bool
}

// Settings cache, satisfied by *settings.Cache
type Settings interface {
	Renew(ctx context.Context) error
	Invalidate(ctx context.Context) error
}

// Navigator moves user to the login screen
type Navigator interface {
	RedirectToLogin(ctx context.Context)
}

type Config struct {
	// Encrypt credentials with the codec, plaintext login endpoint is used otherwise
	Secure bool

	// Redirect to login when server answers 403 on an authorized call
	RedirectOnForbidden bool

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

type Manager struct {
	client   Sender
	tokens   TokenStore
	settings Settings
	nav      Navigator

	secure              bool
	redirectOnForbidden bool

	logger  logger.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	state State

	group singleflight.Group
}

var _ rest.SessionHandler = (*Manager)(nil)

// New creates session manager. Settings and navigator are optional
func New(cfg Config, client Sender, tokens TokenStore, settings Settings, nav Navigator) (*Manager, error) {
	if client == nil || tokens == nil {
		return nil, errors.New("client and token store must not be nil")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Manager{
		client:              client,
		tokens:              tokens,
		settings:            settings,
		nav:                 nav,
		secure:              cfg.Secure,
		redirectOnForbidden: cfg.RedirectOnForbidden,
		logger:              log.With("component", "auth"),
		metrics:             cfg.Metrics,
	}, nil
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// setState returns previous state
func (m *Manager) setState(s State) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	if prev != s {
		m.logger.Debug("Auth state changed", "from", prev, "to", s)
	}
	m.state = s
	return prev
}

// Restore rehydrates state from persisted session
func (m *Manager) Restore(ctx context.Context) (State, error) {
	session, err := m.tokens.Load(ctx)
	if err != nil {
		return m.State(), fmt.Errorf("error while restoring session. Err: %w", err)
	}
	if session == nil {
		m.setState(Anonymous)
		return Anonymous, nil
	}
	m.setState(Authenticated)
	return Authenticated, nil
}

func (m *Manager) Login(ctx context.Context, req LoginRequest) (models.Session, error) {
	if err := validate.Struct(req); err != nil {
		return models.Session{}, err
	}

	path := PathLoginUnsecure
	if m.secure {
		path = PathLogin
	}

	prev := m.setState(Authenticating)
	session, err := m.authenticate(ctx, path, req)
	if err != nil {
		m.setState(prev)
		m.logger.Info("Login failed", "user", req.Username, "error", err)
		return models.Session{}, fmt.Errorf("error while logging in. Err: %w", err)
	}

	m.logger.Info("Logged in", "user", req.Username, "userId", session.UserID)
	return session, nil
}

// ExternalLogin signs in with a token issued by external provider
func (m *Manager) ExternalLogin(ctx context.Context, req ExternalLoginRequest, provider string) (models.Session, error) {
	req.Provider = provider
	if err := validate.Struct(req); err != nil {
		return models.Session{}, err
	}

	prev := m.setState(Authenticating)
	session, err := m.authenticate(ctx, PathExternalLogin, req)
	if err != nil {
		m.setState(prev)
		return models.Session{}, fmt.Errorf("error while logging in with %s. Err: %w", provider, err)
	}
	return session, nil
}

// authenticate posts credentials and persists the issued session
func (m *Manager) authenticate(ctx context.Context, path string, body any) (models.Session, error) {
	env, err := m.post(ctx, path, body)
	if err != nil {
		return models.Session{}, err
	}

	session, err := sessionFrom(env, nil)
	if err != nil {
		return models.Session{}, err
	}

	if err := m.tokens.Save(ctx, session); err != nil {
		return models.Session{}, fmt.Errorf("error while saving session. Err: %w", err)
	}
	m.setState(Authenticated)

	if m.settings != nil {
		if err := m.settings.Renew(ctx); err != nil {
			m.logger.Warn("Settings renewal after login failed", "error", err)
		}
	}
	return session, nil
}

// Refresh renews token pair. Concurrent callers share one renewal
// Any failure drops the session
func (m *Manager) Refresh(ctx context.Context) (models.Session, error) {
	// Shared renewal must not be aborted by one caller going away
	flightCtx := context.WithoutCancel(ctx)

	v, err, shared := m.group.Do("refresh", func() (any, error) {
		return m.refresh(flightCtx)
	})
	if shared {
		m.logger.Debug("Joined in-flight token refresh")
	}
	if err != nil {
		return models.Session{}, err
	}
	return v.(models.Session), nil
}

func (m *Manager) refresh(ctx context.Context) (models.Session, error) {
	current, err := m.tokens.Load(ctx)
	if err == nil && current == nil {
		err = apperrors.ErrNoTokens
	}
	if err != nil {
		m.metrics.ObserveRefresh(metrics.RefreshFailure)
		m.forceLogout(ctx)
		return models.Session{}, fmt.Errorf("error while loading session for refresh. Err: %w", err)
	}

	m.setState(RefreshingToken)

	env, err := m.post(ctx, PathRenewToken, renewRequest{
		AccessToken:  current.AccessToken,
		RefreshToken: current.RefreshToken,
	})
	if err == nil {
		var session models.Session
		session, err = sessionFrom(env, current)
		if err == nil {
			err = m.tokens.Save(ctx, session)
		}
		if err == nil {
			m.setState(Authenticated)
			m.metrics.ObserveRefresh(metrics.RefreshSuccess)
			m.logger.Debug("Token refreshed", "userId", session.UserID)
			return session, nil
		}
	}

	m.metrics.ObserveRefresh(metrics.RefreshFailure)
	m.logger.Info("Token refresh failed, logging out", "error", err)
	m.forceLogout(ctx)

	if !errors.Is(err, apperrors.ErrUnauthorized) {
		err = fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	}
	return models.Session{}, fmt.Errorf("error while refreshing token. Err: %w", err)
}

func (m *Manager) forceLogout(ctx context.Context) {
	if err := m.Logout(ctx); err != nil {
		m.logger.Warn("Logout failed", "error", err)
	}
}

// Logout drops session and cached settings. Safe to call repeatedly
func (m *Manager) Logout(ctx context.Context) error {
	m.setState(Anonymous)
	m.metrics.ObserveLogout()

	err := m.tokens.Clear(ctx)
	if err != nil {
		err = fmt.Errorf("error while clearing session. Err: %w", err)
	}

	if m.settings != nil {
		if serr := m.settings.Invalidate(ctx); serr != nil {
			m.logger.Warn("Settings invalidation failed", "error", serr)
		}
	}

	if m.nav != nil {
		m.nav.RedirectToLogin(ctx)
	}
	return err
}

func (m *Manager) Forbidden(ctx context.Context) {
	m.logger.Warn("Access forbidden")
	if m.redirectOnForbidden && m.nav != nil {
		m.nav.RedirectToLogin(ctx)
	}
}

func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	return m.tokens.HasSession(ctx)
}

func (m *Manager) IsInRole(ctx context.Context, role string) bool {
	session := m.session(ctx)
	if session == nil {
		return false
	}
	return models.Session{Roles: models.CleanClaims(session.Roles)}.HasRole(role)
}

func (m *Manager) HasPermission(ctx context.Context, permission string) bool {
	session := m.session(ctx)
	if session == nil {
		return false
	}
	return models.Session{Permissions: models.CleanClaims(session.Permissions)}.HasPermission(permission)
}

func (m *Manager) session(ctx context.Context) *models.Session {
	session, err := m.tokens.Load(ctx)
	if err != nil {
		m.logger.Warn("Session load failed", "error", err)
		return nil
	}
	return session
}

func (m *Manager) Register(ctx context.Context, req RegisterRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if _, err := m.post(ctx, PathRegister, req); err != nil {
		return fmt.Errorf("error while registering user. Err: %w", err)
	}
	return nil
}

func (m *Manager) ForgotPassword(ctx context.Context, req ForgotPasswordRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if _, err := m.post(ctx, PathForgotPassword, req); err != nil {
		return fmt.Errorf("error while requesting password reset. Err: %w", err)
	}
	return nil
}

func (m *Manager) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if _, err := m.post(ctx, PathResetPassword, req); err != nil {
		return fmt.Errorf("error while resetting password. Err: %w", err)
	}
	return nil
}

func (m *Manager) ExternalLoginProviders(ctx context.Context) ([]Provider, error) {
	return get[[]Provider](ctx, m, PathProviders)
}

func (m *Manager) MyProfile(ctx context.Context) (Profile, error) {
	return get[Profile](ctx, m, PathMyProfile)
}

func (m *Manager) CurrentUser(ctx context.Context) (Profile, error) {
	return get[Profile](ctx, m, PathCurrentUser)
}

// post sends anonymous call. In secure mode the body is encrypted and an encrypted reply is decrypted
func (m *Manager) post(ctx context.Context, path string, body any) (models.Envelope, error) {
	return m.client.Send(ctx, models.Request{
		Method:          http.MethodPost,
		Path:            path,
		Body:            body,
		Encrypt:         m.secure,
		DecryptResponse: m.secure,
		SkipAuthorize:   true,
	})
}

func get[T any](ctx context.Context, m *Manager, path string) (T, error) {
	var zero T

	env, err := m.client.Send(ctx, models.Request{
		Method:       http.MethodGet,
		Path:         path,
		RetryAllowed: true,
	})
	if err != nil {
		return zero, fmt.Errorf("error while calling %s. Err: %w", path, err)
	}

	v, err := rest.DecodeData[T](env)
	if err != nil {
		return zero, fmt.Errorf("error while decoding %s response. Err: %w", path, err)
	}
	return v, nil
}
