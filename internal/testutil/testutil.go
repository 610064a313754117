package testutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/mixcore/internal/codec"
	"github.com/nkiryanov/mixcore/internal/models"
)

const RoleClaim = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"

// UnsignedToken builds token with given payload claims
// Header and signature are garbage: the client only reads the payload segment
func UnsignedToken(claims map[string]any) string {
	payload, _ := json.Marshal(claims)
	return "abc." + base64.RawURLEncoding.EncodeToString(payload) + ".xyz"
}

type User struct {
	ID          string
	Password    string
	Email       string
	Roles       []string
	Permissions []string
}

// Server is an in-process fake of Mixcore REST API
type Server struct {
	URL    string
	Router chi.Router

	// Field name of success flag: "isSucceed" (default) or "success"
	SuccessField string

	// Token pairs are sent as ciphertext of their JSON
	EncryptTokens bool

	mu         sync.Mutex
	codec      *codec.Codec
	users      map[string]User
	access     map[string]string
	refresh    map[string]string
	calls      map[string]int
	settings   map[string]models.Settings
	lastUpdate time.Time
	changed    bool
	secret     []byte
	logf       func(format string, args ...any)
}

// NewServer starts fake server. It is closed on test cleanup
// Encrypted payloads are decrypted with the dev key
func NewServer(t *testing.T) *Server {
	t.Helper()

	c, err := codec.New(codec.Options{AllowDefaultKey: true})
	if err != nil {
		t.Fatalf("error while creating codec: %v", err)
	}

	s := &Server{
		Router:       chi.NewRouter(),
		SuccessField: "isSucceed",
		codec:        c,
		users:        make(map[string]User),
		access:       make(map[string]string),
		refresh:      make(map[string]string),
		calls:        make(map[string]int),
		settings:     make(map[string]models.Settings),
		lastUpdate:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		secret:       []byte("test-secret"),
		logf:         t.Logf,
	}
	s.routes()

	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)
	s.URL = srv.URL

	return s
}

func (s *Server) AddUser(name string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[name] = u
}

// SetSettings sets payload returned for the culture; empty culture is the default one
func (s *Server) SetSettings(culture string, settings models.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[culture] = settings
}

// SetLastUpdate changes timestamp reported with every authorized response
func (s *Server) SetLastUpdate(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdate = ts
}

// SetConfigChanged sets answer of check-config endpoint
func (s *Server) SetConfigChanged(changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = changed
}

// ExpireAccessTokens invalidates issued access tokens; refresh tokens stay valid
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.access)
}

// RevokeRefreshTokens invalidates issued refresh tokens
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

// Calls returns number of requests served for route pattern
func (s *Server) Calls(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[pattern]
}

func (s *Server) routes() {
	r := s.Router
	r.Use(s.countCalls, LogRequests(s.logf))

	r.Route("/rest/auth/user", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/login-unsecure", s.handleLogin)
		r.Post("/renew-token", s.handleRenewToken)
		r.Post("/register", s.handleRegister)
		r.Post("/forgot-password", s.handleForgotPassword)
		r.Post("/reset-password", s.handleResetPassword)
		r.Post("/external-login", s.handleExternalLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authorize)
			r.Get("/get-external-login-providers", s.handleProviders)
			r.Get("/my-profile", s.handleProfile)
			r.Get("/current", s.handleProfile)
		})
	})

	r.Get("/rest/shared/get-shared-settings", s.handleSettings)
	r.Get("/rest/shared/{culture}/get-shared-settings", s.handleSettings)
	r.Get("/rest/shared/check-config/{lastSync}", s.handleCheckConfig)
}

func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		s.mu.Lock()
		s.calls[pattern]++
		s.mu.Unlock()
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		name, ok := s.access[token]
		s.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUsername(r.Context(), name)))
	})
}

type credentials struct {
	UserName   string `json:"UserName"`
	Password   string `json:"Password"`
	RememberMe bool   `json:"RememberMe"`
	Email      string `json:"Email"`
	ReturnURL  string `json:"ReturnUrl"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if !s.decode(w, r, &creds) {
		return
	}

	s.mu.Lock()
	user, ok := s.users[creds.UserName]
	s.mu.Unlock()

	if !ok || user.Password != creds.Password {
		s.envelope(w, r, http.StatusOK, false, nil, "Login failed")
		return
	}
	s.envelope(w, r, http.StatusOK, true, s.seal(s.issue(creds.UserName, user, false)))
}

func (s *Server) handleRenewToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	name, ok := s.refresh[body.RefreshToken]
	delete(s.refresh, body.RefreshToken)
	user := s.users[name]
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.envelope(w, r, http.StatusOK, true, s.seal(s.issue(name, user, true)))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserName string `json:"UserName"`
		Email    string `json:"Email"`
		Password string `json:"Password"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	_, exists := s.users[body.UserName]
	if !exists {
		s.users[body.UserName] = User{ID: uuid.NewString(), Password: body.Password, Email: body.Email}
	}
	s.mu.Unlock()

	if exists {
		s.envelope(w, r, http.StatusOK, false, nil, "User already exists")
		return
	}
	s.envelope(w, r, http.StatusOK, true, map[string]string{"userName": body.UserName})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"Email"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.envelope(w, r, http.StatusOK, true, true)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code     string `json:"Code"`
		Email    string `json:"Email"`
		Password string `json:"Password"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	var reset bool
	for name, u := range s.users {
		if u.Email == body.Email && body.Code != "" {
			u.Password = body.Password
			s.users[name] = u
			reset = true
			break
		}
	}
	s.mu.Unlock()

	if !reset {
		s.envelope(w, r, http.StatusOK, false, nil, "Invalid reset code")
		return
	}
	s.envelope(w, r, http.StatusOK, true, true)
}

func (s *Server) handleExternalLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
		Email    string `json:"email"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	var name string
	var user User
	for n, u := range s.users {
		if u.Email == body.Email {
			name, user = n, u
			break
		}
	}
	s.mu.Unlock()

	if name == "" {
		s.envelope(w, r, http.StatusOK, false, nil, "Unknown external user")
		return
	}
	s.envelope(w, r, http.StatusOK, true, s.seal(s.issue(name, user, false)))
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.envelope(w, r, http.StatusOK, true, []map[string]string{
		{"provider": "Google", "displayName": "Google"},
		{"provider": "Facebook", "displayName": "Facebook"},
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	name := usernameFrom(r.Context())

	s.mu.Lock()
	user := s.users[name]
	s.mu.Unlock()

	s.envelope(w, r, http.StatusOK, true, map[string]any{
		"id":       user.ID,
		"userName": name,
		"email":    user.Email,
		"roles":    user.Roles,
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	culture := chi.URLParam(r, "culture")

	s.mu.Lock()
	settings, ok := s.settings[culture]
	lastUpdate := s.lastUpdate
	s.mu.Unlock()

	if !ok {
		settings = models.Settings{
			LocalizeSettings: json.RawMessage(fmt.Sprintf(`{"culture":%q}`, culture)),
			Translator:       json.RawMessage(`{}`),
		}
	}
	if settings.GlobalSettings.LastUpdateConfiguration == nil {
		settings.GlobalSettings.LastUpdateConfiguration = models.NewTimestamp(lastUpdate)
	}
	s.envelope(w, r, http.StatusOK, true, settings)
}

func (s *Server) handleCheckConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	changed := s.changed
	s.mu.Unlock()

	s.envelope(w, r, http.StatusOK, true, changed)
}

// issue creates token pair; roles are carried only inside the access token unless renewed
func (s *Server) issue(name string, user User, withRoles bool) map[string]any {
	claims := jwt.MapClaims{
		"sub":         user.ID,
		"unique_name": name,
		RoleClaim:     user.Roles,
		"exp":         time.Now().Add(time.Hour).Unix(),
		"jti":         uuid.NewString(),
	}
	access, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	refresh := uuid.NewString()

	s.mu.Lock()
	s.access[access] = name
	s.refresh[refresh] = name
	s.mu.Unlock()

	data := map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    3600,
		"permissions":  user.Permissions,
		"info":         map[string]any{"userName": name, "email": user.Email},
	}
	if withRoles {
		data["roles"] = user.Roles
		data["userId"] = user.ID
	}
	return data
}

// seal encrypts data when tokens are sent encrypted
func (s *Server) seal(data any) any {
	s.mu.Lock()
	encrypt := s.EncryptTokens
	s.mu.Unlock()

	if !encrypt {
		return data
	}
	ciphertext, err := s.codec.Encrypt(data)
	if err != nil {
		s.logf("error while encrypting response: %v", err)
		return data
	}
	return ciphertext
}

// decode reads plaintext or {"message": ciphertext} body
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}

	var msg struct {
		Message *string `json:"message"`
	}
	if json.Unmarshal(raw, &msg) == nil && msg.Message != nil {
		plain, err := s.codec.Decrypt(*msg.Message)
		if err != nil {
			s.envelope(w, r, http.StatusBadRequest, false, nil, "Cannot decrypt message")
			return false
		}
		raw = []byte(plain)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		s.envelope(w, r, http.StatusBadRequest, false, nil, "Invalid body")
		return false
	}
	return true
}

// envelope writes Mixcore response with configured success field
// Configuration timestamp is reported only for authorized requests
func (s *Server) envelope(w http.ResponseWriter, r *http.Request, code int, success bool, data any, errors ...string) {
	s.mu.Lock()
	field := s.SuccessField
	lastUpdate := s.lastUpdate
	s.mu.Unlock()

	body := map[string]any{
		field:    success,
		"data":   data,
		"errors": errors,
	}
	if usernameFrom(r.Context()) != "" {
		body["lastUpdateConfiguration"] = models.NewTimestamp(lastUpdate)
	}
	JSON(w, code, body)
}

type usernameKey struct{}

func withUsername(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, usernameKey{}, name)
}

func usernameFrom(ctx context.Context) string {
	name, _ := ctx.Value(usernameKey{}).(string)
	return name
}

// JSON sends data as json and enforces status code
func JSON(w http.ResponseWriter, code int, data any) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}
