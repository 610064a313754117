package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nkiryanov/mixcore/internal/apperrors"
	"github.com/nkiryanov/mixcore/internal/logger"
	"github.com/nkiryanov/mixcore/internal/models"
	"github.com/nkiryanov/mixcore/internal/storage"
)

type Mode int

const (
	// Whole session as one JSON value under KeyAuthorizationData, encrypted when codec is set
	ModeBlob Mode = iota

	// Every field under its own key
	ModeKeys
)

// Storage keys
const (
	KeyAuthorizationData = "authorizationData"
	KeyAccessToken       = "accessToken"
	KeyRefreshToken      = "refreshToken"
	KeyUserID            = "userId"
	KeyRoles             = "roles"
	KeyPermissions       = "permissions"
	KeyExpiresIn         = "expiresIn"
)

var sessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUserID, KeyRoles, KeyPermissions, KeyExpiresIn}

type Codec interface {
	Encrypt(plain any, packedKey ...string) (string, error)
	Decrypt(ciphertext string, packedKey ...string) (string, error)
}

type Config struct {
	Mode Mode

	// Encrypts the blob, ignored in ModeKeys. Optional
	Codec Codec

	Logger logger.Logger
}

// Store persists the single client session
// It knows nothing about network, so it can be swapped freely between storages and modes
type Store struct {
	mode    Mode
	codec   Codec
	storage storage.Storage
	logger  logger.Logger
}

func New(cfg Config, s storage.Storage) (*Store, error) {
	if s == nil {
		return nil, errors.New("storage must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	return &Store{
		mode:    cfg.Mode,
		codec:   cfg.Codec,
		storage: s,
		logger:  cfg.Logger,
	}, nil
}

// Save writes all session fields in one storage call
func (s *Store) Save(ctx context.Context, session models.Session) error {
	if !session.Valid() {
		return fmt.Errorf("%w: session must have both access and refresh tokens", apperrors.ErrValidation)
	}

	var values map[string]string
	var err error
	switch s.mode {
	case ModeKeys:
		values, err = s.encodeKeys(session)
	default:
		values, err = s.encodeBlob(session)
	}
	if err != nil {
		return err
	}

	if err := s.storage.SetMany(ctx, values); err != nil {
		return fmt.Errorf("error while saving session. Err: %w", err)
	}
	return nil
}

// Load returns nil session if nothing stored or any required field is missing
// Corrupted session is cleared and reported as absent
func (s *Store) Load(ctx context.Context) (*models.Session, error) {
	var session *models.Session
	var err error
	switch s.mode {
	case ModeKeys:
		session, err = s.loadKeys(ctx)
	default:
		session, err = s.loadBlob(ctx)
	}

	if errors.Is(err, apperrors.ErrSessionCorrupt) {
		s.logger.Warn("Stored session is corrupted, clearing it", "error", err)
		if clearErr := s.Clear(ctx); clearErr != nil {
			return nil, clearErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Valid() {
		return nil, nil
	}
	return session, nil
}

func (s *Store) Clear(ctx context.Context) error {
	keys := append([]string{KeyAuthorizationData}, sessionKeys...)
	if err := s.storage.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("error while clearing session. Err: %w", err)
	}
	return nil
}

func (s *Store) HasSession(ctx context.Context) bool {
	session, err := s.Load(ctx)
	return err == nil && session != nil
}

func (s *Store) encodeBlob(session models.Session) (map[string]string, error) {
	b, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("error while encoding session. Err: %w", err)
	}

	value := string(b)
	if s.codec != nil {
		value, err = s.codec.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("error while encrypting session. Err: %w", err)
		}
	}
	return map[string]string{KeyAuthorizationData: value}, nil
}

func (s *Store) loadBlob(ctx context.Context) (*models.Session, error) {
	value, err := s.storage.Get(ctx, KeyAuthorizationData)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("error while loading session. Err: %w", err)
	}

	if s.codec != nil {
		value, err = s.codec.Decrypt(value)
		if errors.Is(err, apperrors.ErrDecryption) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrSessionCorrupt, err)
		}
		if err != nil {
			return nil, err
		}
	}

	var session models.Session
	if err := json.Unmarshal([]byte(value), &session); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSessionCorrupt, err)
	}
	return &session, nil
}

func (s *Store) encodeKeys(session models.Session) (map[string]string, error) {
	roles, err := json.Marshal(nonNil(session.Roles))
	if err != nil {
		return nil, fmt.Errorf("error while encoding roles. Err: %w", err)
	}
	permissions, err := json.Marshal(nonNil(session.Permissions))
	if err != nil {
		return nil, fmt.Errorf("error while encoding permissions. Err: %w", err)
	}

	return map[string]string{
		KeyAccessToken:  session.AccessToken,
		KeyRefreshToken: session.RefreshToken,
		KeyUserID:       session.UserID,
		KeyRoles:        string(roles),
		KeyPermissions:  string(permissions),
		KeyExpiresIn:    strconv.Itoa(session.ExpiresIn),
	}, nil
}

func (s *Store) loadKeys(ctx context.Context) (*models.Session, error) {
	values, err := s.storage.GetMany(ctx, sessionKeys...)
	if err != nil {
		return nil, fmt.Errorf("error while loading session. Err: %w", err)
	}
	for _, k := range sessionKeys {
		if _, ok := values[k]; !ok {
			return nil, nil
		}
	}

	session := models.Session{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
		UserID:       values[KeyUserID],
	}
	if err := json.Unmarshal([]byte(values[KeyRoles]), &session.Roles); err != nil {
		return nil, fmt.Errorf("%w: roles: %v", apperrors.ErrSessionCorrupt, err)
	}
	if err := json.Unmarshal([]byte(values[KeyPermissions]), &session.Permissions); err != nil {
		return nil, fmt.Errorf("%w: permissions: %v", apperrors.ErrSessionCorrupt, err)
	}
	if session.ExpiresIn, err = strconv.Atoi(values[KeyExpiresIn]); err != nil {
		return nil, fmt.Errorf("%w: expiresIn: %v", apperrors.ErrSessionCorrupt, err)
	}
	return &session, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
