package apperrors

import (
	"errors"
)

var (
	// Transport level failures
	ErrNetwork       = errors.New("network error")
	ErrTimeout       = errors.New("request timed out")
	ErrHTTP          = errors.New("unexpected http status")
	ErrRequestFailed = errors.New("request failed")

	// Auth failures
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNoTokens       = errors.New("no tokens available")
	ErrMalformedToken = errors.New("malformed access token")

	// Crypto failures
	ErrKeyFormat       = errors.New("invalid packed encryption key")
	ErrDecryption      = errors.New("decryption failed")
	ErrNoEncryptionKey = errors.New("encryption key is not configured")

	ErrValidation     = errors.New("validation failed")
	ErrSessionCorrupt = errors.New("stored session is corrupted")
)

// IsAuthError reports whether err belongs to the auth family: exhausted 401, 403 or
// a token that could not be used.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNoTokens) ||
		errors.Is(err, ErrMalformedToken)
}
