package auth

import (
	"fmt"

	"github.com/nkiryanov/mixcore/internal/apperrors"
	"github.com/nkiryanov/mixcore/internal/models"
	"github.com/nkiryanov/mixcore/internal/rest"
)

type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
	RefreshingToken
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case RefreshingToken:
		return "refreshing_token"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Json names follow the server contract
type LoginRequest struct {
	Username   string `json:"UserName" validate:"required"`
	Password   string `json:"Password" validate:"required"`
	RememberMe bool   `json:"RememberMe"`
	Email      string `json:"Email" validate:"omitempty,email"`
	ReturnURL  string `json:"ReturnUrl"`
}

type RegisterRequest struct {
	Username        string `json:"UserName" validate:"required"`
	Email           string `json:"Email" validate:"required,email"`
	Password        string `json:"Password" validate:"required"`
	ConfirmPassword string `json:"ConfirmPassword" validate:"eqfield=Password"`
}

type ForgotPasswordRequest struct {
	Email string `json:"Email" validate:"required,email"`
}

type ResetPasswordRequest struct {
	Code            string `json:"Code" validate:"required"`
	Email           string `json:"Email" validate:"required,email"`
	Password        string `json:"Password" validate:"required"`
	ConfirmPassword string `json:"ConfirmPassword" validate:"eqfield=Password"`
}

type ExternalLoginRequest struct {
	Provider            string `json:"provider" validate:"required"`
	Email               string `json:"email" validate:"omitempty,email"`
	UserName            string `json:"userName,omitempty"`
	ExternalAccessToken string `json:"externalAccessToken,omitempty"`
	ReturnURL           string `json:"returnUrl,omitempty"`
}

type Provider struct {
	Provider    string `json:"provider"`
	DisplayName string `json:"displayName"`
}

type Profile struct {
	ID       string   `json:"id"`
	UserName string   `json:"userName"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

type renewRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresIn    int      `json:"expiresIn"`
	UserID       string   `json:"userId"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
}

// sessionFrom builds session from login or renewal response
// Missing roles and user id are taken from access token, then from prev
func sessionFrom(env models.Envelope, prev *models.Session) (models.Session, error) {
	data, err := rest.DecodeData[tokenResponse](env)
	if err != nil {
		return models.Session{}, fmt.Errorf("error while decoding token response. Err: %w", err)
	}
	if data.AccessToken == "" || data.RefreshToken == "" {
		return models.Session{}, fmt.Errorf("%w: response carries no token pair", apperrors.ErrNoTokens)
	}

	session := models.Session{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		UserID:       data.UserID,
		Roles:        models.CleanClaims(data.Roles),
		Permissions:  models.CleanClaims(data.Permissions),
		ExpiresIn:    data.ExpiresIn,
	}

	if data.Roles == nil || session.UserID == "" {
		claims, err := ParseClaims(session.AccessToken)
		switch {
		case err != nil && data.Roles == nil && prev == nil:
			return models.Session{}, err
		case err == nil:
			if session.UserID == "" {
				session.UserID = claims.UserID
			}
			if data.Roles == nil {
				session.Roles = models.CleanClaims(claims.Roles)
			}
		}
	}

	if prev != nil {
		if session.UserID == "" {
			session.UserID = prev.UserID
		}
		if len(session.Roles) == 0 {
			session.Roles = prev.Roles
		}
		if data.Permissions == nil {
			session.Permissions = prev.Permissions
		}
	}
	return session, nil
}
