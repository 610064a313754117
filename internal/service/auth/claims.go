package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nkiryanov/mixcore/internal/apperrors"
)

// Claims read from access token payload
// Signature is not checked: the client only needs what the server already put there
type Claims struct {
	UserID string
	Roles  []string
}

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// ParseClaims decodes payload segment of the access token
func ParseClaims(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: token has %d segments", apperrors.ErrMalformedToken, len(parts))
	}

	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedToken, err)
	}

	var raw jwt.MapClaims
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedToken, err)
	}

	var claims Claims
	for key, value := range raw {
		switch {
		case isRoleClaim(key):
			claims.Roles = append(claims.Roles, claimStrings(value)...)
		case isUserIDClaim(key):
			if claims.UserID == "" || key == "sub" {
				if id, ok := value.(string); ok {
					claims.UserID = id
				}
			}
		}
	}
	return claims, nil
}

// Covers both plain and ws-federation claim names
func isRoleClaim(key string) bool {
	return key == "role" || key == "roles" || strings.HasSuffix(key, "/role")
}

func isUserIDClaim(key string) bool {
	return key == "sub" || key == "nameid" || strings.HasSuffix(key, "/nameidentifier")
}

// Single role comes as a string, several as an array
func claimStrings(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
