package models

import (
	"slices"
)

// Session issued by Mixcore after login, external login or token renewal
type Session struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	UserID       string   `json:"userId"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`

	// Access token lifetime in seconds as reported by the server
	ExpiresIn int `json:"expiresIn"`
}

// Valid reports whether the session carries both tokens
// A session with only one of them is never persisted
func (s Session) Valid() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

func (s Session) HasRole(role string) bool {
	return role != "" && slices.Contains(s.Roles, role)
}

func (s Session) HasPermission(permission string) bool {
	return permission != "" && slices.Contains(s.Permissions, permission)
}

// CleanClaims drops empty entries that appear when claims could not be decoded
func CleanClaims(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || v == "undefined" || v == "null" {
			continue
		}
		out = append(out, v)
	}
	return out
}
