package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the payload of every dashboard token. Refresh tokens carry no role.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role,omitempty"`
	TokenType TokenType `json:"token_type"`
}

// check applies the rules the JWT library does not know about.
func (c Claims) check(expected TokenType) error {
	switch {
	case c.TokenType != expected:
		return errors.New("token_type mismatch")
	case c.UserID == "" || c.Subject != c.UserID:
		return errors.New("subject does not match user_id")
	case expected == TokenTypeAccess && c.Role == "":
		return errors.New("access token without role")
	}
	return nil
}
