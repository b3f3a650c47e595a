package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields the account service signs into its tokens.
type Claims struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// Expired reports whether the token is past its exp claim at now.
func (c Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}

// ParseClaims reads the claims of token without verifying its signature.
// The signing secret stays with the account service; the result is only
// used to pick the profile route and to warn about expiry.
func ParseClaims(token string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == "" {
		return Claims{}, errors.New("parse token: missing userId claim")
	}
	role, err := ParseRole(string(claims.Role))
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	claims.Role = role
	return claims, nil
}
