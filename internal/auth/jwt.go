package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

type Claims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

// SignJWT signs an HS256 token of the given kind that expires after ttl.
func SignJWT(userID, email, role, kind, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: empty jwt secret")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseJWT verifies signature, expiry and token kind.
func ParseJWT(tokenStr, secret, kind string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !tok.Valid || claims.UserID == "" {
		return nil, errors.New("auth: invalid token")
	}
	if kind != "" && claims.Kind != kind {
		return nil, fmt.Errorf("auth: expected %s token, got %q", kind, claims.Kind)
	}
	return claims, nil
}
