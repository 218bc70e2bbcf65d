package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"farmchat/internal/models"
)

var ErrMissingUserID = errors.New("token carries no user_id claim")

// Claims defines the structure of our JWT claims.
type Claims struct {
	UserID string      `json:"user_id"`
	Name   string      `json:"name,omitempty"`
	Role   models.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Session converts the claims into the identity the chat subsystem works with.
func (c *Claims) Session() models.Session {
	return models.Session{UserID: c.UserID, DisplayName: c.Name, Role: c.Role}
}

// GenerateJWT signs an HS256 token for the given identity.
func GenerateJWT(session models.Session, secret string, maxAge time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret is not configured")
	}
	if maxAge <= 0 {
		return "", fmt.Errorf("token max age is not configured or invalid")
	}
	if session.UserID == "" {
		return "", ErrMissingUserID
	}

	now := time.Now()
	claims := &Claims{
		UserID: session.UserID,
		Name:   session.DisplayName,
		Role:   session.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(maxAge)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "farmchat",
			Subject:   session.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signedToken, nil
}

// ValidateJWT validates a given JWT string.
// If valid, it returns the claims; otherwise, it returns an error.
func ValidateJWT(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is not configured for validation")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse or validate token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	if claims.UserID == "" {
		return nil, ErrMissingUserID
	}
	return claims, nil
}

// IdentityFromToken reads the identity claims without checking the signature.
// Clients use it to learn who they are; only the server can verify the token.
func IdentityFromToken(tokenString string) (models.Session, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return models.Session{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.UserID == "" {
		return models.Session{}, ErrMissingUserID
	}
	return claims.Session(), nil
}
