// Package auth issues and verifies the JWT access and refresh tokens.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const refreshTokenType = "refresh"

type Claims struct {
	Email     string `json:"email"`
	TokenType string `json:"tokenType,omitempty"`
	jwt.RegisteredClaims
}

// IsRefresh reports whether the token was issued as a refresh token.
func (c Claims) IsRefresh() bool {
	return c.TokenType == refreshTokenType
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueAccessToken signs a short-lived access token for the user.
func IssueAccessToken(secret []byte, userID, email string, ttl time.Duration) (string, error) {
	return issue(secret, userID, email, "", ttl)
}

// IssueRefreshToken signs a long-lived refresh token. The caller is expected
// to store HashToken of the result so the token can be matched on refresh.
func IssueRefreshToken(secret []byte, userID, email string, ttl time.Duration) (string, error) {
	return issue(secret, userID, email, refreshTokenType, ttl)
}

func issue(secret []byte, userID, email, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:     email,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			// Random jti so two tokens issued in the same second differ.
			ID:        randomID(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func randomID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ParseToken verifies the signature and expiry and returns the claims.
func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// HashToken returns the hex SHA-256 of a token, used when persisting
// refresh tokens so the raw value never touches the database.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
