package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ExpiresAt reads the exp claim of an access token without verifying the
// signature. The client never holds the signing key, so it only uses exp to
// refresh ahead of time; the service stays the authority on validity.
// ok is false for opaque tokens or tokens without exp.
func ExpiresAt(tokenString string) (time.Time, bool) {
	if tokenString == "" {
		return time.Time{}, false
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}, false
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}

// NewToken signs an HS256 token for subject. It backs the local fake
// authentication service used in tests and development.
func NewToken(subject string, secret string, duration time.Duration) (string, error) {
	if subject == "" || secret == "" {
		return "", errors.New("not enough data for token generation")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		ID:        generateJTI(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func ParseToken(tokenString string, secret string) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

func generateJTI() string {
	return uuid.New().String()
}
