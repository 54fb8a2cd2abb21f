// internal/auth/jwt.go
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessTokenExpiry = time.Hour
	Issuer            = "boardsync"
)

// GenerateAccessToken mints a user access token. A zero ttl uses
// AccessTokenExpiry.
func (s *Service) GenerateAccessToken(userID, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = AccessTokenExpiry
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"aud":   "authenticated",
		"exp":   now.Add(ttl).Unix(),
		"iat":   now.Unix(),
		"iss":   Issuer,
		"sub":   userID,
		"email": email,
		"role":  "authenticated",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateAccessToken(tokenString string) (jwt.MapClaims, error) {
	return s.parse(tokenString)
}

func (s *Service) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
