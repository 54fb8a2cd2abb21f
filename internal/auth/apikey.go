// internal/auth/apikey.go
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyType represents the type of API key
type APIKeyType string

const (
	APIKeyAnon        APIKeyType = "anon"
	APIKeyServiceRole APIKeyType = "service_role"
)

// APIKeyExpiry matches the lifetime of keys issued by the deployment tooling.
const APIKeyExpiry = 10 * 365 * 24 * time.Hour

// GenerateAPIKey creates a long-lived JWT API key carrying only a role claim.
func (s *Service) GenerateAPIKey(keyType APIKeyType) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"role": string(keyType),
		"iss":  Issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(APIKeyExpiry).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// ValidateAPIKey validates a JWT API key and returns the role
func (s *Service) ValidateAPIKey(tokenString string) (role string, err error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid API key: %w", err)
	}

	role, ok := claims["role"].(string)
	if !ok {
		return "", fmt.Errorf("API key missing role claim")
	}

	if role != string(APIKeyAnon) && role != string(APIKeyServiceRole) {
		return "", fmt.Errorf("invalid API key role: %s", role)
	}

	return role, nil
}

// GenerateSecret returns 32 random bytes, base64 encoded, suitable for
// signing keys.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
