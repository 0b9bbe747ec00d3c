package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IssueToken signs an HS256 token for subject with role. It stands in for the
// hospital authentication service in development and operations tooling.
func IssueToken(cfg JWTConfig, subject string, role Role, ttl time.Duration) (string, error) {
	if len(cfg.SigningKey) == 0 {
		return "", errors.New("signing key is required")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(role),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
