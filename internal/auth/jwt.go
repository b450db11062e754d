package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentfactory/internal/support"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer     = "agentfactory"
	defaultTokenTTL = 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")

	secretOnce sync.Once
	secret     []byte
)

func jwtSecret() []byte {
	secretOnce.Do(func() {
		value := strings.TrimSpace(support.GetEnv("JWT_SECRET", ""))
		if value == "" {
			log.Warn("JWT_SECRET not set, using a random per-process secret")
			value = support.RandomToken(32)
		}
		secret = []byte(value)
	})
	return secret
}

// GenerateJWT issues a signed token carrying the user id and role.
func GenerateJWT(userID uint, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"iss":     tokenIssuer,
		"iat":     now.Unix(),
		"exp":     now.Add(support.GetEnvDuration("JWT_TTL", defaultTokenTTL)).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(jwtSecret())
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies signature, issuer and expiry and returns the claims.
func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
