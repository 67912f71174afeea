package authorization

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"warden/internal/support"
)

const (
	RoleAdmin  = "admin"
	RoleReader = "reader"

	issuer = "warden"
)

var (
	ErrAuthDisabled = errors.New("authorization: JWT_SECRET is not configured")
	ErrInvalidToken = errors.New("authorization: invalid token")

	secretMu sync.RWMutex
	secret   []byte
)

func init() {
	secret = []byte(support.GetEnv("JWT_SECRET", ""))
}

// SetSecret replaces the signing key. An empty key disables authorization.
func SetSecret(key string) {
	secretMu.Lock()
	secret = []byte(key)
	secretMu.Unlock()
}

// Enabled reports whether tokens are checked.
func Enabled() bool {
	secretMu.RLock()
	defer secretMu.RUnlock()
	return len(secret) > 0
}

func signingKey() ([]byte, error) {
	secretMu.RLock()
	defer secretMu.RUnlock()
	if len(secret) == 0 {
		return nil, ErrAuthDisabled
	}
	return secret, nil
}

func GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	key, err := signingKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iss":  issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
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
