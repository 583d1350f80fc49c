package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth issues and verifies HS256 bearer tokens whose subject is the user ID.
type JWTAuth struct {
	secret []byte
	issuer string
}

// ErrUnauthenticated is returned when a request carries no valid bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

// NewJWTAuth creates a JWTAuth signing with secret. Tokens are stamped with, and required to
// carry, issuer when it is not empty.
func NewJWTAuth(secret, issuer string) (JWTAuth, error) {
	if secret == "" {
		return JWTAuth{}, errors.New("jwt secret is empty")
	}
	return JWTAuth{secret: []byte(secret), issuer: issuer}, nil
}

// GenerateToken creates a signed token for userID valid for ttl.
func (a JWTAuth) GenerateToken(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies tokenStr, returning its subject.
func (a JWTAuth) ValidateToken(tokenStr string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: invalid token: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Authenticate returns the user ID of the bearer token in r's Authorization header.
func (a JWTAuth) Authenticate(r *http.Request) (string, error) {
	token := extractBearerToken(r)
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	return a.ValidateToken(token)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
