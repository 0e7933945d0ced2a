// club/token.go
package club

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// API clients authenticate with a bearer token instead of the browser
// session cookie. Tokens carry the user id only; roles and moderation state
// are always read fresh so a ban takes effect on the next request, not at
// token expiry.

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type Tokens struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, clock: time.Now}
}

// Issue creates a signed token for the user.
func (t *Tokens) Issue(userID string) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("token secret is not configured")
	}
	now := t.clock()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses a bearer token and returns the user id it names.
func (t *Tokens) Verify(tokenString string) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.clock))
	if err != nil {
		return "", ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.UserID) == "" {
		return "", ErrUnauthorized
	}
	return claims.UserID, nil
}
