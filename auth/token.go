// Package auth reads the bearer token the realtime client authenticates with
// and derives the identity it belongs to. Login and token refresh belong to
// the apps; this package only ever reads.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

var (
	ErrEmptyToken   = errors.New("empty token")
	ErrNoIdentity   = errors.New("token carries no identity claim")
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// identityClaims are checked in order.
var identityClaims = []string{"user_id", "driver_id", "sub"}

type Claims struct {
	Identity  string
	Role      string
	ExpiresAt time.Time
}

// IdentityFromToken reads the identity claim of a JWT without verifying its
// signature. The server verifies; the client only needs to know who it is.
func IdentityFromToken(token string) (string, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return "", err
	}
	return claims.Identity, nil
}

// Identity is the lenient form of IdentityFromToken: opaque tokens yield "".
func Identity(token string) string {
	id, err := IdentityFromToken(token)
	if err != nil {
		return ""
	}
	return id
}

func parseUnverified(token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Claims{}, ErrEmptyToken
	}

	parsed, _, err := new(jwt.Parser).ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	return claimsFrom(mc)
}

func claimsFrom(mc jwt.MapClaims) (Claims, error) {
	var c Claims
	for _, key := range identityClaims {
		if v, ok := mc[key].(string); ok && v != "" {
			c.Identity = v
			break
		}
	}
	if c.Identity == "" {
		return Claims{}, ErrNoIdentity
	}
	if role, ok := mc["role"].(string); ok {
		c.Role = role
	}
	if exp, ok := mc["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return c, nil
}

// Verifier checks HMAC-signed tokens on the relay side.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Claims{}, ErrEmptyToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	return claimsFrom(mc)
}

// Sign issues an HS256 token for identity. Used by the relay tooling and tests.
func Sign(secret, identity, role string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": identity,
		"exp":     time.Now().Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
