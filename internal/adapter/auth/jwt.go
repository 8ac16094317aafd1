// Package auth turns bearer tokens into user ids for the transports.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

const leeway = 5 * time.Second

var _ domain.Authenticator = (*JWTAuthenticator)(nil)

// JWTAuthenticator validates HS256 tokens issued by the platform's auth service.
// The subject claim is the user id.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

// NewJWTAuthenticator returns an authenticator for secret. A non-empty issuer
// is required to match the iss claim.
func NewJWTAuthenticator(secret, issuer string, clock clockwork.Clock) (*JWTAuthenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, clock: clock}, nil
}

// Authenticate returns the subject of a valid token. Every failure wraps
// domain.ErrUnauthorized.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return "", domain.ErrUnauthorized
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}
