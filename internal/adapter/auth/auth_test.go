package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T, issuer string) (*JWTAuthenticator, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	a, err := NewJWTAuthenticator("test-secret", issuer, clock)
	require.NoError(t, err)
	return a, clock
}

// issueToken signs an HS256 token the way the platform's auth service does.
func issueToken(a *JWTAuthenticator, userID string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func TestJWTAuthenticator_ValidToken(t *testing.T) {
	a, _ := newTestAuthenticator(t, "lifeos")
	token, err := issueToken(a, "u1", time.Hour)
	require.NoError(t, err)

	userID, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestJWTAuthenticator_Rejections(t *testing.T) {
	a, clock := newTestAuthenticator(t, "lifeos")
	other, _ := NewJWTAuthenticator("other-secret", "lifeos", clock)
	wrongIssuer, _ := NewJWTAuthenticator("test-secret", "someone-else", clock)

	expired, err := issueToken(a, "u1", time.Minute)
	require.NoError(t, err)
	forged, err := issueToken(other, "u1", time.Hour)
	require.NoError(t, err)
	foreign, err := issueToken(wrongIssuer, "u1", time.Hour)
	require.NoError(t, err)
	noSubject, err := issueToken(a, "", time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1", Issuer: "lifeos"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", expired},
		{"wrong secret", forged},
		{"wrong issuer", foreign},
		{"missing subject", noSubject},
		{"missing expiry", noExpiry},
		{"alg none", none},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tt.token)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}

func TestJWTAuthenticator_Leeway(t *testing.T) {
	a, clock := newTestAuthenticator(t, "")
	token, err := issueToken(a, "u1", time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute + 3*time.Second)
	_, err = a.Authenticate(context.Background(), token)
	assert.NoError(t, err)
}

func TestNewJWTAuthenticator_EmptySecret(t *testing.T) {
	_, err := NewJWTAuthenticator("  ", "", clockwork.NewRealClock())
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"header", "/events", "Bearer abc", "abc"},
		{"lowercase scheme", "/events", "bearer abc", "abc"},
		{"query", "/events?token=xyz", "", "xyz"},
		{"header wins", "/events?token=xyz", "Bearer abc", "abc"},
		{"basic auth ignored", "/events", "Basic dXNlcjpwYXNz", ""},
		{"bare scheme", "/events", "Bearer ", ""},
		{"none", "/events", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, ExtractToken(r))
		})
	}
}
