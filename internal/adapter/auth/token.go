package auth

import (
	"net/http"
	"strings"
)

// TokenQueryParam carries the bearer token for clients that cannot set headers
// (browser WebSocket and EventSource).
const TokenQueryParam = "token"

// ExtractToken returns the bearer token from the Authorization header, falling
// back to the token query parameter. It returns "" when neither is present.
func ExtractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerFromHeader(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if r.URL == nil {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
}

func bearerFromHeader(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
