package auth

import (
	"net/http"
	"strings"
)

const (
	bearerPrefix     = "Bearer "
	accessTokenParam = "access_token"
)

// TokenFromRequest returns the bearer token from the Authorization header, or from the
// access_token query parameter for clients such as EventSource that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	if r.URL != nil {
		return strings.TrimSpace(r.URL.Query().Get(accessTokenParam))
	}
	return ""
}

// ValidateRequest extracts the request token and validates it, returning the user id.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return "", ErrMissingToken
	}
	return i.ValidateToken(token)
}
