// ABOUTME: Bearer-token extraction and HTTP middleware for protected routes
// ABOUTME: A nil verifier disables authentication entirely

package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts the token from the Authorization header or, for
// websocket clients that cannot set headers, the access_token query
// parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// Require wraps a handler so it only runs with a valid bearer token. With a
// nil verifier the wrap is a no-op, which is the development default.
func Require(verifier TokenVerifier, onReject http.HandlerFunc, next http.HandlerFunc) http.HandlerFunc {
	if verifier == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tok := BearerToken(r)
		if tok == "" {
			onReject(w, r)
			return
		}
		if _, err := verifier.Verify(tok); err != nil {
			onReject(w, r)
			return
		}
		next(w, r)
	}
}
