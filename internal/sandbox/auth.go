package sandbox

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeKeyToken checks the key and token query parameters. An empty
// expected value accepts any non-empty credential.
func authorizeKeyToken(query url.Values, apiKey, token string) *authError {
	gotKey := strings.TrimSpace(query.Get("key"))
	gotToken := strings.TrimSpace(query.Get("token"))
	if gotKey == "" || gotToken == "" {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing key or token",
		}
	}
	if !credentialMatches(gotKey, apiKey) || !credentialMatches(gotToken, token) {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "invalid key or token",
		}
	}
	return nil
}

func credentialMatches(got, want string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
