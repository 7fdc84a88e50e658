// Package auth parses the credentials presented to the submission API.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// authScheme is the scheme the Authorization header must carry.
const authScheme = "Key"

var (
	ErrMissingKey    = errors.New("missing API key")
	ErrInvalidPrefix = errors.New("authorization scheme must be Key")
)

// ExtractKey returns the API key from the request's Authorization header,
// which must be of the form "Key <token>".
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != authScheme {
		return "", ErrInvalidPrefix
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingKey
	}
	return token, nil
}
