package auth

import (
	"net/http"
	"testing"
)

func TestExtractKey(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		token   string
		wantErr error
	}{
		{"valid", "Key test-token", "test-token", nil},
		{"absent", "", "", ErrMissingKey},
		{"wrong scheme", "Bearer abc", "", ErrInvalidPrefix},
		{"no token", "Key ", "", ErrMissingKey},
		{"blank token", "Key    ", "", ErrMissingKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			token, err := ExtractKey(req)
			if err != tc.wantErr {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if token != tc.token {
				t.Fatalf("expected token %q, got %q", tc.token, token)
			}
		})
	}
}
