package authkit

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDomainMatch(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "example.com", "example.com", true},
		{"sibling subdomains", "a.example.com", "b.example.com", true},
		{"subdomain of request host", "sub.example.co.uk", "example.co.uk", true},
		{"unrelated domains", "evil.com", "bank.com", false},
		{"shared public suffix only", "evil.co.uk", "bank.co.uk", false},
		{"case mismatch", "EXAMPLE.COM", "example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDomainMatch(tt.a, tt.b))
		})
	}
}

func TestDefaultAllow(t *testing.T) {
	req := httptest.NewRequest("GET", "https://auth.example.com/authorize", nil)
	req.Host = "auth.example.com"

	ok, err := DefaultAllow(AllowRequest{RedirectURI: "https://app.example.com/callback"}, req)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = DefaultAllow(AllowRequest{RedirectURI: "https://evil.com/callback"}, req)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = DefaultAllow(AllowRequest{RedirectURI: "http://localhost:3000/callback"}, req)
	require.NoError(t, err)
	assert.True(t, ok, "loopback redirects always allowed")

	ok, err = DefaultAllow(AllowRequest{RedirectURI: "http://127.0.0.1:3000/callback"}, req)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = DefaultAllow(AllowRequest{RedirectURI: "::not a url::"}, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefaultAllowHonorsForwardedHost(t *testing.T) {
	req := httptest.NewRequest("GET", "http://internal:8080/authorize", nil)
	req.Header.Set("X-Forwarded-Host", "auth.example.com")

	ok, err := DefaultAllow(AllowRequest{RedirectURI: "https://app.example.com/callback"}, req)
	require.NoError(t, err)
	assert.True(t, ok)
}
