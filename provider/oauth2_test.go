package provider

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func oauth2Harness(t *testing.T) (*echo.Echo, *fakeRoute) {
	t.Helper()

	rt := newFakeRoute(t, "upstream")
	p := OAuth2(OAuth2Config{
		ClientID:     "client-123",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://idp.example.com/authorize",
			TokenURL: "https://idp.example.com/token",
		},
		Scopes: []string{"profile", "email"},
		Query:  map[string]string{"access_type": "offline"},
	})

	e := echo.New()
	require.NoError(t, p.Init(e.Group("/upstream"), rt))
	return e, rt
}

func TestOAuth2AuthorizeRedirect(t *testing.T) {
	e, rt := oauth2Harness(t)

	req := httptest.NewRequest(http.MethodGet, "/upstream/authorize", nil)
	req.Host = "auth.example.com"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	target, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", target.Host)

	q := target.Query()
	assert.Equal(t, "client-123", q.Get("client_id"))
	assert.Equal(t, "http://auth.example.com/upstream/callback", q.Get("redirect_uri"))
	assert.Equal(t, "profile email", q.Get("scope"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.NotEmpty(t, q.Get("state"))

	// The anti-CSRF state is pinned in flow state for the callback.
	var stored oauthState
	ok, err := rt.Get(nil, oauthStateKey, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, q.Get("state"), stored.State)
}

func TestOAuth2CallbackStateMismatch(t *testing.T) {
	e, rt := oauth2Harness(t)

	// Establish flow state.
	req := httptest.NewRequest(http.MethodGet, "/upstream/authorize", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/upstream/callback?code=abc&state=forged", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rt.results)
}

func TestOAuth2CallbackWithoutFlowState(t *testing.T) {
	e, rt := oauth2Harness(t)

	req := httptest.NewRequest(http.MethodGet, "/upstream/callback?code=abc&state=x", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rt.results)
}

func TestOAuth2CallbackUpstreamError(t *testing.T) {
	e, rt := oauth2Harness(t)

	req := httptest.NewRequest(http.MethodGet, "/upstream/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rt.results)
}

func TestTokenSetFrom(t *testing.T) {
	token := (&oauth2.Token{
		AccessToken:  "at",
		RefreshToken: "rt",
	}).WithExtra(map[string]any{"id_token": "idt"})

	set := tokenSetFrom(token)
	assert.Equal(t, "at", set.Access)
	assert.Equal(t, "rt", set.Refresh)
	assert.Equal(t, "idt", set.IDToken)
}
