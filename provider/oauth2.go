package provider

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"go.pilab.hu/authkit/internal/httputil"
)

const (
	oauthStateTTL = 10 * time.Minute
	oauthStateKey = "state"
)

// oauthState is the transient state pinned in the browser between the
// upstream redirect and the callback.
type oauthState struct {
	State    string `json:"state"`
	Nonce    string `json:"nonce,omitempty"`
	Redirect string `json:"redirect"`
}

// OAuth2Config configures the generic OAuth2 provider. Concrete
// third-party adapters (Google, GitHub, ...) are thin wrappers that fill
// in the endpoint and scopes.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string
	// Query adds extra authorization-request parameters, e.g.
	// {"access_type": "offline"}.
	Query map[string]string
}

type oauth2Provider struct {
	cfg OAuth2Config
}

// OAuth2 creates the generic upstream-OAuth2 provider.
func OAuth2(cfg OAuth2Config) Provider {
	return &oauth2Provider{cfg: cfg}
}

func (p *oauth2Provider) Type() string { return "oauth2" }

func (p *oauth2Provider) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     p.cfg.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       p.cfg.Scopes,
	}
}

func (p *oauth2Provider) Init(g *echo.Group, rt Route) error {
	g.GET("/authorize", func(c echo.Context) error {
		state := uuid.NewString()
		redirect := callbackURL(c, rt)

		if err := rt.Set(c, oauthStateKey, oauthStateTTL, oauthState{State: state, Redirect: redirect}); err != nil {
			return err
		}

		opts := make([]oauth2.AuthCodeOption, 0, len(p.cfg.Query))
		for name, value := range p.cfg.Query {
			opts = append(opts, oauth2.SetAuthURLParam(name, value))
		}

		return c.Redirect(http.StatusFound, p.oauthConfig(redirect).AuthCodeURL(state, opts...))
	})

	g.GET("/callback", func(c echo.Context) error {
		stored, err := p.verifyCallback(c, rt)
		if err != nil {
			return err
		}

		token, err := p.oauthConfig(stored.Redirect).Exchange(c.Request().Context(), c.QueryParam("code"))
		if err != nil {
			log.Error().Err(err).Str("provider", rt.Name()).Msg("upstream code exchange failed")
			return echo.NewHTTPError(http.StatusBadGateway, "code exchange failed")
		}

		rt.Unset(c, oauthStateKey)

		return rt.Success(c, Result{TokenSet: tokenSetFrom(token)}, nil)
	})

	return nil
}

// verifyCallback checks the anti-CSRF state nonce against the cookie
// state and surfaces any upstream error parameters.
func (p *oauth2Provider) verifyCallback(c echo.Context, rt Route) (*oauthState, error) {
	if upstreamErr := c.QueryParam("error"); upstreamErr != "" {
		log.Warn().
			Str("provider", rt.Name()).
			Str("error", upstreamErr).
			Str("error_description", c.QueryParam("error_description")).
			Msg("upstream provider returned an error")
		return nil, echo.NewHTTPError(http.StatusBadRequest, upstreamErr)
	}

	var stored oauthState
	ok, err := rt.Get(c, oauthStateKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "authorization flow expired")
	}

	state := c.QueryParam("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(stored.State)) != 1 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "state mismatch")
	}

	return &stored, nil
}

func tokenSetFrom(token *oauth2.Token) *TokenSet {
	set := &TokenSet{
		Access:  token.AccessToken,
		Refresh: token.RefreshToken,
		Expiry:  token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	return set
}

func callbackURL(c echo.Context, rt Route) string {
	return httputil.Origin(c.Request()) + "/" + rt.Name() + "/callback"
}
