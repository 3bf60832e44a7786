package provider

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// OIDCConfig configures the generic OpenID Connect provider.
type OIDCConfig struct {
	// Issuer is the upstream issuer URL; the discovery document and
	// JWKS are fetched from it lazily, once per provider instance.
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Query        map[string]string
}

type oidcProvider struct {
	cfg OIDCConfig

	once     sync.Once
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	initErr  error
}

// OIDC creates the generic OIDC provider. The "openid" scope is always
// requested.
func OIDC(cfg OIDCConfig) Provider {
	return &oidcProvider{cfg: cfg}
}

func (p *oidcProvider) Type() string { return "oidc" }

// discover resolves the upstream discovery document. The result is
// cached for the process lifetime; discovery documents are assumed
// stable while the process runs.
func (p *oidcProvider) discover(ctx context.Context) error {
	p.once.Do(func() {
		provider, err := oidc.NewProvider(context.WithoutCancel(ctx), p.cfg.Issuer)
		if err != nil {
			p.initErr = fmt.Errorf("oidc discovery failed for %s: %w", p.cfg.Issuer, err)
			return
		}
		p.provider = provider
		p.verifier = provider.Verifier(&oidc.Config{ClientID: p.cfg.ClientID})
	})
	return p.initErr
}

func (p *oidcProvider) oauthConfig(redirectURL string) *oauth2.Config {
	scopes := append([]string{oidc.ScopeOpenID}, p.cfg.Scopes...)
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     p.provider.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

func (p *oidcProvider) Init(g *echo.Group, rt Route) error {
	g.GET("/authorize", func(c echo.Context) error {
		if err := p.discover(c.Request().Context()); err != nil {
			return err
		}

		state := uuid.NewString()
		nonce := uuid.NewString()
		redirect := callbackURL(c, rt)

		if err := rt.Set(c, oauthStateKey, oauthStateTTL, oauthState{
			State:    state,
			Nonce:    nonce,
			Redirect: redirect,
		}); err != nil {
			return err
		}

		opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
		for name, value := range p.cfg.Query {
			opts = append(opts, oauth2.SetAuthURLParam(name, value))
		}

		return c.Redirect(http.StatusFound, p.oauthConfig(redirect).AuthCodeURL(state, opts...))
	})

	g.GET("/callback", func(c echo.Context) error {
		if err := p.discover(c.Request().Context()); err != nil {
			return err
		}

		var stored oauthState
		ok, err := rt.Get(c, oauthStateKey, &stored)
		if err != nil {
			return err
		}
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "authorization flow expired")
		}

		state := c.QueryParam("state")
		if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(stored.State)) != 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "state mismatch")
		}

		ctx := c.Request().Context()
		token, err := p.oauthConfig(stored.Redirect).Exchange(ctx, c.QueryParam("code"))
		if err != nil {
			log.Error().Err(err).Str("provider", rt.Name()).Msg("upstream code exchange failed")
			return echo.NewHTTPError(http.StatusBadGateway, "code exchange failed")
		}

		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			return echo.NewHTTPError(http.StatusBadGateway, "upstream response is missing id_token")
		}

		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			log.Error().Err(err).Str("provider", rt.Name()).Msg("id_token verification failed")
			return echo.NewHTTPError(http.StatusBadRequest, "id_token verification failed")
		}
		if idToken.Nonce != stored.Nonce {
			return echo.NewHTTPError(http.StatusBadRequest, "nonce mismatch")
		}

		var rawClaims map[string]any
		if err := idToken.Claims(&rawClaims); err != nil {
			return fmt.Errorf("failed to decode id_token claims: %w", err)
		}

		rt.Unset(c, oauthStateKey)

		set := tokenSetFrom(token)
		set.IDToken = rawIDToken
		set.Raw = rawClaims

		return rt.Success(c, Result{Claims: stringClaims(rawClaims), TokenSet: set}, nil)
	})

	return nil
}

// stringClaims keeps the flat string-valued claims, which is what hosts
// typically map to subject properties (sub, email, name, ...).
func stringClaims(raw map[string]any) map[string]string {
	claims := make(map[string]string, len(raw))
	for name, value := range raw {
		switch v := value.(type) {
		case string:
			claims[name] = v
		case bool:
			claims[name] = fmt.Sprintf("%t", v)
		case float64:
			if v == float64(int64(v)) && name != "exp" && name != "iat" && name != "nbf" {
				claims[name] = fmt.Sprintf("%d", int64(v))
			}
		}
	}
	return claims
}
