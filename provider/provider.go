// Package provider defines the adapter contract every identity method
// implements, plus the built-in password, one-time-code, OAuth2 and OIDC
// providers. A provider owns its sub-routes under /{name}/* and keeps its
// short-lived flow state in encrypted cookies managed by the engine.
package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"go.pilab.hu/authkit/storage"
)

// Provider is a pluggable identity-verification method. Init mounts the
// provider's routes on the group the engine allocates for it and receives
// the Route handle used to reach back into the engine.
type Provider interface {
	// Type returns the provider kind, e.g. "password", "oidc".
	Type() string

	Init(g *echo.Group, rt Route) error
}

// ClientProvider is the optional machine-to-machine capability backing
// the client_credentials grant. There is no browser redirect involved:
// the provider validates the client credentials and returns subject
// properties directly.
type ClientProvider interface {
	Provider

	Client(ctx context.Context, input ClientInput) (map[string]string, error)
}

// ClientInput carries the client_credentials form fields.
type ClientInput struct {
	ClientID     string
	ClientSecret string
	Params       url.Values
}

// Result is what a provider hands to the engine when its flow succeeds.
type Result struct {
	// Provider is filled in by the engine with the registered name.
	Provider string `json:"provider"`
	// Claims holds verified identity claims, e.g. {"email": ...}.
	Claims map[string]string `json:"claims,omitempty"`
	// TokenSet carries upstream tokens for OAuth2/OIDC providers.
	TokenSet *TokenSet `json:"tokenset,omitempty"`
}

// TokenSet is the raw token material returned by an upstream provider.
type TokenSet struct {
	Access  string         `json:"access"`
	Refresh string         `json:"refresh,omitempty"`
	IDToken string         `json:"id_token,omitempty"`
	Expiry  time.Time      `json:"expiry,omitempty"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// SuccessOptions lets a provider hook into the issuance path.
type SuccessOptions struct {
	// Invalidate runs with the resolved subject id before any code or
	// token is issued. Password-change uses it to revoke the subject's
	// existing refresh tokens.
	Invalidate func(ctx context.Context, subject string) error
}

// Route is the engine handle passed to Init. Set/Get/Unset manage
// provider-scoped transient state, round-tripped through an encrypted
// httpOnly cookie with a per-step TTL.
type Route interface {
	// Name returns the name the provider was registered under.
	Name() string

	// Storage exposes the engine's raw store for provider-owned
	// namespaces.
	Storage() storage.Storage

	// Success terminates the flow and hands the result to the engine's
	// success path.
	Success(c echo.Context, result Result, opts *SuccessOptions) error

	// Forward rewrites a plain HTTP response (typically produced by an
	// external UI collaborator) onto the live connection.
	Forward(c echo.Context, res *http.Response) error

	Set(c echo.Context, key string, ttl time.Duration, value any) error
	// Get decodes the named state into dest, reporting whether it was
	// present and decryptable.
	Get(c echo.Context, key string, dest any) (bool, error)
	Unset(c echo.Context, key string)

	// Invalidate revokes every refresh token issued for the subject.
	Invalidate(ctx context.Context, subject string) error
}

// Flow-local validation errors. They are recovered inside the provider
// and re-rendered with the flow state rather than escalated to the
// engine.
var (
	ErrInvalidCode      = errors.New("invalid code")
	ErrInvalidEmail     = errors.New("invalid email")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrEmailTaken       = errors.New("email already taken")
)
