// Package authkit is an embeddable OAuth 2.0 / OIDC authorization-server
// core. It runs the authorization-code and token lifecycle over a set of
// pluggable identity providers and an abstract key-value store: it
// validates /authorize requests, hands the browser off to a provider's
// sub-routes, turns the provider's success callback into a code or
// token, and serves the /token grant types with signed access tokens and
// rotated refresh tokens.
//
// User records are not managed here. Whenever a provider verifies an
// identity, the host application's Success callback decides which
// subject to issue for.
package authkit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authkit/keyring"
	"go.pilab.hu/authkit/provider"
	"go.pilab.hu/authkit/storage"
)

// Default lifetimes. The refresh-reuse window tolerates client retries:
// replaying an already-redeemed refresh token inside the window returns
// the same successor token instead of failing.
const (
	DefaultTTLAccess       = 30 * 24 * time.Hour
	DefaultTTLRefresh      = 365 * 24 * time.Hour
	DefaultTTLRefreshReuse = 60 * time.Second
)

// AllowRequest is what the allow policy hook sees for an incoming
// authorization request.
type AllowRequest struct {
	ClientID    string
	RedirectURI string
	Audience    string
}

// Config configures an Issuer. Providers, Storage and Success are
// mandatory; everything else has defaults.
type Config struct {
	// Providers maps the mount name (the first path segment of the
	// provider's sub-routes) to its adapter.
	Providers map[string]provider.Provider

	Storage storage.Storage

	// Success receives every provider result. The host resolves the
	// verified claims to its own user record and calls
	// SubjectIssuer.Subject to finish issuance.
	Success func(si *SubjectIssuer, c echo.Context, result provider.Result) error

	// Allow decides whether a client/redirect combination may proceed.
	// Defaults to DefaultAllow (localhost always, otherwise same
	// registrable domain as the request host).
	Allow func(req AllowRequest, r *http.Request) (bool, error)

	// Select renders the provider-selection screen when more than one
	// provider is configured and none was named in the request.
	// Defaults to a minimal HTML list.
	Select func(c echo.Context, providers map[string]string) error

	// Error handles unknown-state failures, where no redirect target is
	// known. Defaults to a plain-text 400.
	Error func(c echo.Context, err error) error

	TTLAccess  time.Duration
	TTLRefresh time.Duration
	// TTLRefreshReuse is the refresh-token reuse window. Zero selects
	// the default; a negative value disables reuse entirely, making
	// refresh tokens strictly single-use.
	TTLRefreshReuse time.Duration
	// TTLRefreshRetention extends how long a redeemed record is kept
	// beyond the reuse window, for audit-style backends.
	TTLRefreshRetention time.Duration
}

// Issuer is the authorization/token engine. A process may host several
// independent Issuer instances; all caches are per-instance.
type Issuer struct {
	cfg       Config
	providers map[string]provider.Provider
	store     storage.Storage

	// lazily provisioned and memoized per instance; key rotation
	// appends rather than mutates, so populate-once is safe.
	signingOnce sync.Once
	signingKeys []*keyring.SigningKey
	signingErr  error

	encryptionOnce sync.Once
	encryptionKeys []*keyring.EncryptionKey
	encryptionErr  error
}

// New validates the configuration and creates an Issuer.
func New(cfg Config) (*Issuer, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("authkit: Config.Storage is required")
	}
	if cfg.Success == nil {
		return nil, fmt.Errorf("authkit: Config.Success is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("authkit: at least one provider is required")
	}

	if cfg.TTLAccess == 0 {
		cfg.TTLAccess = DefaultTTLAccess
	}
	if cfg.TTLRefresh == 0 {
		cfg.TTLRefresh = DefaultTTLRefresh
	}
	if cfg.TTLRefreshReuse == 0 {
		cfg.TTLRefreshReuse = DefaultTTLRefreshReuse
	}
	if cfg.Allow == nil {
		cfg.Allow = DefaultAllow
	}
	if cfg.Select == nil {
		cfg.Select = defaultSelect
	}
	if cfg.Error == nil {
		cfg.Error = defaultError
	}

	return &Issuer{
		cfg:       cfg,
		providers: cfg.Providers,
		store:     cfg.Storage,
	}, nil
}

// Register mounts the engine's endpoints and every provider's sub-routes
// on the echo instance.
func (i *Issuer) Register(e *echo.Echo) error {
	e.GET("/authorize", i.authorizeHandler)
	e.POST("/token", i.tokenHandler)
	e.GET("/.well-known/jwks.json", i.jwksHandler)
	e.GET("/.well-known/oauth-authorization-server", i.metadataHandler)

	for name, p := range i.providers {
		rt := &providerRoute{issuer: i, name: name}
		if err := p.Init(e.Group("/"+name), rt); err != nil {
			return fmt.Errorf("authkit: failed to initialize provider %q: %w", name, err)
		}
	}

	return nil
}

// signing returns the memoized signing key list, provisioning on first
// use. The newest unexpired key is the current one.
func (i *Issuer) signing(ctx context.Context) ([]*keyring.SigningKey, error) {
	i.signingOnce.Do(func() {
		i.signingKeys, i.signingErr = keyring.SigningKeys(ctx, i.store)
	})
	return i.signingKeys, i.signingErr
}

func (i *Issuer) encryption(ctx context.Context) ([]*keyring.EncryptionKey, error) {
	i.encryptionOnce.Do(func() {
		i.encryptionKeys, i.encryptionErr = keyring.EncryptionKeys(ctx, i.store)
	})
	return i.encryptionKeys, i.encryptionErr
}

func (i *Issuer) currentSigningKey(ctx context.Context) (*keyring.SigningKey, error) {
	keys, err := i.signing(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if key.Expired.IsZero() {
			return key, nil
		}
	}
	return nil, fmt.Errorf("authkit: no active signing key")
}

// Invalidate revokes every refresh token issued for the subject.
func (i *Issuer) Invalidate(ctx context.Context, subject string) error {
	entries, err := i.store.Scan(ctx, []string{refreshPrefix, subject})
	if err != nil {
		return fmt.Errorf("failed to scan refresh tokens: %w", err)
	}
	for _, entry := range entries {
		if err := i.store.Remove(ctx, entry.Key); err != nil {
			return fmt.Errorf("failed to remove refresh token: %w", err)
		}
	}

	log.Info().Str("subject", subject).Int("revoked", len(entries)).Msg("invalidated refresh tokens for subject")

	return nil
}

// providerRoute is the engine handle handed to a provider's Init.
type providerRoute struct {
	issuer *Issuer
	name   string
}

var _ provider.Route = (*providerRoute)(nil)

func (rt *providerRoute) Name() string { return rt.name }

func (rt *providerRoute) Storage() storage.Storage { return rt.issuer.store }

func (rt *providerRoute) Success(c echo.Context, result provider.Result, opts *provider.SuccessOptions) error {
	result.Provider = rt.name
	si := &SubjectIssuer{issuer: rt.issuer, providerOpts: opts}
	return rt.issuer.cfg.Success(si, c, result)
}

func (rt *providerRoute) Forward(c echo.Context, res *http.Response) error {
	return forwardResponse(c, res)
}

func (rt *providerRoute) Set(c echo.Context, key string, ttl time.Duration, value any) error {
	return rt.issuer.setCookie(c, rt.cookieName(key), value, ttl)
}

func (rt *providerRoute) Get(c echo.Context, key string, dest any) (bool, error) {
	return rt.issuer.getCookie(c, rt.cookieName(key), dest)
}

func (rt *providerRoute) Unset(c echo.Context, key string) {
	clearCookie(c, rt.cookieName(key))
}

func (rt *providerRoute) Invalidate(ctx context.Context, subject string) error {
	return rt.issuer.Invalidate(ctx, subject)
}

// cookieName scopes transient-state cookies per provider so two
// providers never read each other's flow state.
func (rt *providerRoute) cookieName(key string) string {
	return rt.name + "_" + key
}

// forwardResponse copies an externally produced response onto the live
// connection.
func forwardResponse(c echo.Context, res *http.Response) error {
	header := c.Response().Header()
	for name, values := range res.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	c.Response().WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	defer res.Body.Close()
	if _, err := io.Copy(c.Response(), res.Body); err != nil {
		return fmt.Errorf("failed to forward response body: %w", err)
	}
	return nil
}

func defaultError(c echo.Context, err error) error {
	return c.String(http.StatusBadRequest, err.Error())
}
