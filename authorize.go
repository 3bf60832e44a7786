package authkit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	autherrors "go.pilab.hu/authkit/errors"
	"go.pilab.hu/authkit/internal/httputil"
	"go.pilab.hu/authkit/provider"
)

const (
	authorizationCookie = "authorization"
	authorizationTTL    = 24 * time.Hour

	codePrefix    = "oauth:code"
	refreshPrefix = "oauth:refresh"

	codeTTL = 60 * time.Second
)

// PKCEChallenge is the code challenge carried from /authorize to the
// code exchange.
type PKCEChallenge struct {
	Challenge string `json:"challenge"`
	Method    string `json:"method"`
}

// AuthorizationState is the pending-authorization state persisted as an
// encrypted cookie for the duration of the provider flow. It is consumed
// exactly once, on success or error.
type AuthorizationState struct {
	ResponseType string         `json:"response_type"`
	RedirectURI  string         `json:"redirect_uri"`
	State        string         `json:"state,omitempty"`
	ClientID     string         `json:"client_id"`
	Audience     string         `json:"audience,omitempty"`
	PKCE         *PKCEChallenge `json:"pkce,omitempty"`
}

func (i *Issuer) authorizeHandler(c echo.Context) error {
	redirectURI := c.QueryParam("redirect_uri")
	if redirectURI == "" {
		return c.String(http.StatusBadRequest, "missing redirect_uri")
	}

	state := AuthorizationState{
		ResponseType: c.QueryParam("response_type"),
		RedirectURI:  redirectURI,
		State:        c.QueryParam("state"),
		ClientID:     c.QueryParam("client_id"),
		Audience:     c.QueryParam("audience"),
	}
	if challenge := c.QueryParam("code_challenge"); challenge != "" {
		state.PKCE = &PKCEChallenge{
			Challenge: challenge,
			Method:    c.QueryParam("code_challenge_method"),
		}
	}

	if state.ResponseType == "" {
		return i.redirectError(c, &state, autherrors.NewMissingParameter("response_type").OAuth())
	}
	if state.ClientID == "" {
		return i.redirectError(c, &state, autherrors.NewMissingParameter("client_id").OAuth())
	}

	allowed, err := i.cfg.Allow(AllowRequest{
		ClientID:    state.ClientID,
		RedirectURI: state.RedirectURI,
		Audience:    state.Audience,
	}, c.Request())
	if err != nil {
		return err
	}
	if !allowed {
		unauthorized := autherrors.NewUnauthorizedClientError(state.ClientID, state.RedirectURI)
		log.Warn().
			Str("client_id", unauthorized.ClientID).
			Str("redirect_uri", unauthorized.RedirectURI).
			Msg("authorization request rejected by allow policy")
		return i.redirectError(c, &state, unauthorized.OAuth())
	}

	if err := i.setCookie(c, authorizationCookie, state, authorizationTTL); err != nil {
		return err
	}

	if name := c.QueryParam("provider"); name != "" {
		if _, ok := i.providers[name]; !ok {
			return i.redirectError(c, &state, autherrors.NewInvalidRequest("unknown provider"))
		}
		return c.Redirect(http.StatusFound, "/"+name+"/authorize")
	}

	if len(i.providers) == 1 {
		for name := range i.providers {
			return c.Redirect(http.StatusFound, "/"+name+"/authorize")
		}
	}

	kinds := make(map[string]string, len(i.providers))
	for name, p := range i.providers {
		kinds[name] = p.Type()
	}
	return i.cfg.Select(c, kinds)
}

// redirectError sends an OAuth-shaped failure back to the client
// application's redirect URI as query parameters.
func (i *Issuer) redirectError(c echo.Context, state *AuthorizationState, oauthErr *autherrors.OAuth2Error) error {
	target, err := url.Parse(state.RedirectURI)
	if err != nil {
		return c.String(http.StatusBadRequest, oauthErr.Error())
	}
	query := target.Query()
	query.Set("error", oauthErr.Code)
	if oauthErr.Description != "" {
		query.Set("error_description", oauthErr.Description)
	}
	if state.State != "" {
		query.Set("state", state.State)
	}
	target.RawQuery = query.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// SubjectIssuer is handed to the host's Success callback. Calling
// Subject finishes the flow: it resolves the pending authorization and
// issues a code or tokens.
type SubjectIssuer struct {
	issuer       *Issuer
	providerOpts *provider.SuccessOptions

	// direct marks the client_credentials path: tokens go into the JSON
	// response body, no browser redirect is involved.
	direct   bool
	clientID string
}

// SubjectOptions tune a single issuance.
type SubjectOptions struct {
	// SubjectID overrides the derived subject identifier.
	SubjectID string
	// TTLAccess / TTLRefresh override the issuer-level lifetimes.
	TTLAccess  time.Duration
	TTLRefresh time.Duration
}

// Subject issues for the authenticated principal. subjectType and
// properties become the token's identity payload; the subject id
// defaults to a deterministic hash of both.
func (si *SubjectIssuer) Subject(c echo.Context, subjectType string, properties map[string]string, opts *SubjectOptions) error {
	i := si.issuer
	ctx := c.Request().Context()

	if opts == nil {
		opts = &SubjectOptions{}
	}
	subject := opts.SubjectID
	if subject == "" {
		subject = deriveSubject(subjectType, properties)
	}
	ttlAccess := i.cfg.TTLAccess
	if opts.TTLAccess > 0 {
		ttlAccess = opts.TTLAccess
	}
	ttlRefresh := i.cfg.TTLRefresh
	if opts.TTLRefresh > 0 {
		ttlRefresh = opts.TTLRefresh
	}

	if si.providerOpts != nil && si.providerOpts.Invalidate != nil {
		if err := si.providerOpts.Invalidate(ctx, subject); err != nil {
			return fmt.Errorf("invalidate hook failed: %w", err)
		}
	}

	if si.direct {
		tokens, err := i.generateTokens(ctx, tokenRequest{
			issuer:      httputil.Origin(c.Request()),
			clientID:    si.clientID,
			subject:     subject,
			subjectType: subjectType,
			properties:  properties,
			ttlAccess:   ttlAccess,
			ttlRefresh:  ttlRefresh,
			persist:     true,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, tokens)
	}

	var state AuthorizationState
	ok, err := i.getCookie(c, authorizationCookie, &state)
	if err != nil {
		return err
	}
	if !ok {
		return i.cfg.Error(c, autherrors.NewUnknownState())
	}

	switch state.ResponseType {
	case "token":
		tokens, err := i.generateTokens(ctx, tokenRequest{
			issuer:      httputil.Origin(c.Request()),
			clientID:    state.ClientID,
			subject:     subject,
			subjectType: subjectType,
			properties:  properties,
			ttlAccess:   ttlAccess,
			ttlRefresh:  ttlRefresh,
			persist:     true,
		})
		if err != nil {
			return err
		}

		clearCookie(c, authorizationCookie)

		fragment := url.Values{}
		fragment.Set("access_token", tokens.AccessToken)
		fragment.Set("refresh_token", tokens.RefreshToken)
		if state.State != "" {
			fragment.Set("state", state.State)
		}
		return c.Redirect(http.StatusFound, state.RedirectURI+"#"+fragment.Encode())

	case "code":
		code := uuid.NewString()
		grant := codeGrant{
			Type:        subjectType,
			Properties:  properties,
			Subject:     subject,
			RedirectURI: state.RedirectURI,
			ClientID:    state.ClientID,
			PKCE:        state.PKCE,
			TTLAccess:   int64(ttlAccess.Seconds()),
			TTLRefresh:  int64(ttlRefresh.Seconds()),
		}
		if err := i.store.Set(ctx, []string{codePrefix, code}, grant, codeTTL); err != nil {
			return fmt.Errorf("failed to store authorization code: %w", err)
		}

		clearCookie(c, authorizationCookie)

		target, err := url.Parse(state.RedirectURI)
		if err != nil {
			return fmt.Errorf("invalid redirect URI: %w", err)
		}
		query := target.Query()
		query.Set("code", code)
		if state.State != "" {
			query.Set("state", state.State)
		}
		target.RawQuery = query.Encode()
		return c.Redirect(http.StatusFound, target.String())

	default:
		clearCookie(c, authorizationCookie)
		return i.redirectError(c, &state, autherrors.NewInvalidRequest("unsupported response_type"))
	}
}

// deriveSubject computes the deterministic subject identifier
// "{type}:{16-hex hash}" from the subject type and properties.
// json.Marshal sorts map keys, so the hash is stable.
func deriveSubject(subjectType string, properties map[string]string) string {
	payload, _ := json.Marshal(properties)
	sum := sha256.Sum256(append([]byte(subjectType+"\x00"), payload...))
	return subjectType + ":" + hex.EncodeToString(sum[:])[:16]
}

// defaultSelect renders a minimal provider-selection page. Hosts replace
// it with their own screen via Config.Select.
func defaultSelect(c echo.Context, providers map[string]string) error {
	page := "<html><body><ul>"
	for name := range providers {
		escaped := html.EscapeString(name)
		page += fmt.Sprintf(`<li><a href="/%s/authorize">%s</a></li>`, escaped, escaped)
	}
	page += "</ul></body></html>"
	return c.HTML(http.StatusOK, page)
}
