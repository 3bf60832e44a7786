package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	autherrors "go.pilab.hu/authkit/errors"
	"go.pilab.hu/authkit/internal/httputil"
	"go.pilab.hu/authkit/provider"
)

// TokenResponse is the /token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// codeGrant is the persisted authorization code record. It is deleted on
// the first redemption attempt, before any further validation, so a code
// can never be retried.
type codeGrant struct {
	Type        string            `json:"type"`
	Properties  map[string]string `json:"properties"`
	Subject     string            `json:"subject"`
	RedirectURI string            `json:"redirect_uri"`
	ClientID    string            `json:"client_id"`
	PKCE        *PKCEChallenge    `json:"pkce,omitempty"`
	TTLAccess   int64             `json:"ttl_access"`  // seconds
	TTLRefresh  int64             `json:"ttl_refresh"` // seconds
}

// refreshGrant is the persisted refresh token record. NextToken is the
// pre-reserved successor: embedding it at mint time makes two racing
// refreshes converge on the same successor instead of each minting a
// different one. TimeUsed (epoch ms) marks the first redemption and
// opens the bounded reuse window.
type refreshGrant struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties"`
	Subject    string            `json:"subject"`
	ClientID   string            `json:"client_id"`
	NextToken  string            `json:"next_token"`
	TimeUsed   int64             `json:"time_used,omitempty"`
	TTLAccess  int64             `json:"ttl_access"`
	TTLRefresh int64             `json:"ttl_refresh"`
}

func (i *Issuer) tokenHandler(c echo.Context) error {
	switch c.FormValue("grant_type") {
	case "authorization_code":
		return i.exchangeCode(c)
	case "refresh_token":
		return i.exchangeRefresh(c)
	case "client_credentials":
		return i.clientCredentials(c)
	default:
		return oauthJSON(c, http.StatusBadRequest, autherrors.NewUnsupportedGrantType())
	}
}

func (i *Issuer) exchangeCode(c echo.Context) error {
	ctx := c.Request().Context()

	code := c.FormValue("code")
	if code == "" {
		return oauthJSON(c, http.StatusBadRequest, autherrors.NewMissingParameter("code").OAuth())
	}

	raw, err := i.store.Get(ctx, []string{codePrefix, code})
	if err != nil {
		return i.serverError(c, err)
	}
	if raw == nil {
		return oauthJSON(c, http.StatusBadRequest,
			autherrors.NewInvalidGrant("Authorization code has been used or has expired"))
	}

	// Single-use: delete before any further check so a later validation
	// failure cannot leave a retryable, partially-validated code behind.
	if err := i.store.Remove(ctx, []string{codePrefix, code}); err != nil {
		return i.serverError(c, err)
	}

	var grant codeGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return i.serverError(c, err)
	}

	if c.FormValue("redirect_uri") != grant.RedirectURI {
		return oauthJSON(c, http.StatusBadRequest,
			autherrors.NewInvalidRedirectURI("Redirect URI does not match the authorization request"))
	}
	if c.FormValue("client_id") != grant.ClientID {
		return oauthJSON(c, http.StatusForbidden,
			autherrors.NewUnauthorizedClient("Client is not authorized to redeem this authorization code"))
	}

	if grant.PKCE != nil {
		verifier := c.FormValue("code_verifier")
		if verifier == "" {
			return oauthJSON(c, http.StatusBadRequest,
				autherrors.NewInvalidGrant("Missing code_verifier"))
		}
		if !ValidatePKCE(verifier, grant.PKCE.Challenge, grant.PKCE.Method) {
			return oauthJSON(c, http.StatusBadRequest,
				autherrors.NewInvalidGrant("Code verifier does not match the challenge"))
		}
	}

	tokens, err := i.generateTokens(ctx, tokenRequest{
		issuer:      httputil.Origin(c.Request()),
		clientID:    grant.ClientID,
		subject:     grant.Subject,
		subjectType: grant.Type,
		properties:  grant.Properties,
		ttlAccess:   time.Duration(grant.TTLAccess) * time.Second,
		ttlRefresh:  time.Duration(grant.TTLRefresh) * time.Second,
		persist:     true,
	})
	if err != nil {
		return i.serverError(c, err)
	}

	return c.JSON(http.StatusOK, tokens)
}

func (i *Issuer) exchangeRefresh(c echo.Context) error {
	refreshToken := c.FormValue("refresh_token")
	if refreshToken == "" {
		return oauthJSON(c, http.StatusBadRequest, autherrors.NewMissingParameter("refresh_token").OAuth())
	}

	tokens, oauthErr, err := i.redeemRefreshToken(c.Request().Context(), refreshToken, httputil.Origin(c.Request()))
	if err != nil {
		return i.serverError(c, err)
	}
	if oauthErr != nil {
		return oauthJSON(c, http.StatusBadRequest, oauthErr)
	}

	return c.JSON(http.StatusOK, tokens)
}

// redeemRefreshToken implements refresh rotation with the bounded reuse
// window. It is shared by the /token handler and the verification
// helper's transparent-refresh path.
func (i *Issuer) redeemRefreshToken(ctx context.Context, refreshToken, issuerURL string) (*TokenResponse, *autherrors.OAuth2Error, error) {
	// The subject may itself contain the delimiter, so split from the
	// right.
	split := strings.LastIndex(refreshToken, ":")
	if split <= 0 || split == len(refreshToken)-1 {
		return nil, autherrors.NewInvalidGrant("Malformed refresh token"), nil
	}
	subject, token := refreshToken[:split], refreshToken[split+1:]

	key := []string{refreshPrefix, subject, token}
	raw, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		return nil, autherrors.NewInvalidGrant("Refresh token has been revoked or has expired"), nil
	}

	var grant refreshGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, nil, err
	}

	now := time.Now()
	reuse := i.cfg.TTLRefreshReuse

	if grant.TimeUsed > 0 {
		timeUsed := time.UnixMilli(grant.TimeUsed)

		if reuse <= 0 || now.After(timeUsed.Add(reuse)) {
			// Reuse outside the allowed window is treated as
			// token-family compromise: revoke everything the subject
			// holds.
			if err := i.Invalidate(ctx, subject); err != nil {
				return nil, nil, err
			}
			log.Warn().Str("subject", subject).Msg("refresh token reuse detected, subject invalidated")
			return nil, autherrors.NewInvalidGrant("Refresh token has already been used"), nil
		}

		// Replay inside the window: return the already-reserved
		// successor with the access expiry pinned to the first use, so
		// concurrently returned responses carry identical payloads.
		tokens, err := i.generateTokens(ctx, tokenRequest{
			issuer:       issuerURL,
			clientID:     grant.ClientID,
			subject:      subject,
			subjectType:  grant.Type,
			properties:   grant.Properties,
			ttlAccess:    time.Duration(grant.TTLAccess) * time.Second,
			ttlRefresh:   time.Duration(grant.TTLRefresh) * time.Second,
			timeUsed:     timeUsed,
			refreshToken: grant.NextToken,
			persist:      false,
		})
		if err != nil {
			return nil, nil, err
		}
		return tokens, nil, nil
	}

	// First redemption.
	if reuse > 0 {
		grant.TimeUsed = now.UnixMilli()
		retention := reuse + i.cfg.TTLRefreshRetention
		if err := i.store.Set(ctx, key, grant, retention); err != nil {
			return nil, nil, err
		}
	} else {
		if err := i.store.Remove(ctx, key); err != nil {
			return nil, nil, err
		}
	}

	tokens, err := i.generateTokens(ctx, tokenRequest{
		issuer:       issuerURL,
		clientID:     grant.ClientID,
		subject:      subject,
		subjectType:  grant.Type,
		properties:   grant.Properties,
		ttlAccess:    time.Duration(grant.TTLAccess) * time.Second,
		ttlRefresh:   time.Duration(grant.TTLRefresh) * time.Second,
		timeUsed:     now,
		refreshToken: grant.NextToken,
		persist:      true,
	})
	if err != nil {
		return nil, nil, err
	}
	return tokens, nil, nil
}

func (i *Issuer) clientCredentials(c echo.Context) error {
	name := c.FormValue("provider")
	if name == "" {
		return oauthJSON(c, http.StatusBadRequest, autherrors.NewMissingParameter("provider").OAuth())
	}
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return oauthJSON(c, http.StatusBadRequest, autherrors.NewMissingParameter("client_id").OAuth())
	}
	clientSecret := c.FormValue("client_secret")
	if clientSecret == "" {
		return oauthJSON(c, http.StatusBadRequest, autherrors.NewMissingParameter("client_secret").OAuth())
	}

	p, ok := i.providers[name]
	if !ok {
		return oauthJSON(c, http.StatusBadRequest, autherrors.NewInvalidRequest("Provider not found"))
	}
	cp, ok := p.(provider.ClientProvider)
	if !ok {
		return oauthJSON(c, http.StatusBadRequest,
			autherrors.NewInvalidRequest("Provider does not support client credentials"))
	}

	params, err := c.FormParams()
	if err != nil {
		return i.serverError(c, err)
	}
	properties, err := cp.Client(c.Request().Context(), provider.ClientInput{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Params:       params,
	})
	if err != nil {
		var oauthErr *autherrors.OAuth2Error
		if errors.As(err, &oauthErr) {
			return oauthJSON(c, http.StatusBadRequest, oauthErr)
		}
		return oauthJSON(c, http.StatusBadRequest, autherrors.NewInvalidRequest(err.Error()))
	}

	si := &SubjectIssuer{issuer: i, direct: true, clientID: clientID}
	return i.cfg.Success(si, c, provider.Result{Provider: name, Claims: properties})
}

// tokenRequest parameterizes one minting pass.
type tokenRequest struct {
	issuer      string
	clientID    string
	subject     string
	subjectType string
	properties  map[string]string
	ttlAccess   time.Duration
	ttlRefresh  time.Duration

	// timeUsed pins the access-token expiry base; zero means now.
	timeUsed time.Time
	// refreshToken is the token id to issue under; empty generates a
	// fresh one (initial issuance).
	refreshToken string
	// persist stores a new refresh record with a pre-reserved
	// successor. Replays inside the reuse window skip it.
	persist bool
}

// generateTokens mints the signed access token and the opaque refresh
// token for one grant.
func (i *Issuer) generateTokens(ctx context.Context, req tokenRequest) (*TokenResponse, error) {
	refreshID := req.refreshToken
	if refreshID == "" {
		refreshID = uuid.NewString()
	}

	if req.persist {
		grant := refreshGrant{
			Type:       req.subjectType,
			Properties: req.properties,
			Subject:    req.subject,
			ClientID:   req.clientID,
			NextToken:  uuid.NewString(),
			TTLAccess:  int64(req.ttlAccess.Seconds()),
			TTLRefresh: int64(req.ttlRefresh.Seconds()),
		}
		if err := i.store.Set(ctx, []string{refreshPrefix, req.subject, refreshID}, grant, req.ttlRefresh); err != nil {
			return nil, fmt.Errorf("failed to store refresh token: %w", err)
		}
	}

	base := req.timeUsed
	if base.IsZero() {
		base = time.Now()
	}
	expiresAt := base.Add(req.ttlAccess)

	key, err := i.currentSigningKey(ctx)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{
		"mode":       "access",
		"type":       req.subjectType,
		"properties": req.properties,
		"aud":        req.clientID,
		"iss":        req.issuer,
		"sub":        req.subject,
		"exp":        expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(signingMethod(key.Alg), claims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  signed,
		RefreshToken: req.subject + ":" + refreshID,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
	}, nil
}

func signingMethod(alg string) jwt.SigningMethod {
	if alg == "RS512" {
		return jwt.SigningMethodRS512
	}
	return jwt.SigningMethodES256
}

func oauthJSON(c echo.Context, status int, oauthErr *autherrors.OAuth2Error) error {
	return c.JSON(status, oauthErr)
}

// serverError logs an unexpected failure during grant processing and
// returns the generic OAuth server_error shape.
func (i *Issuer) serverError(c echo.Context, err error) error {
	log.Error().Err(err).Str("path", c.Path()).Msg("unexpected error during grant processing")
	return oauthJSON(c, http.StatusInternalServerError, autherrors.NewServerError("Internal server error"))
}
