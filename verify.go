package authkit

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	autherrors "go.pilab.hu/authkit/errors"
)

// Subject is the verified identity carried by an access token.
type Subject struct {
	ID         string
	Type       string
	Properties map[string]string
}

// VerifyOptions tune token verification.
type VerifyOptions struct {
	// RefreshToken, when set, lets Verify transparently rotate an
	// expired access token and return the fresh pair.
	RefreshToken string
}

// VerifyResult is the outcome of a successful verification. Tokens is
// non-nil only when an expired access token was transparently refreshed.
type VerifyResult struct {
	Subject Subject
	Tokens  *TokenResponse
}

// Verify checks an access token's signature and claims against the key
// registry. Failures map onto the typed verification errors in the
// errors package.
func (i *Issuer) Verify(ctx context.Context, accessToken string, opts *VerifyOptions) (*VerifyResult, error) {
	subject, err := i.verifyAccessToken(ctx, accessToken)
	if err == nil {
		return &VerifyResult{Subject: *subject}, nil
	}

	if !errors.Is(err, autherrors.ErrAccessTokenExpired) || opts == nil || opts.RefreshToken == "" {
		return nil, err
	}

	// Expired, but the caller supplied a refresh token: rotate and
	// verify the replacement.
	issuerURL := unverifiedIssuer(accessToken)
	tokens, oauthErr, redeemErr := i.redeemRefreshToken(ctx, opts.RefreshToken, issuerURL)
	if redeemErr != nil {
		return nil, redeemErr
	}
	if oauthErr != nil {
		return nil, fmt.Errorf("%w: %s", autherrors.ErrInvalidRefreshToken, oauthErr.Description)
	}

	subject, err = i.verifyAccessToken(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	return &VerifyResult{Subject: *subject, Tokens: tokens}, nil
}

func (i *Issuer) verifyAccessToken(ctx context.Context, accessToken string) (*Subject, error) {
	keys, err := i.signing(ctx)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256", "RS512"}))
	claims := jwt.MapClaims{}

	_, err = parser.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		for _, key := range keys {
			if key.ID == kid {
				return key.Public, nil
			}
		}
		return nil, fmt.Errorf("unknown signing key %q", kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherrors.ErrAccessTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", autherrors.ErrInvalidAccessToken, err)
	}

	if mode, _ := claims["mode"].(string); mode != "access" {
		return nil, fmt.Errorf("%w: not an access token", autherrors.ErrInvalidAccessToken)
	}

	subjectType, _ := claims["type"].(string)
	id, _ := claims["sub"].(string)
	if subjectType == "" || id == "" {
		return nil, fmt.Errorf("%w: missing subject claims", autherrors.ErrInvalidSubject)
	}

	properties := map[string]string{}
	if raw, ok := claims["properties"].(map[string]any); ok {
		for name, value := range raw {
			if s, ok := value.(string); ok {
				properties[name] = s
			}
		}
	}

	return &Subject{ID: id, Type: subjectType, Properties: properties}, nil
}

// unverifiedIssuer pulls the iss claim without signature verification.
// The refresh grant is authenticated by the storage lookup; iss only
// seeds the replacement token's claim.
func unverifiedIssuer(accessToken string) string {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(accessToken, claims)
	if err != nil {
		return ""
	}
	iss, _ := claims["iss"].(string)
	return iss
}
