package authkit

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"

	"go.pilab.hu/authkit/internal/httputil"
)

// Discovery endpoints are public and CORS-open so browser-side relying
// parties can fetch them directly.

func (i *Issuer) jwksHandler(c echo.Context) error {
	keys, err := i.signing(c.Request().Context())
	if err != nil {
		return err
	}

	set := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		jwk := jose.JSONWebKey{
			Key:       key.Public,
			KeyID:     key.ID,
			Algorithm: key.Alg,
			Use:       "sig",
		}
		data, err := jwk.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal JWK: %w", err)
		}

		// Expired keys stay published so tokens issued before a
		// rotation remain verifiable; the exp hint tells relying
		// parties when the key stopped signing.
		if !key.Expired.IsZero() {
			var entry map[string]any
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			entry["exp"] = key.Expired.Unix()
			if data, err = json.Marshal(entry); err != nil {
				return err
			}
		}

		set = append(set, data)
	}

	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return c.JSON(http.StatusOK, map[string]any{"keys": set})
}

func (i *Issuer) metadataHandler(c echo.Context) error {
	origin := httputil.Origin(c.Request())

	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return c.JSON(http.StatusOK, map[string]any{
		"issuer":                   origin,
		"authorization_endpoint":   origin + "/authorize",
		"token_endpoint":           origin + "/token",
		"jwks_uri":                 origin + "/.well-known/jwks.json",
		"response_types_supported": []string{"code", "token"},
	})
}
