package authkit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"

	"go.pilab.hu/authkit/internal/httputil"
)

// Transient flow state lives in the browser as encrypted httpOnly
// cookies: serialize to JSON, JWE-encrypt with the current encryption
// key (compact serialization), decrypt-and-deserialize on read. A value
// that fails to decrypt is treated as absent, exactly like an expired
// cookie.

func (i *Issuer) setCookie(c echo.Context, name string, value any, ttl time.Duration) error {
	keys, err := i.encryption(c.Request().Context())
	if err != nil {
		return err
	}
	key := keys[0]
	for _, k := range keys {
		if k.Expired.IsZero() {
			key = k
			break
		}
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cookie state: %w", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: key.Public, KeyID: key.ID},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create encrypter: %w", err)
	}

	object, err := encrypter.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt cookie state: %w", err)
	}
	serialized, err := object.CompactSerialize()
	if err != nil {
		return fmt.Errorf("failed to serialize cookie state: %w", err)
	}

	secure := httputil.Secure(c.Request())
	cookie := &http.Cookie{
		Name:     name,
		Value:    serialized,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
	}
	if secure {
		cookie.SameSite = http.SameSiteNoneMode
	} else {
		cookie.SameSite = http.SameSiteLaxMode
	}
	c.SetCookie(cookie)

	return nil
}

// getCookie reports (false, nil) when the cookie is absent, expired or
// undecryptable.
func (i *Issuer) getCookie(c echo.Context, name string, dest any) (bool, error) {
	cookie, err := c.Cookie(name)
	if err != nil || cookie.Value == "" {
		return false, nil
	}

	keys, keyErr := i.encryption(c.Request().Context())
	if keyErr != nil {
		return false, keyErr
	}

	object, err := jose.ParseEncrypted(
		cookie.Value,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return false, nil
	}

	// Older keys stay valid for decryption across rotations.
	for _, key := range keys {
		payload, err := object.Decrypt(key.Private)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(payload, dest); err != nil {
			return false, nil
		}
		return true, nil
	}

	return false, nil
}

func clearCookie(c echo.Context, name string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
