package authkit

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePKCES256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.True(t, ValidatePKCE(verifier, challenge, PKCEMethodS256))
	assert.True(t, ValidatePKCE(verifier, challenge, ""), "empty method defaults to S256")
	assert.False(t, ValidatePKCE("wrong-verifier", challenge, PKCEMethodS256))
	assert.False(t, ValidatePKCE(verifier, verifier, PKCEMethodS256), "plain match must not pass as S256")
}

func TestValidatePKCEPlain(t *testing.T) {
	assert.True(t, ValidatePKCE("secret", "secret", PKCEMethodPlain))
	assert.False(t, ValidatePKCE("secret", "other", PKCEMethodPlain))
}

func TestValidatePKCEUnknownMethodFailsClosed(t *testing.T) {
	assert.False(t, ValidatePKCE("secret", "secret", "S512"))
}
