package authkit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE methods accepted on /authorize.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ValidatePKCE checks a code verifier against the challenge stored with
// the authorization code. S256 hashes the verifier with SHA-256 and
// compares the unpadded base64url encoding; plain compares directly.
// An unknown method fails closed.
func ValidatePKCE(verifier, challenge, method string) bool {
	switch method {
	case PKCEMethodPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	case PKCEMethodS256, "":
		sum := sha256.Sum256([]byte(verifier))
		calculated := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(calculated), []byte(challenge)) == 1
	default:
		return false
	}
}
