// Package keyring manages the asymmetric key pairs the engine uses for
// JWT signing and JWE cookie encryption. Keys live in storage and are
// provisioned lazily: the first caller against an empty store generates
// a key pair. Rotation appends a new key and marks the old one expired;
// expired keys remain readable so already-issued tokens stay verifiable.
package keyring

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"go.pilab.hu/authkit/storage"
)

const (
	// AlgSigning is the algorithm for newly generated signing keys.
	AlgSigning = "ES256"
	// AlgSigningLegacy marks RSA signing keys from older deployments.
	// They are never generated, only parsed for verification.
	AlgSigningLegacy = "RS512"
	// AlgEncryption is the JWE key-management algorithm for encryption keys.
	AlgEncryption = "RSA-OAEP-256"
)

var (
	signingPrefix    = []string{"signing:key"}
	encryptionPrefix = []string{"encryption:key"}
)

// SigningKey is a parsed signing key pair.
type SigningKey struct {
	ID      string
	Alg     string
	Created time.Time
	Expired time.Time // zero while the key is active
	Private crypto.Signer
	Public  crypto.PublicKey
}

// Legacy reports whether the key uses the deprecated RSA algorithm.
func (k *SigningKey) Legacy() bool { return k.Alg == AlgSigningLegacy }

// EncryptionKey is a parsed encryption key pair.
type EncryptionKey struct {
	ID      string
	Alg     string
	Created time.Time
	Expired time.Time
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// keyRecord is the persisted representation of either key kind.
type keyRecord struct {
	ID         string     `json:"id"`
	Alg        string     `json:"alg"`
	Created    time.Time  `json:"created"`
	Expired    *time.Time `json:"expired,omitempty"`
	PublicPEM  string     `json:"public"`
	PrivatePEM string     `json:"private"`
}

// SigningKeys returns all stored signing keys sorted newest-first,
// generating and persisting a fresh ECDSA P-256 pair when no unexpired
// key exists. Concurrent cold starts may each generate a key; duplicates
// are wasteful but harmless, so no locking is attempted.
func SigningKeys(ctx context.Context, store storage.Storage) ([]*SigningKey, error) {
	for range 2 {
		records, err := loadRecords(ctx, store, signingPrefix)
		if err != nil {
			return nil, err
		}

		keys := make([]*SigningKey, 0, len(records))
		current := false
		for _, rec := range records {
			key, err := parseSigningKey(rec)
			if err != nil {
				return nil, err
			}
			if key.Expired.IsZero() {
				current = true
			}
			keys = append(keys, key)
		}
		if current {
			return keys, nil
		}

		if err := generateSigningKey(ctx, store); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("keyring: signing key provisioning did not converge")
}

// EncryptionKeys mirrors SigningKeys for RSA encryption key pairs.
func EncryptionKeys(ctx context.Context, store storage.Storage) ([]*EncryptionKey, error) {
	for range 2 {
		records, err := loadRecords(ctx, store, encryptionPrefix)
		if err != nil {
			return nil, err
		}

		keys := make([]*EncryptionKey, 0, len(records))
		current := false
		for _, rec := range records {
			key, err := parseEncryptionKey(rec)
			if err != nil {
				return nil, err
			}
			if key.Expired.IsZero() {
				current = true
			}
			keys = append(keys, key)
		}
		if current {
			return keys, nil
		}

		if err := generateEncryptionKey(ctx, store); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("keyring: encryption key provisioning did not converge")
}

// RotateSigningKeys marks every active signing key expired and generates
// a replacement. Expired keys stay in storage for verification.
func RotateSigningKeys(ctx context.Context, store storage.Storage) error {
	records, err := loadRecords(ctx, store, signingPrefix)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, rec := range records {
		if rec.Expired != nil {
			continue
		}
		rec.Expired = &now
		if err := store.Set(ctx, append(signingPrefix, rec.ID), rec, 0); err != nil {
			return fmt.Errorf("keyring: failed to expire signing key %s: %w", rec.ID, err)
		}
	}

	return generateSigningKey(ctx, store)
}

func loadRecords(ctx context.Context, store storage.Storage, prefix []string) ([]*keyRecord, error) {
	entries, err := store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("keyring: failed to scan keys: %w", err)
	}

	records := make([]*keyRecord, 0, len(entries))
	for _, entry := range entries {
		var rec keyRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("keyring: failed to decode key record: %w", err)
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Created.After(records[j].Created)
	})

	return records, nil
}

func generateSigningKey(ctx context.Context, store storage.Storage) error {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("keyring: failed to generate ECDSA key: %w", err)
	}

	rec, err := encodeRecord(AlgSigning, private, private.Public())
	if err != nil {
		return err
	}

	return store.Set(ctx, append(signingPrefix, rec.ID), rec, 0)
}

func generateEncryptionKey(ctx context.Context, store storage.Storage) error {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("keyring: failed to generate RSA key: %w", err)
	}

	rec, err := encodeRecord(AlgEncryption, private, private.Public())
	if err != nil {
		return err
	}

	return store.Set(ctx, append(encryptionPrefix, rec.ID), rec, 0)
}

func encodeRecord(alg string, private any, public any) (*keyRecord, error) {
	privateDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("keyring: failed to marshal private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return nil, fmt.Errorf("keyring: failed to marshal public key: %w", err)
	}

	return &keyRecord{
		ID:         uuid.NewString(),
		Alg:        alg,
		Created:    time.Now(),
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})),
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})),
	}, nil
}

func parsePrivatePEM(pemData string) (any, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("keyring: malformed private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyring: failed to parse private key: %w", err)
	}
	return key, nil
}

func parseSigningKey(rec *keyRecord) (*SigningKey, error) {
	private, err := parsePrivatePEM(rec.PrivatePEM)
	if err != nil {
		return nil, err
	}

	key := &SigningKey{
		ID:      rec.ID,
		Alg:     rec.Alg,
		Created: rec.Created,
	}
	if rec.Expired != nil {
		key.Expired = *rec.Expired
	}

	switch p := private.(type) {
	case *ecdsa.PrivateKey:
		key.Private = p
		key.Public = p.Public()
	case *rsa.PrivateKey:
		if rec.Alg != AlgSigningLegacy {
			return nil, fmt.Errorf("keyring: unexpected RSA signing key with alg %q", rec.Alg)
		}
		key.Private = p
		key.Public = p.Public()
	default:
		return nil, fmt.Errorf("keyring: unsupported signing key type %T", private)
	}

	return key, nil
}

func parseEncryptionKey(rec *keyRecord) (*EncryptionKey, error) {
	private, err := parsePrivatePEM(rec.PrivatePEM)
	if err != nil {
		return nil, err
	}

	rsaKey, ok := private.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keyring: unsupported encryption key type %T", private)
	}

	key := &EncryptionKey{
		ID:      rec.ID,
		Alg:     rec.Alg,
		Created: rec.Created,
		Private: rsaKey,
		Public:  &rsaKey.PublicKey,
	}
	if rec.Expired != nil {
		key.Expired = *rec.Expired
	}

	return key, nil
}
