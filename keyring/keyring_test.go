package keyring

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/authkit/storage"
)

func TestSigningKeysProvisionsOnFirstUse(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	keys, err := SigningKeys(ctx, store)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	key := keys[0]
	assert.NotEmpty(t, key.ID)
	assert.Equal(t, AlgSigning, key.Alg)
	assert.True(t, key.Expired.IsZero())
	assert.False(t, key.Legacy())
	_, ok := key.Private.(*ecdsa.PrivateKey)
	assert.True(t, ok)

	// A second call reads the persisted key instead of generating.
	again, err := SigningKeys(ctx, store)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, key.ID, again[0].ID)
}

func TestEncryptionKeysProvisionsOnFirstUse(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	keys, err := EncryptionKeys(ctx, store)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, AlgEncryption, keys[0].Alg)
	assert.NotNil(t, keys[0].Private)
	assert.NotNil(t, keys[0].Public)

	again, err := EncryptionKeys(ctx, store)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, keys[0].ID, again[0].ID)
}

func TestRotateSigningKeys(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	keys, err := SigningKeys(ctx, store)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	oldID := keys[0].ID

	require.NoError(t, RotateSigningKeys(ctx, store))

	keys, err = SigningKeys(ctx, store)
	require.NoError(t, err)
	require.Len(t, keys, 2, "rotation appends, old key stays for verification")

	// Newest first.
	assert.NotEqual(t, oldID, keys[0].ID)
	assert.True(t, keys[0].Expired.IsZero())

	assert.Equal(t, oldID, keys[1].ID)
	assert.False(t, keys[1].Expired.IsZero())
}

func TestSigningAndEncryptionNamespacesAreSeparate(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := SigningKeys(ctx, store)
	require.NoError(t, err)
	_, err = EncryptionKeys(ctx, store)
	require.NoError(t, err)

	signing, err := SigningKeys(ctx, store)
	require.NoError(t, err)
	encryption, err := EncryptionKeys(ctx, store)
	require.NoError(t, err)

	require.Len(t, signing, 1)
	require.Len(t, encryption, 1)
	assert.NotEqual(t, signing[0].ID, encryption[0].ID)
}
