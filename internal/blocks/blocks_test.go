package blocks

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptBlock(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	plaintext := make([]byte, 4096)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	block, err := EncryptBlock("model-a", 0, plaintext, key)
	require.NoError(t, err)

	assert.Equal(t, "model-a", block.ModelID)
	assert.Equal(t, int64(len(plaintext)), block.OriginalSize)
	assert.Equal(t, Checksum(plaintext), block.Checksum)
	assert.NotEqual(t, plaintext, block.Ciphertext)

	recovered, err := DecryptBlock(block, key)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, recovered))
}

func TestEncryptBlock_EmptyPlaintext(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	_, err = EncryptBlock("model-a", 0, nil, key)
	assert.Error(t, err)
}

func TestDecryptBlock_WrongKey(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)
	other, err := NewEncryptionKey()
	require.NoError(t, err)

	block, err := EncryptBlock("model-a", 0, []byte("payload"), key)
	require.NoError(t, err)

	_, err = DecryptBlock(block, other)
	assert.Error(t, err)
}

func TestDecryptBlock_TamperedCiphertext(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	block, err := EncryptBlock("model-a", 0, []byte("sensitive weights"), key)
	require.NoError(t, err)

	block.Ciphertext[0] ^= 0xff
	_, err = DecryptBlock(block, key)
	assert.Error(t, err)
}

func TestDecryptBlock_ChecksumMismatch(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	block, err := EncryptBlock("model-a", 0, []byte("payload"), key)
	require.NoError(t, err)

	// Valid ciphertext but a forged manifest checksum must still fail.
	block.Checksum = Checksum([]byte("different"))
	_, err = DecryptBlock(block, key)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	data := []byte("chunk data on the wire")
	sealed, err := Seal(data, key.Key)
	require.NoError(t, err)

	opened, err := Open(sealed, key.Key)
	require.NoError(t, err)
	assert.Equal(t, data, opened)
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	data := []byte("same plaintext")
	a, err := Seal(data, key.Key)
	require.NoError(t, err)
	b, err := Seal(data, key.Key)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpen_TooShort(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	_, err = Open([]byte{1, 2, 3}, key.Key)
	assert.Error(t, err)
}

func TestStore_ExportModel(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	key, err := NewEncryptionKey()
	require.NoError(t, err)

	model := make([]byte, 1000)
	_, err = rand.Read(model)
	require.NoError(t, err)

	manifest, err := store.ExportModel("model-a", model, 256, key)
	require.NoError(t, err)
	assert.Equal(t, 4, manifest.TotalBlocks)
	assert.Len(t, manifest.Blocks, 4)

	// Manifest entries do not carry ciphertext; payloads live on disk.
	var rebuilt []byte
	for _, b := range manifest.Blocks {
		assert.Empty(t, b.Ciphertext)
		payload, err := store.LoadPayload(b.BlockID)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), b.EncryptedSize)

		loaded := b
		loaded.Ciphertext = payload
		plain, err := DecryptBlock(&loaded, key)
		require.NoError(t, err)
		rebuilt = append(rebuilt, plain...)
	}
	assert.True(t, bytes.Equal(model, rebuilt))

	// The at-rest key round-trips through the store.
	loadedKey, err := store.LoadKey("model-a")
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, loadedKey.KeyID)
	assert.Equal(t, key.Key, loadedKey.Key)

	models, err := store.ListModels()
	require.NoError(t, err)
	assert.Equal(t, []string{"model-a"}, models)
}

func TestStore_LoadManifest_Unknown(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.LoadManifest("nope")
	assert.Error(t, err)
}
