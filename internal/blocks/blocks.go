package blocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// NonceSize is the standard GCM nonce size in bytes.
	NonceSize = 12
	// AlgorithmAES256GCM is the only algorithm blocks are encrypted with.
	AlgorithmAES256GCM = "AES-256-GCM"
)

// EncryptionKey is an immutable symmetric key. It is owned by the node
// that generated it and referenced from blocks by ID.
type EncryptionKey struct {
	KeyID     string    `json:"key_id"`
	Algorithm string    `json:"algorithm"`
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEncryptionKey generates a fresh AES-256 key.
func NewEncryptionKey() (*EncryptionKey, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &EncryptionKey{
		KeyID:     uuid.New().String(),
		Algorithm: AlgorithmAES256GCM,
		Key:       key,
		CreatedAt: time.Now(),
	}, nil
}

// EncryptedBlock is one encrypted chunk of a serialized model. The
// checksum is the SHA-256 of the plaintext, so integrity can be verified
// end to end after decryption. Ciphertext carries the GCM tag appended.
type EncryptedBlock struct {
	BlockID       string    `json:"block_id"`
	ModelID       string    `json:"model_id"`
	BlockIndex    int       `json:"block_index"`
	Ciphertext    []byte    `json:"ciphertext,omitempty"`
	Nonce         []byte    `json:"nonce"`
	KeyID         string    `json:"key_id"`
	OriginalSize  int64     `json:"original_size"`
	EncryptedSize int64     `json:"encrypted_size"`
	Checksum      string    `json:"checksum"`
	CreatedAt     time.Time `json:"created_at"`
}

// Checksum computes the hex-encoded SHA-256 of plaintext data.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// EncryptBlock encrypts plaintext into a new EncryptedBlock using the
// given at-rest key.
func EncryptBlock(modelID string, blockIndex int, plaintext []byte, key *EncryptionKey) (*EncryptedBlock, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}

	aead, err := newGCM(key.Key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &EncryptedBlock{
		BlockID:       uuid.New().String(),
		ModelID:       modelID,
		BlockIndex:    blockIndex,
		Ciphertext:    ciphertext,
		Nonce:         nonce,
		KeyID:         key.KeyID,
		OriginalSize:  int64(len(plaintext)),
		EncryptedSize: int64(len(ciphertext)),
		Checksum:      Checksum(plaintext),
		CreatedAt:     time.Now(),
	}, nil
}

// DecryptBlock recovers the plaintext of a block and verifies it against
// the stored checksum.
func DecryptBlock(block *EncryptedBlock, key *EncryptionKey) ([]byte, error) {
	if block.KeyID != key.KeyID {
		return nil, fmt.Errorf("block %s references key %s, not %s", block.BlockID, block.KeyID, key.KeyID)
	}

	aead, err := newGCM(key.Key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, block.Nonce, block.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt block %s: %w", block.BlockID, err)
	}

	if Checksum(plaintext) != block.Checksum {
		return nil, fmt.Errorf("checksum mismatch for block %s", block.BlockID)
	}
	return plaintext, nil
}

// Seal encrypts data for the transport layer with a session key. The
// output is nonce || ciphertext || tag so the receiver can split it
// deterministically. A fresh nonce per call means the same block encrypts
// to different wire bytes on every send.
func Seal(data []byte, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, data, nil), nil
}

// Open decrypts a Seal output.
func Open(data []byte, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return aead, nil
}
