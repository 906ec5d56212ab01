package blocks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Manifest is the authoritative per-model list of encrypted blocks the
// transfer engine consults to locate payloads for transfer or resume.
// Block entries in the manifest carry metadata only; payloads live in the
// store's block directory.
type Manifest struct {
	ModelID     string           `json:"model_id"`
	TotalBlocks int              `json:"total_blocks"`
	Blocks      []EncryptedBlock `json:"blocks"`
}

// Store persists manifests and block payloads on the admin side. Payloads
// are kept in a two-level directory keyed by block ID, manifests as one
// JSON file per model.
type Store struct {
	dir string
}

// NewStore creates a block store rooted at dir.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"manifests", "payloads", "keys"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create block store directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) manifestPath(modelID string) string {
	return filepath.Join(s.dir, "manifests", modelID+".json")
}

func (s *Store) payloadPath(blockID string) string {
	return filepath.Join(s.dir, "payloads", blockID[:2], blockID[2:4], blockID)
}

// SaveManifest writes the manifest for a model.
func (s *Store) SaveManifest(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(s.manifestPath(m.ModelID), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest for a model.
func (s *Store) LoadManifest(modelID string) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(modelID))
	if err != nil {
		return nil, fmt.Errorf("manifest not found for model %s: %w", modelID, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// ListModels returns the model IDs with a stored manifest.
func (s *Store) ListModels() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "manifests"))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifests directory: %w", err)
	}
	var models []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".json" {
			models = append(models, name[:len(name)-len(".json")])
		}
	}
	return models, nil
}

// SavePayload writes a block's ciphertext to disk.
func (s *Store) SavePayload(blockID string, ciphertext []byte) error {
	path := s.payloadPath(blockID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create payload directory: %w", err)
	}
	if err := os.WriteFile(path, ciphertext, 0644); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// LoadPayload reads a block's ciphertext from disk.
func (s *Store) LoadPayload(blockID string) ([]byte, error) {
	if len(blockID) < 4 {
		return nil, fmt.Errorf("invalid block id: %s", blockID)
	}
	data, err := os.ReadFile(s.payloadPath(blockID))
	if err != nil {
		return nil, fmt.Errorf("payload not found for block %s: %w", blockID, err)
	}
	return data, nil
}

// DeletePayload removes a block's ciphertext, used when the owning key is
// revoked or rotated.
func (s *Store) DeletePayload(blockID string) error {
	if len(blockID) < 4 {
		return fmt.Errorf("invalid block id: %s", blockID)
	}
	if err := os.Remove(s.payloadPath(blockID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}

// SaveKey persists a model's at-rest key. Key files are only readable by
// the admin process owner.
func (s *Store) SaveKey(modelID string, key *EncryptionKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	path := filepath.Join(s.dir, "keys", modelID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// LoadKey reads a model's at-rest key.
func (s *Store) LoadKey(modelID string) (*EncryptionKey, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "keys", modelID+".json"))
	if err != nil {
		return nil, fmt.Errorf("key not found for model %s: %w", modelID, err)
	}
	var key EncryptionKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to parse key: %w", err)
	}
	return &key, nil
}

// ExportModel splits a serialized model into fixed-size blocks, encrypts
// each with the given at-rest key, persists payloads and writes the
// manifest. It returns the manifest with payloads stripped from the block
// entries.
func (s *Store) ExportModel(modelID string, model []byte, blockSize int, key *EncryptionKey) (*Manifest, error) {
	if len(model) == 0 {
		return nil, fmt.Errorf("empty model data")
	}
	if blockSize <= 0 {
		blockSize = 256 * 1024
	}

	var entries []EncryptedBlock
	for index, offset := 0, 0; offset < len(model); index, offset = index+1, offset+blockSize {
		end := offset + blockSize
		if end > len(model) {
			end = len(model)
		}

		block, err := EncryptBlock(modelID, index, model[offset:end], key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt block %d: %w", index, err)
		}
		if err := s.SavePayload(block.BlockID, block.Ciphertext); err != nil {
			return nil, err
		}

		entry := *block
		entry.Ciphertext = nil
		entries = append(entries, entry)
	}

	manifest := &Manifest{
		ModelID:     modelID,
		TotalBlocks: len(entries),
		Blocks:      entries,
	}
	if err := s.SaveManifest(manifest); err != nil {
		return nil, err
	}
	if err := s.SaveKey(modelID, key); err != nil {
		return nil, err
	}
	return manifest, nil
}
