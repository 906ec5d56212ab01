package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/modelmesh/distributor/internal/blocks"
	"github.com/modelmesh/distributor/internal/store"
	"github.com/modelmesh/distributor/internal/transfer"
)

// KeyFunc resolves the transport key of a transfer session. The node
// fetches it from the admin's key endpoint on first use; chunk payloads
// on the wire are sealed with it.
type KeyFunc func(sessionID string) ([]byte, error)

// Receiver assembles incoming transfer chunks into encrypted block
// files on disk and records them in the node-local database. Chunks of
// a block arrive in order on a single stream; blocks of different
// transfers may interleave.
type Receiver struct {
	db       *store.NodeDB
	blockDir string
	keyFor   KeyFunc

	mu      sync.Mutex
	pending map[string]*pendingBlock
}

type pendingBlock struct {
	modelID    string
	blockIndex int
	totalSize  int64
	nextChunk  int
	data       []byte
}

// NewReceiver creates a chunk receiver writing under blockDir.
func NewReceiver(db *store.NodeDB, blockDir string, keyFor KeyFunc) *Receiver {
	return &Receiver{
		db:       db,
		blockDir: blockDir,
		keyFor:   keyFor,
		pending:  make(map[string]*pendingBlock),
	}
}

// HandleChunk implements transfer.ChunkHandler.
func (r *Receiver) HandleChunk(msg *transfer.ChunkMessage) *transfer.Ack {
	if err := r.acceptChunk(msg); err != nil {
		log.Warn().Err(err).Str("block_id", msg.BlockID).Int("chunk", msg.ChunkIndex).Msg("chunk rejected")
		return &transfer.Ack{Status: transfer.AckError, Error: err.Error()}
	}
	return &transfer.Ack{Status: transfer.AckSuccess}
}

func (r *Receiver) acceptChunk(msg *transfer.ChunkMessage) error {
	// Block files shard by the first four characters of the ID.
	if len(msg.BlockID) < 4 {
		return fmt.Errorf("invalid block id %q", msg.BlockID)
	}

	key, err := r.keyFor(msg.SessionID)
	if err != nil {
		return fmt.Errorf("no session key for session %s: %w", msg.SessionID, err)
	}

	plain, err := blocks.Open(msg.ChunkData, key)
	if err != nil {
		return fmt.Errorf("failed to unseal chunk: %w", err)
	}

	r.mu.Lock()
	pb, ok := r.pending[msg.BlockID]
	if !ok {
		pb = &pendingBlock{
			modelID:    msg.ModelID,
			blockIndex: msg.BlockIndex,
			totalSize:  msg.TotalSize,
			data:       make([]byte, 0, msg.TotalSize),
		}
		r.pending[msg.BlockID] = pb
	}
	if msg.ChunkIndex != pb.nextChunk {
		// A retried attempt restarts the block from chunk zero.
		if msg.ChunkIndex == 0 {
			pb.data = pb.data[:0]
			pb.nextChunk = 0
		} else {
			r.mu.Unlock()
			return fmt.Errorf("out of order chunk %d, expected %d", msg.ChunkIndex, pb.nextChunk)
		}
	}
	pb.data = append(pb.data, plain...)
	pb.nextChunk++
	final := msg.IsFinalChunk
	if final {
		delete(r.pending, msg.BlockID)
	}
	r.mu.Unlock()

	if !final {
		return nil
	}
	return r.storeBlock(msg.BlockID, pb)
}

func (r *Receiver) storeBlock(blockID string, pb *pendingBlock) error {
	if int64(len(pb.data)) != pb.totalSize {
		return fmt.Errorf("assembled block size %d does not match expected %d", len(pb.data), pb.totalSize)
	}

	dirPath := filepath.Join(r.blockDir, blockID[:2], blockID[2:4])
	filePath := filepath.Join(dirPath, blockID)

	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create block directory: %w", err)
	}
	if err := os.WriteFile(filePath, pb.data, 0644); err != nil {
		return fmt.Errorf("failed to write block to disk: %w", err)
	}

	sum := sha256.Sum256(pb.data)
	err := r.db.SaveBlock(&store.StoredBlock{
		BlockID:    blockID,
		ModelID:    pb.modelID,
		BlockIndex: pb.blockIndex,
		Checksum:   hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(pb.data)),
		FilePath:   filePath,
	})
	if err != nil {
		os.Remove(filePath)
		return err
	}

	log.Info().Str("block_id", blockID).Str("model_id", pb.modelID).Int("bytes", len(pb.data)).Msg("block stored")
	return nil
}

// VerifyStoredBlocks re-hashes every active block on disk against its
// recorded checksum and returns the IDs that no longer match.
func (r *Receiver) VerifyStoredBlocks() ([]string, error) {
	list, err := r.db.ListBlocks("")
	if err != nil {
		return nil, err
	}

	var corrupted []string
	for _, b := range list {
		data, err := os.ReadFile(b.FilePath)
		if err != nil {
			corrupted = append(corrupted, b.BlockID)
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != b.Checksum {
			corrupted = append(corrupted, b.BlockID)
		}
	}
	return corrupted, nil
}

// FileKeyStore caches session transport keys as raw key files in a
// directory, one file per session ID.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates a key store rooted at dir.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

// KeyFor reads the raw 32-byte key for a session.
func (s *FileKeyStore) KeyFor(sessionID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, sessionID+".key"))
	if err != nil {
		return nil, fmt.Errorf("session key not found: %w", err)
	}
	if len(data) != blocks.KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(data))
	}
	return data, nil
}

// Put writes the raw key for a session.
func (s *FileKeyStore) Put(sessionID string, key []byte) error {
	if len(key) != blocks.KeySize {
		return fmt.Errorf("invalid key length %d", len(key))
	}
	return os.WriteFile(filepath.Join(s.dir, sessionID+".key"), key, 0600)
}
