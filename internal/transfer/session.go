package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/modelmesh/distributor/internal/blocks"
)

// BlockStatus is the per-block transfer state.
type BlockStatus string

const (
	BlockPending    BlockStatus = "pending"
	BlockInProgress BlockStatus = "in_progress"
	BlockCompleted  BlockStatus = "completed"
	BlockFailed     BlockStatus = "failed"
	BlockCancelled  BlockStatus = "cancelled"
)

// SessionStatus is the aggregate session state.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// BlockTransferInfo tracks the transfer of one block. It is mutated only
// by the engine goroutine handling that block.
type BlockTransferInfo struct {
	TransferID      string      `json:"transfer_id"`
	BlockID         string      `json:"block_id"`
	BlockIndex      int         `json:"block_index"`
	TotalSize       int64       `json:"total_size"`
	TransferredSize int64       `json:"transferred_size"`
	Status          BlockStatus `json:"status"`
	RetryCount      int         `json:"retry_count"`
	MaxRetries      int         `json:"max_retries"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

// ProgressPercentage returns how much of the block has been transferred.
func (b *BlockTransferInfo) ProgressPercentage() float64 {
	if b.TotalSize == 0 {
		return 0
	}
	return float64(b.TransferredSize) / float64(b.TotalSize) * 100
}

// IsComplete reports whether the block finished transferring.
func (b *BlockTransferInfo) IsComplete() bool {
	return b.Status == BlockCompleted
}

// CanRetry reports whether a failed block has retry budget left.
func (b *BlockTransferInfo) CanRetry() bool {
	return b.Status == BlockFailed && b.RetryCount < b.MaxRetries
}

// TransferSession aggregates the block transfers of one model moving from
// one admin node to one client node.
type TransferSession struct {
	SessionID       string                `json:"session_id"`
	AdminNodeID     string                `json:"admin_node_id"`
	ClientNodeID    string                `json:"client_node_id"`
	ModelID         string                `json:"model_id"`
	TotalBlocks     int                   `json:"total_blocks"`
	CompletedBlocks int                   `json:"completed_blocks"`
	TotalSize       int64                 `json:"total_size"`
	TransferredSize int64                 `json:"transferred_size"`
	Status          SessionStatus         `json:"status"`
	Key             *blocks.EncryptionKey `json:"encryption_key"`
	Blocks          []*BlockTransferInfo  `json:"blocks"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Block returns the transfer info for a block ID, or nil.
func (s *TransferSession) Block(blockID string) *BlockTransferInfo {
	for _, b := range s.Blocks {
		if b.BlockID == blockID {
			return b
		}
	}
	return nil
}

// recalculate refreshes the aggregate counters from the per-block state.
func (s *TransferSession) recalculate() {
	completed := 0
	var transferred int64
	for _, b := range s.Blocks {
		if b.IsComplete() {
			completed++
		}
		transferred += b.TransferredSize
	}
	s.CompletedBlocks = completed
	s.TransferredSize = transferred
}

// IsComplete reports whether every block completed.
func (s *TransferSession) IsComplete() bool {
	for _, b := range s.Blocks {
		if !b.IsComplete() {
			return false
		}
	}
	return len(s.Blocks) > 0
}

// Progress is a read-only snapshot of session progress.
type Progress struct {
	SessionID           string        `json:"session_id"`
	Status              SessionStatus `json:"status"`
	TotalBlocks         int           `json:"total_blocks"`
	CompletedBlocks     int           `json:"completed_blocks"`
	TotalSize           int64         `json:"total_size"`
	TransferredSize     int64         `json:"transferred_size"`
	ProgressPercentage  float64       `json:"progress_percentage"`
	EstimatedCompletion *time.Time    `json:"estimated_completion,omitempty"`
}

// SessionStore persists transfer sessions so transfers survive a restart
// and can be resumed.
type SessionStore interface {
	SaveSession(ctx context.Context, session *TransferSession) error
	GetSession(ctx context.Context, sessionID string) (*TransferSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]*TransferSession, error)
}

// MemorySessionStore is the in-process SessionStore used by tests and
// single-node deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*TransferSession
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*TransferSession)}
}

// SaveSession stores a session.
func (s *MemorySessionStore) SaveSession(_ context.Context, session *TransferSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return nil
}

// GetSession returns a session by ID.
func (s *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*TransferSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes a session.
func (s *MemorySessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// ListSessions returns all stored sessions.
func (s *MemorySessionStore) ListSessions(_ context.Context) ([]*TransferSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*TransferSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions, nil
}
