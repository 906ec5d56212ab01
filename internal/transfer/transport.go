package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for the taxonomy callers branch on with errors.Is.
var (
	// ErrInvalidInput marks malformed requests, rejected synchronously
	// and never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSessionNotFound marks lookups of unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrIntegrity marks checksum mismatches. Integrity failures are
	// terminal: retrying a corrupt source block wastes bandwidth.
	ErrIntegrity = errors.New("integrity verification failed")
	// ErrTransport marks transient I/O failures, retried with backoff.
	ErrTransport = errors.New("transport error")
)

// ChunkMessage is the JSON envelope carrying one transport chunk of a
// block. ChunkData is base64-encoded nonce||ciphertext||tag (base64 is
// applied by the JSON encoder for []byte). SessionID names the session
// whose transport key seals the chunk; receivers resolve keys by it.
type ChunkMessage struct {
	SessionID    string `json:"session_id"`
	TransferID   string `json:"transfer_id"`
	ModelID      string `json:"model_id"`
	BlockID      string `json:"block_id"`
	BlockIndex   int    `json:"block_index"`
	TotalSize    int64  `json:"total_size"`
	ChunkIndex   int    `json:"chunk_index"`
	ChunkData    []byte `json:"chunk_data"`
	IsFinalChunk bool   `json:"is_final_chunk"`
}

// Ack is the peer's response to a chunk message.
type Ack struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	AckSuccess = "success"
	AckError   = "error"
)

// Transport moves chunk messages to a destination node. Implementations
// exist for libp2p streams and WebSocket connections; tests use the
// loopback transport.
type Transport interface {
	// SendChunk delivers one chunk to the destination and waits for the
	// peer acknowledgment, bounded by the context deadline.
	SendChunk(ctx context.Context, destNodeID string, msg *ChunkMessage) (*Ack, error)
}

// ChunkHandler consumes chunk messages on the receiving side and returns
// the acknowledgment to send back.
type ChunkHandler func(msg *ChunkMessage) *Ack

// LoopbackTransport delivers chunks to an in-process handler. Tests use
// the Fail hook to inject transport failures.
type LoopbackTransport struct {
	mu      sync.Mutex
	handler ChunkHandler

	// Fail, when set, is consulted before delivery; a non-nil return is
	// surfaced as a transport error for that chunk.
	Fail func(destNodeID string, msg *ChunkMessage) error

	sent int
}

// NewLoopbackTransport creates a loopback transport delivering to handler.
func NewLoopbackTransport(handler ChunkHandler) *LoopbackTransport {
	return &LoopbackTransport{handler: handler}
}

// SendChunk delivers the chunk in-process.
func (t *LoopbackTransport) SendChunk(ctx context.Context, destNodeID string, msg *ChunkMessage) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	t.mu.Lock()
	t.sent++
	fail := t.Fail
	handler := t.handler
	t.mu.Unlock()

	if fail != nil {
		if err := fail(destNodeID, msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	if handler == nil {
		return &Ack{Status: AckSuccess}, nil
	}
	return handler(msg), nil
}

// SentCount returns how many chunks were offered for delivery, including
// failed ones.
func (t *LoopbackTransport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}
