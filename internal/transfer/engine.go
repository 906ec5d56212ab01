package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelmesh/distributor/internal/blocks"
	"github.com/modelmesh/distributor/internal/license"
)

const (
	// MaxConcurrentTransfers bounds how many blocks of a session move at
	// once.
	MaxConcurrentTransfers = 3
	// DefaultMaxRetries is the per-block retry budget for transient
	// failures.
	DefaultMaxRetries = 3
	// DefaultChunkSize is the transport chunk size.
	DefaultChunkSize = 256 * 1024
)

// BlockSource provides block metadata, payloads and at-rest keys to the
// engine. The admin-side blocks.Store satisfies it.
type BlockSource interface {
	LoadManifest(modelID string) (*blocks.Manifest, error)
	LoadPayload(blockID string) ([]byte, error)
	LoadKey(modelID string) (*blocks.EncryptionKey, error)
}

// ProgressFunc is invoked after each block completes with the session's
// overall percentage.
type ProgressFunc func(sessionID string, percentage float64)

// Config tunes the engine. Zero values fall back to defaults; tests
// shrink the backoff and timeout.
type Config struct {
	MaxRetries     int
	ChunkSize      int
	BackoffBase    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 30 * time.Second
	}
}

// Engine moves encrypted model blocks from this node to client nodes with
// integrity checks, bounded concurrency, retry with exponential backoff
// and crash-resumable session state.
type Engine struct {
	cfg       Config
	source    BlockSource
	transport Transport
	sessions  SessionStore
	gate      license.Gate

	mu        sync.Mutex
	cancelled map[string]bool
	paused    map[string]bool
	progress  []ProgressFunc
}

// NewEngine creates a transfer engine. All collaborators are injected;
// the engine owns no global state.
func NewEngine(cfg Config, source BlockSource, transport Transport, sessions SessionStore, gate license.Gate) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:       cfg,
		source:    source,
		transport: transport,
		sessions:  sessions,
		gate:      gate,
		cancelled: make(map[string]bool),
		paused:    make(map[string]bool),
	}
}

// OnProgress registers a progress callback. Callback panics are isolated
// so a bad subscriber cannot abort a transfer.
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = append(e.progress, fn)
}

// StartSession validates the block set, generates a session-scoped
// transport key and registers a new pending session. The transport key is
// independent from the at-rest key: a compromised transport key never
// exposes stored ciphertext.
func (e *Engine) StartSession(ctx context.Context, adminNodeID, clientNodeID, modelID string, blockSet []blocks.EncryptedBlock) (string, error) {
	if len(blockSet) == 0 {
		return "", fmt.Errorf("%w: no blocks to transfer", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(blockSet))
	for _, b := range blockSet {
		if b.BlockID == "" {
			return "", fmt.Errorf("%w: block with empty id", ErrInvalidInput)
		}
		if seen[b.BlockID] {
			return "", fmt.Errorf("%w: duplicate block id %s", ErrInvalidInput, b.BlockID)
		}
		seen[b.BlockID] = true
	}
	if e.gate != nil && !license.ModelAllowed(e.gate, modelID) {
		return "", license.ErrDenied
	}

	key, err := blocks.NewEncryptionKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}

	session := &TransferSession{
		SessionID:    uuid.New().String(),
		AdminNodeID:  adminNodeID,
		ClientNodeID: clientNodeID,
		ModelID:      modelID,
		TotalBlocks:  len(blockSet),
		Status:       SessionPending,
		Key:          key,
		StartedAt:    time.Now(),
	}
	for _, b := range blockSet {
		session.TotalSize += b.EncryptedSize
		session.Blocks = append(session.Blocks, &BlockTransferInfo{
			TransferID: uuid.New().String(),
			BlockID:    b.BlockID,
			BlockIndex: b.BlockIndex,
			TotalSize:  b.EncryptedSize,
			Status:     BlockPending,
			MaxRetries: e.cfg.MaxRetries,
		})
	}

	if err := e.sessions.SaveSession(ctx, session); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}

	log.Info().
		Str("session_id", session.SessionID).
		Str("model_id", modelID).
		Str("client_node_id", clientNodeID).
		Int("blocks", len(blockSet)).
		Msg("transfer session started")

	return session.SessionID, nil
}

// TransferBlocks runs the session's eligible blocks through the transport
// with at most MaxConcurrentTransfers in flight. It returns true iff
// every block reaches completed; otherwise the session status carries the
// detail and false is returned without an error.
func (e *Engine) TransferBlocks(ctx context.Context, sessionID string) bool {
	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		log.Warn().Str("session_id", sessionID).Msg("transfer requested for unknown session")
		return false
	}

	manifest, err := e.source.LoadManifest(session.ModelID)
	if err != nil {
		e.finishSession(ctx, session, SessionFailed)
		log.Error().Err(err).Str("session_id", sessionID).Msg("manifest unavailable")
		return false
	}
	atRestKey, err := e.source.LoadKey(session.ModelID)
	if err != nil {
		e.finishSession(ctx, session, SessionFailed)
		log.Error().Err(err).Str("session_id", sessionID).Msg("at-rest key unavailable")
		return false
	}
	meta := make(map[string]*blocks.EncryptedBlock, len(manifest.Blocks))
	for i := range manifest.Blocks {
		meta[manifest.Blocks[i].BlockID] = &manifest.Blocks[i]
	}

	e.mu.Lock()
	delete(e.cancelled, sessionID)
	delete(e.paused, sessionID)
	session.Status = SessionInProgress
	e.mu.Unlock()
	e.saveSession(ctx, session)

	sem := make(chan struct{}, MaxConcurrentTransfers)
	var wg sync.WaitGroup
	for _, info := range session.Blocks {
		if !e.blockEligible(info) {
			continue
		}
		block, ok := meta[info.BlockID]
		if !ok {
			info.Status = BlockFailed
			info.ErrorMessage = "block missing from manifest"
			continue
		}

		wg.Add(1)
		go func(info *BlockTransferInfo, block *blocks.EncryptedBlock) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e.transferBlockWithRetry(ctx, session, info, block, atRestKey)
		}(info, block)
	}
	wg.Wait()

	e.mu.Lock()
	session.recalculate()
	cancelled := e.cancelled[sessionID]
	paused := e.paused[sessionID]
	switch {
	case cancelled:
		session.Status = SessionCancelled
	case session.IsComplete():
		session.Status = SessionCompleted
		now := time.Now()
		session.CompletedAt = &now
	case paused:
		// left paused for a later resume
		session.Status = SessionPaused
	default:
		session.Status = SessionFailed
	}
	status := session.Status
	e.mu.Unlock()
	e.saveSession(ctx, session)

	log.Info().
		Str("session_id", sessionID).
		Str("status", string(status)).
		Int("completed_blocks", session.CompletedBlocks).
		Int("total_blocks", session.TotalBlocks).
		Msg("transfer finished")

	return status == SessionCompleted
}

func (e *Engine) blockEligible(info *BlockTransferInfo) bool {
	switch info.Status {
	case BlockPending:
		return true
	case BlockInProgress:
		// leftover from an interrupted run
		return true
	case BlockFailed:
		return info.RetryCount < info.MaxRetries
	default:
		return false
	}
}

// transferBlockWithRetry attempts one block up to MaxRetries+1 times with
// exponential backoff between attempts. Integrity failures terminate the
// block immediately; only transport failures are retried.
func (e *Engine) transferBlockWithRetry(ctx context.Context, session *TransferSession, info *BlockTransferInfo, block *blocks.EncryptedBlock, atRestKey *blocks.EncryptionKey) {
	for attempt := 0; attempt <= info.MaxRetries; attempt++ {
		if e.isCancelled(session.SessionID) {
			e.setBlockStatus(info, BlockCancelled, "")
			return
		}
		if e.isPaused(session.SessionID) {
			// left as-is for a later resume
			return
		}

		e.setBlockStatus(info, BlockInProgress, "")
		err := e.transferSingleBlock(ctx, session, info, block, atRestKey)
		if err == nil {
			e.mu.Lock()
			info.TransferredSize = info.TotalSize
			info.Status = BlockCompleted
			info.ErrorMessage = ""
			session.recalculate()
			pct := float64(session.CompletedBlocks) / float64(session.TotalBlocks) * 100
			e.mu.Unlock()
			e.notifyProgress(session.SessionID, pct)
			return
		}

		if errors.Is(err, ErrIntegrity) {
			e.setBlockStatus(info, BlockFailed, "integrity verification failed")
			log.Error().
				Str("session_id", session.SessionID).
				Str("block_id", info.BlockID).
				Msg("block failed integrity verification, not retrying")
			return
		}

		if attempt < info.MaxRetries {
			e.mu.Lock()
			info.RetryCount = attempt + 1
			info.Status = BlockFailed
			info.ErrorMessage = err.Error()
			e.mu.Unlock()
			log.Warn().
				Err(err).
				Str("block_id", info.BlockID).
				Int("attempt", attempt+1).
				Msg("block transfer failed, backing off")
			if !e.sleepBackoff(ctx, attempt) {
				return
			}
			continue
		}

		e.setBlockStatus(info, BlockFailed, err.Error())
		log.Error().
			Err(err).
			Str("session_id", session.SessionID).
			Str("block_id", info.BlockID).
			Int("retries", info.RetryCount).
			Msg("block transfer exhausted retries")
		return
	}
}

// sleepBackoff waits 2^attempt * base, capped at MaxBackoff. It returns
// false if the context was cancelled while waiting.
func (e *Engine) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := e.cfg.BackoffBase << uint(attempt)
	if delay > e.cfg.MaxBackoff {
		delay = e.cfg.MaxBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// transferSingleBlock loads the block payload, verifies integrity before
// sending, seals each transport chunk with the session key and streams
// the chunks to the destination, waiting for the peer acknowledgment.
func (e *Engine) transferSingleBlock(ctx context.Context, session *TransferSession, info *BlockTransferInfo, block *blocks.EncryptedBlock, atRestKey *blocks.EncryptionKey) error {
	payload, err := e.source.LoadPayload(info.BlockID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if !VerifyBlockIntegrity(block, payload, atRestKey) {
		return ErrIntegrity
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	var sent int64
	for chunkIndex, offset := 0, 0; offset < len(payload); chunkIndex, offset = chunkIndex+1, offset+e.cfg.ChunkSize {
		if e.isCancelled(session.SessionID) {
			return fmt.Errorf("%w: session cancelled", ErrTransport)
		}

		end := offset + e.cfg.ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		sealed, err := blocks.Seal(payload[offset:end], session.Key.Key)
		if err != nil {
			return fmt.Errorf("failed to seal chunk: %w", err)
		}

		msg := &ChunkMessage{
			SessionID:    session.SessionID,
			TransferID:   info.TransferID,
			ModelID:      session.ModelID,
			BlockID:      info.BlockID,
			BlockIndex:   info.BlockIndex,
			TotalSize:    info.TotalSize,
			ChunkIndex:   chunkIndex,
			ChunkData:    sealed,
			IsFinalChunk: end == len(payload),
		}
		ack, err := e.transport.SendChunk(attemptCtx, session.ClientNodeID, msg)
		if err != nil {
			if errors.Is(err, ErrTransport) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if ack.Status != AckSuccess {
			return fmt.Errorf("%w: peer rejected chunk: %s", ErrTransport, ack.Error)
		}

		sent += int64(end - offset)
		e.mu.Lock()
		info.TransferredSize = sent
		e.mu.Unlock()
	}
	return nil
}

// VerifyBlockIntegrity decrypts the stored payload with the at-rest key
// and checks the plaintext against the block's checksum. This is the
// single integrity gate both before send and after receive.
func VerifyBlockIntegrity(block *blocks.EncryptedBlock, payload []byte, key *blocks.EncryptionKey) bool {
	b := *block
	b.Ciphertext = payload
	if _, err := blocks.DecryptBlock(&b, key); err != nil {
		return false
	}
	return true
}

// PauseTransfer marks an in-progress session paused. In-flight block
// attempts finish their current chunk; remaining blocks stay pending for
// a later resume. The pause flag lives in engine state, not only in the
// persisted session: a running TransferBlocks may hold a deserialized
// copy and would never see a mutation of the stored record.
func (e *Engine) PauseTransfer(ctx context.Context, sessionID string) bool {
	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	if session.Status != SessionInProgress && session.Status != SessionPending {
		e.mu.Unlock()
		return false
	}
	e.paused[sessionID] = true
	session.Status = SessionPaused
	e.mu.Unlock()
	e.saveSession(ctx, session)
	return true
}

// ResumeTransfer re-runs an interrupted session. Completed blocks are
// untouched; pending and retryable failed blocks are attempted again.
func (e *Engine) ResumeTransfer(ctx context.Context, sessionID string) bool {
	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	switch session.Status {
	case SessionCompleted, SessionCancelled:
		e.mu.Unlock()
		return false
	default:
	}
	delete(e.cancelled, sessionID)
	e.mu.Unlock()
	return e.TransferBlocks(ctx, sessionID)
}

// CancelTransfer transitions the session and every non-terminal block to
// cancelled. Idempotent; returns false for unknown sessions. In-flight
// attempts observe the cancellation at their next checkpoint.
func (e *Engine) CancelTransfer(ctx context.Context, sessionID string) bool {
	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}

	e.mu.Lock()
	e.cancelled[sessionID] = true
	for _, b := range session.Blocks {
		switch b.Status {
		case BlockCompleted, BlockFailed:
		default:
			b.Status = BlockCancelled
		}
	}
	session.Status = SessionCancelled
	e.mu.Unlock()
	e.saveSession(ctx, session)

	log.Info().Str("session_id", sessionID).Msg("transfer cancelled")
	return true
}

// GetProgress returns a snapshot of session progress, or nil for unknown
// sessions. The completion estimate extrapolates the observed rate.
func (e *Engine) GetProgress(ctx context.Context, sessionID string) *Progress {
	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	session.recalculate()

	p := &Progress{
		SessionID:       session.SessionID,
		Status:          session.Status,
		TotalBlocks:     session.TotalBlocks,
		CompletedBlocks: session.CompletedBlocks,
		TotalSize:       session.TotalSize,
		TransferredSize: session.TransferredSize,
	}
	if session.TotalSize > 0 {
		p.ProgressPercentage = float64(session.TransferredSize) / float64(session.TotalSize) * 100
	}
	if session.Status == SessionInProgress && session.TransferredSize > 0 && session.TransferredSize < session.TotalSize {
		elapsed := time.Since(session.StartedAt)
		remaining := time.Duration(float64(elapsed) * float64(session.TotalSize-session.TransferredSize) / float64(session.TransferredSize))
		eta := time.Now().Add(remaining)
		p.EstimatedCompletion = &eta
	}
	return p
}

// SessionKey returns the destination node and transport key of a
// session. The admin serves it only to the node the session targets,
// which needs the key to unseal chunks.
func (e *Engine) SessionKey(ctx context.Context, sessionID string) (string, []byte, error) {
	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	if session.Key == nil || len(session.Key.Key) == 0 {
		return "", nil, fmt.Errorf("session %s has no transport key", sessionID)
	}
	return session.ClientNodeID, session.Key.Key, nil
}

func (e *Engine) isCancelled(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[sessionID]
}

func (e *Engine) isPaused(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused[sessionID]
}

func (e *Engine) setBlockStatus(info *BlockTransferInfo, status BlockStatus, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info.Status = status
	if message != "" {
		info.ErrorMessage = message
	}
}

// finishSession moves a session to a terminal status and persists it.
func (e *Engine) finishSession(ctx context.Context, session *TransferSession, status SessionStatus) {
	e.mu.Lock()
	session.Status = status
	if status == SessionCompleted {
		now := time.Now()
		session.CompletedAt = &now
	}
	e.mu.Unlock()
	e.saveSession(ctx, session)
}

func (e *Engine) saveSession(ctx context.Context, session *TransferSession) {
	if err := e.sessions.SaveSession(ctx, session); err != nil {
		log.Error().Err(err).Str("session_id", session.SessionID).Msg("failed to persist session")
	}
}

func (e *Engine) notifyProgress(sessionID string, pct float64) {
	e.mu.Lock()
	callbacks := make([]ProgressFunc, len(e.progress))
	copy(callbacks, e.progress)
	e.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Interface("panic", r).Msg("progress callback panicked")
				}
			}()
			fn(sessionID, pct)
		}()
	}
}
