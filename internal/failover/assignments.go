package failover

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Assignment is the authoritative mapping of which worker currently owns
// a model block. It is rewritten during redistribution.
type Assignment struct {
	BlockID        string    `json:"block_id"`
	NetworkID      string    `json:"network_id"`
	AssignedWorker string    `json:"assigned_worker"`
	Priority       int       `json:"priority"`
	LastUpdated    time.Time `json:"last_updated"`
}

// AssignmentSink persists assignment rewrites, e.g. to the control-plane
// database. Persistence failures are logged, not fatal: the in-memory
// table stays authoritative for the running process.
type AssignmentSink interface {
	SaveAssignment(ctx context.Context, a *Assignment) error
}

// AssignmentTable holds the block ownership map. Concurrent
// redistributions racing for the same block are resolved by
// last-writer-wins on LastUpdated.
type AssignmentTable struct {
	mu      sync.RWMutex
	entries map[string]*Assignment
	sink    AssignmentSink
}

// NewAssignmentTable creates an empty table. sink may be nil.
func NewAssignmentTable(sink AssignmentSink) *AssignmentTable {
	return &AssignmentTable{
		entries: make(map[string]*Assignment),
		sink:    sink,
	}
}

// Assign records block ownership with the given write timestamp. It
// returns false when a newer write already owns the block, which callers
// count as a resolved conflict.
func (t *AssignmentTable) Assign(ctx context.Context, blockID, networkID, worker string, priority int, at time.Time) bool {
	t.mu.Lock()
	existing, ok := t.entries[blockID]
	if ok && existing.LastUpdated.After(at) {
		t.mu.Unlock()
		return false
	}
	a := &Assignment{
		BlockID:        blockID,
		NetworkID:      networkID,
		AssignedWorker: worker,
		Priority:       priority,
		LastUpdated:    at,
	}
	t.entries[blockID] = a
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		if err := sink.SaveAssignment(ctx, a); err != nil {
			log.Warn().Err(err).Str("block_id", blockID).Msg("failed to persist block assignment")
		}
	}
	return true
}

// Load seeds the table from persisted assignments without writing them
// back to the sink. Entries already in memory win when newer, as in
// Assign.
func (t *AssignmentTable) Load(assignments []Assignment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range assignments {
		a := assignments[i]
		existing, ok := t.entries[a.BlockID]
		if ok && existing.LastUpdated.After(a.LastUpdated) {
			continue
		}
		t.entries[a.BlockID] = &a
	}
}

// Get returns the assignment for a block, or nil.
func (t *AssignmentTable) Get(blockID string) *Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.entries[blockID]
	if !ok {
		return nil
	}
	copied := *a
	return &copied
}

// BlocksForWorker returns the block IDs currently owned by a worker.
func (t *AssignmentTable) BlocksForWorker(workerID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, a := range t.entries {
		if a.AssignedWorker == workerID {
			out = append(out, a.BlockID)
		}
	}
	return out
}

// CountForWorker returns how many blocks a worker owns.
func (t *AssignmentTable) CountForWorker(workerID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, a := range t.entries {
		if a.AssignedWorker == workerID {
			count++
		}
	}
	return count
}
