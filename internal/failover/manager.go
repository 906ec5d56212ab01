package failover

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelmesh/distributor/internal/alloc"
	"github.com/modelmesh/distributor/internal/health"
	"github.com/modelmesh/distributor/internal/license"
)

// DegradationLevel is the system-wide advisory severity consulted by the
// serving layer to shed load. Levels are strictly ordered by severity.
type DegradationLevel int

const (
	DegradationNone DegradationLevel = iota
	DegradationReducedQuality
	DegradationReducedCapacity
	DegradationEssentialOnly
	DegradationMaintenanceMode
)

func (l DegradationLevel) String() string {
	switch l {
	case DegradationReducedQuality:
		return "reduced_quality"
	case DegradationReducedCapacity:
		return "reduced_capacity"
	case DegradationEssentialOnly:
		return "essential_only"
	case DegradationMaintenanceMode:
		return "maintenance_mode"
	default:
		return "none"
	}
}

// DegradationRecord is one entry of the degradation history.
type DegradationRecord struct {
	Timestamp time.Time        `json:"timestamp"`
	Level     DegradationLevel `json:"level"`
	Reason    string           `json:"reason"`
}

// Strategy classifies how a failover was executed, recorded per event
// for audit and tuning.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategyGraceful  Strategy = "graceful"
	StrategyScheduled Strategy = "scheduled"
)

// Event is one audited failover action.
type Event struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	SourceID        string    `json:"source_id"`
	TargetID        string    `json:"target_id,omitempty"`
	Strategy        Strategy  `json:"strategy"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// BackupWorkerStatus is the lifecycle state of a standby worker.
type BackupWorkerStatus string

const (
	BackupStandby    BackupWorkerStatus = "standby"
	BackupActivating BackupWorkerStatus = "activating"
	BackupActive     BackupWorkerStatus = "active"
	BackupFailed     BackupWorkerStatus = "failed"
)

// BackupWorker is a registered standby able to take over a failed
// worker's blocks.
type BackupWorker struct {
	WorkerID    string             `json:"worker_id"`
	NetworkID   string             `json:"network_id"`
	Host        string             `json:"host"`
	Port        int                `json:"port"`
	ModelBlocks []string           `json:"model_blocks,omitempty"`
	Priority    int                `json:"priority"`
	Status      BackupWorkerStatus `json:"status"`
	ActivatedAt *time.Time         `json:"activated_at,omitempty"`
	Quota       alloc.Quota        `json:"quota"`

	allocationID string
}

// WorkloadTransfer records one source-to-target block handoff.
type WorkloadTransfer struct {
	SourceWorker string     `json:"source_worker"`
	TargetWorker string     `json:"target_worker"`
	Blocks       []string   `json:"blocks"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Success      bool       `json:"success"`
}

// Redistribution records one block redistribution run.
type Redistribution struct {
	FailedWorker      string              `json:"failed_worker"`
	NetworkID         string              `json:"network_id"`
	AffectedBlocks    []string            `json:"affected_blocks"`
	Plan              map[string][]string `json:"plan"`
	ConflictsResolved int                 `json:"conflicts_resolved"`
	Success           bool                `json:"success"`
	Timestamp         time.Time           `json:"timestamp"`
}

// BlockMover executes block ownership moves. The transfer engine
// fulfills it in production; tests substitute a fake.
type BlockMover interface {
	MoveBlocks(ctx context.Context, targetWorkerID, networkID string, blockIDs []string) bool
}

// EventSink persists failover events, e.g. to the control-plane
// database. Persistence failures are logged, not fatal: the in-memory
// history stays authoritative for the running process.
type EventSink interface {
	SaveFailoverEvent(ctx context.Context, e *Event) error
}

// Manager reacts to health failures by activating standby capacity and
// redistributing block ownership, degrading gracefully when full
// recovery is not possible. It depends on the monitor one-directionally:
// the monitor knows nothing about failover.
type Manager struct {
	gate      license.Gate
	allocator *alloc.Allocator
	monitor   *health.Monitor
	mover     BlockMover
	clock     clock.Clock

	mu              sync.Mutex
	eventSink       EventSink
	backups         map[string][]*BackupWorker
	assignments     *AssignmentTable
	degradation     DegradationLevel
	history         []DegradationRecord
	events          []*Event
	transfers       []*WorkloadTransfer
	redistributions []*Redistribution
}

// NewManager creates a failover manager and subscribes it to the
// monitor's failure feed.
func NewManager(gate license.Gate, allocator *alloc.Allocator, monitor *health.Monitor, mover BlockMover, assignments *AssignmentTable, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if assignments == nil {
		assignments = NewAssignmentTable(nil)
	}
	m := &Manager{
		gate:        gate,
		allocator:   allocator,
		monitor:     monitor,
		mover:       mover,
		clock:       clk,
		backups:     make(map[string][]*BackupWorker),
		assignments: assignments,
	}
	monitor.OnFailure(func(id, message string) {
		m.handleFailure(id, message)
	})
	return m
}

// Assignments returns the block ownership table.
func (m *Manager) Assignments() *AssignmentTable {
	return m.assignments
}

// SetEventSink installs a persistence sink for failover events.
func (m *Manager) SetEventSink(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSink = sink
}

// handleFailure is the monitor callback: activate a backup for the
// failed worker and redistribute its blocks, degrading if neither is
// possible.
func (m *Manager) handleFailure(id, message string) {
	info := m.monitor.GetHealth(id)
	if info == nil || info.Kind != health.KindWorker {
		return
	}

	log.Warn().Str("worker_id", id).Str("reason", message).Msg("worker failure detected")

	ctx := context.Background()
	backup := m.ActivateBackupWorker(ctx, id)
	redistributed := m.RedistributeBlocks(ctx, id, info.NetworkID)

	if backup == nil && !redistributed {
		m.GracefulDegradation(DegradationReducedCapacity, "no replacement capacity for worker "+id)
	}
}

// RegisterBackupWorker adds a standby worker for a network.
func (m *Manager) RegisterBackupWorker(bw *BackupWorker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bw.Status == "" {
		bw.Status = BackupStandby
	}
	m.backups[bw.NetworkID] = append(m.backups[bw.NetworkID], bw)
}

// ActivateBackupWorker promotes the highest-priority standby of the
// failed worker's network, subject to license and capacity. Returns nil
// when no eligible backup exists or activation was denied.
func (m *Manager) ActivateBackupWorker(ctx context.Context, failedWorkerID string) *BackupWorker {
	started := m.clock.Now()

	info := m.monitor.GetHealth(failedWorkerID)
	if info == nil {
		return nil
	}

	if !m.gate.IsValid() {
		log.Warn().Str("worker_id", failedWorkerID).Msg("backup activation denied by license")
		m.recordEvent("backup_activation", failedWorkerID, "", StrategyImmediate, false, started)
		return nil
	}

	m.mu.Lock()
	candidates := make([]*BackupWorker, 0)
	for _, bw := range m.backups[info.NetworkID] {
		if bw.Status == BackupStandby {
			candidates = append(candidates, bw)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	m.mu.Unlock()

	for _, bw := range candidates {
		allocationID, err := m.allocator.TryAllocateNow(bw.NetworkID, bw.Quota, alloc.PriorityCritical)
		if err != nil {
			log.Warn().Err(err).Str("backup_worker", bw.WorkerID).Msg("backup activation blocked")
			continue
		}

		m.mu.Lock()
		bw.Status = BackupActivating
		bw.allocationID = allocationID
		m.mu.Unlock()

		m.monitor.TrackWorker(bw.WorkerID, bw.NetworkID, nil)

		m.mu.Lock()
		bw.Status = BackupActive
		now := m.clock.Now()
		bw.ActivatedAt = &now
		m.mu.Unlock()

		m.recordEvent("backup_activation", failedWorkerID, bw.WorkerID, StrategyImmediate, true, started)
		log.Info().
			Str("failed_worker", failedWorkerID).
			Str("backup_worker", bw.WorkerID).
			Msg("backup worker activated")
		return bw
	}

	m.recordEvent("backup_activation", failedWorkerID, "", StrategyImmediate, false, started)
	return nil
}

// DeactivateBackupWorker returns an active backup to standby after the
// original worker recovers, releasing its allocation.
func (m *Manager) DeactivateBackupWorker(workerID string) bool {
	m.mu.Lock()
	var target *BackupWorker
	for _, list := range m.backups {
		for _, bw := range list {
			if bw.WorkerID == workerID && bw.Status == BackupActive {
				target = bw
			}
		}
	}
	if target == nil {
		m.mu.Unlock()
		return false
	}
	allocationID := target.allocationID
	target.Status = BackupStandby
	target.ActivatedAt = nil
	target.allocationID = ""
	m.mu.Unlock()

	if allocationID != "" {
		m.allocator.ReleaseResources(allocationID)
	}
	m.monitor.Untrack(workerID)
	return true
}

// TransferWorkload hands the given blocks from one worker to another via
// the transfer engine and records the outcome.
func (m *Manager) TransferWorkload(ctx context.Context, sourceWorker, targetWorker, networkID string, blockIDs []string) bool {
	record := &WorkloadTransfer{
		SourceWorker: sourceWorker,
		TargetWorker: targetWorker,
		Blocks:       append([]string(nil), blockIDs...),
		StartedAt:    m.clock.Now(),
	}

	success := m.mover.MoveBlocks(ctx, targetWorker, networkID, blockIDs)
	now := m.clock.Now()
	record.CompletedAt = &now
	record.Success = success

	m.mu.Lock()
	m.transfers = append(m.transfers, record)
	m.mu.Unlock()

	m.recordEvent("workload_transfer", sourceWorker, targetWorker, StrategyGraceful, success, record.StartedAt)
	return success
}

// GetAvailableWorkers returns the healthy or degraded-but-alive workers
// of a network, excluding one.
func (m *Manager) GetAvailableWorkers(networkID, excludeWorker string) []*health.Info {
	var out []*health.Info
	for _, info := range m.monitor.WorkersForNetwork(networkID, excludeWorker) {
		if info.Status == health.StatusCritical {
			continue
		}
		out = append(out, info)
	}
	return out
}

// RedistributeBlocks reassigns a failed worker's blocks across the
// remaining healthy workers of its network. Completed moves are kept
// even when a later step fails: partial redistribution beats leaving
// every affected block unserved.
func (m *Manager) RedistributeBlocks(ctx context.Context, failedWorkerID, networkID string) bool {
	started := m.clock.Now()

	info := m.monitor.GetHealth(failedWorkerID)
	if info == nil {
		return false
	}
	affected := append([]string(nil), info.ModelBlocks...)
	if owned := m.assignments.BlocksForWorker(failedWorkerID); len(owned) > 0 {
		affected = mergeBlockIDs(affected, owned)
	}
	if len(affected) == 0 {
		return false
	}

	if !m.gate.IsValid() {
		m.recordEvent("block_redistribution", failedWorkerID, "", StrategyImmediate, false, started)
		return false
	}

	candidates := m.GetAvailableWorkers(networkID, failedWorkerID)
	if len(candidates) == 0 {
		log.Warn().Str("network_id", networkID).Msg("no candidates for redistribution")
		m.recordEvent("block_redistribution", failedWorkerID, "", StrategyImmediate, false, started)
		return false
	}

	plan := m.buildPlan(affected, candidates)

	conflicts := 0
	now := m.clock.Now()
	success := true
	for workerID, blockIDs := range plan {
		moved := m.mover.MoveBlocks(ctx, workerID, networkID, blockIDs)
		if !moved {
			success = false
			continue
		}
		for _, blockID := range blockIDs {
			if !m.assignments.Assign(ctx, blockID, networkID, workerID, 0, now) {
				conflicts++
			}
		}
	}

	m.mu.Lock()
	m.redistributions = append(m.redistributions, &Redistribution{
		FailedWorker:      failedWorkerID,
		NetworkID:         networkID,
		AffectedBlocks:    affected,
		Plan:              plan,
		ConflictsResolved: conflicts,
		Success:           success,
		Timestamp:         started,
	})
	m.mu.Unlock()

	m.recordEvent("block_redistribution", failedWorkerID, "", StrategyImmediate, success, started)

	log.Info().
		Str("failed_worker", failedWorkerID).
		Int("blocks", len(affected)).
		Int("targets", len(plan)).
		Bool("success", success).
		Msg("block redistribution finished")
	return success
}

// buildPlan spreads the affected blocks across candidates greedily,
// weighted by each candidate's current load plus the blocks already
// planned for it, so orphaned blocks do not pile onto one worker.
func (m *Manager) buildPlan(blockIDs []string, candidates []*health.Info) map[string][]string {
	plan := make(map[string][]string, len(candidates))
	planned := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		planned[c.ID] = c.CurrentLoad + float64(m.assignments.CountForWorker(c.ID))
	}

	for _, blockID := range blockIDs {
		best := candidates[0].ID
		for _, c := range candidates[1:] {
			if planned[c.ID] < planned[best] {
				best = c.ID
			}
		}
		plan[best] = append(plan[best], blockID)
		planned[best]++
	}
	return plan
}

// GracefulDegradation sets the advisory degradation level. Both
// recovery (lower severity) and further degradation are allowed; callers
// choose the level directly.
func (m *Manager) GracefulDegradation(level DegradationLevel, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level == m.degradation {
		return
	}
	m.degradation = level
	m.history = append(m.history, DegradationRecord{
		Timestamp: m.clock.Now(),
		Level:     level,
		Reason:    reason,
	})
	log.Warn().Str("level", level.String()).Str("reason", reason).Msg("degradation level changed")
}

// DegradationLevelNow returns the current advisory level.
func (m *Manager) DegradationLevelNow() DegradationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degradation
}

// DegradationHistory returns the recorded transitions in order.
func (m *Manager) DegradationHistory() []DegradationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DegradationRecord(nil), m.history...)
}

// Events returns the recorded failover events in order.
func (m *Manager) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.events))
	for i, e := range m.events {
		copied := *e
		out[i] = &copied
	}
	return out
}

// BackupWorkers returns snapshots of every registered backup worker.
func (m *Manager) BackupWorkers() []*BackupWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BackupWorker
	for _, list := range m.backups {
		for _, bw := range list {
			copied := *bw
			out = append(out, &copied)
		}
	}
	return out
}

// Redistributions returns the recorded redistribution runs.
func (m *Manager) Redistributions() []*Redistribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Redistribution(nil), m.redistributions...)
}

func (m *Manager) recordEvent(eventType, sourceID, targetID string, strategy Strategy, success bool, started time.Time) {
	e := &Event{
		EventID:         uuid.New().String(),
		EventType:       eventType,
		SourceID:        sourceID,
		TargetID:        targetID,
		Strategy:        strategy,
		Success:         success,
		DurationSeconds: m.clock.Now().Sub(started).Seconds(),
		Timestamp:       started,
	}

	m.mu.Lock()
	m.events = append(m.events, e)
	sink := m.eventSink
	m.mu.Unlock()

	if sink != nil {
		copied := *e
		if err := sink.SaveFailoverEvent(context.Background(), &copied); err != nil {
			log.Warn().Err(err).Str("event_type", eventType).Msg("failed to persist failover event")
		}
	}
}

func mergeBlockIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(a, b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
