package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmesh/distributor/internal/alloc"
	"github.com/modelmesh/distributor/internal/health"
	"github.com/modelmesh/distributor/internal/license"
)

type fakeMover struct {
	mu    sync.Mutex
	moves map[string][]string
	fail  bool
}

func newFakeMover() *fakeMover {
	return &fakeMover{moves: make(map[string][]string)}
}

func (m *fakeMover) MoveBlocks(_ context.Context, targetWorkerID, networkID string, blockIDs []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false
	}
	m.moves[targetWorkerID] = append(m.moves[targetWorkerID], blockIDs...)
	return true
}

func (m *fakeMover) movedTo(workerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.moves[workerID]...)
}

type testRig struct {
	gate      license.Gate
	allocator *alloc.Allocator
	monitor   *health.Monitor
	mover     *fakeMover
	manager   *Manager
	clock     *clock.Mock
}

func newRig(t *testing.T, gate license.Gate) *testRig {
	t.Helper()
	mock := clock.NewMock()
	allocator := alloc.New(alloc.Config{}, alloc.Quota{
		CPUCores:          8,
		MemoryGB:          32,
		WorkerSlots:       10,
		ClientConnections: 20,
	}, gate, mock)
	monitor := health.NewMonitor(health.Config{}, mock)
	mover := newFakeMover()
	manager := NewManager(gate, allocator, monitor, mover, nil, mock)
	return &testRig{
		gate:      gate,
		allocator: allocator,
		monitor:   monitor,
		mover:     mover,
		manager:   manager,
		clock:     mock,
	}
}

func validGate() license.Gate {
	return license.NewStaticGate(license.TierPro, nil, 0, time.Time{})
}

func invalidGate() license.Gate {
	return license.NewStaticGate(license.TierPro, nil, 0, time.Now().Add(-time.Hour))
}

func TestActivateBackupWorker_PicksHighestPriorityStandby(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-1", "net-1", []string{"b-1"})

	rig.manager.RegisterBackupWorker(&BackupWorker{
		WorkerID: "backup-low", NetworkID: "net-1", Priority: 1,
		Quota: alloc.Quota{CPUCores: 2},
	})
	rig.manager.RegisterBackupWorker(&BackupWorker{
		WorkerID: "backup-high", NetworkID: "net-1", Priority: 5,
		Quota: alloc.Quota{CPUCores: 2},
	})

	bw := rig.manager.ActivateBackupWorker(context.Background(), "w-1")
	require.NotNil(t, bw)
	assert.Equal(t, "backup-high", bw.WorkerID)
	assert.Equal(t, BackupActive, bw.Status)
	require.NotNil(t, bw.ActivatedAt)

	// The backup holds a real allocation and is now monitored.
	assert.Len(t, rig.allocator.AllocationsForNetwork("net-1"), 1)
	assert.NotNil(t, rig.monitor.GetHealth("backup-high"))

	events := rig.manager.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "backup_activation", events[0].EventType)
	assert.True(t, events[0].Success)
	assert.Equal(t, "backup-high", events[0].TargetID)
}

func TestActivateBackupWorker_LicenseDenied(t *testing.T) {
	rig := newRig(t, invalidGate())
	rig.monitor.TrackWorker("w-1", "net-1", nil)
	rig.manager.RegisterBackupWorker(&BackupWorker{
		WorkerID: "backup-1", NetworkID: "net-1", Priority: 1,
	})

	bw := rig.manager.ActivateBackupWorker(context.Background(), "w-1")
	assert.Nil(t, bw)

	events := rig.manager.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
}

func TestActivateBackupWorker_SkipsUnsatisfiableCandidate(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-1", "net-1", nil)

	// Highest priority backup wants more than total capacity; the next
	// one gets the slot.
	rig.manager.RegisterBackupWorker(&BackupWorker{
		WorkerID: "backup-greedy", NetworkID: "net-1", Priority: 9,
		Quota: alloc.Quota{CPUCores: 100},
	})
	rig.manager.RegisterBackupWorker(&BackupWorker{
		WorkerID: "backup-fit", NetworkID: "net-1", Priority: 1,
		Quota: alloc.Quota{CPUCores: 2},
	})

	bw := rig.manager.ActivateBackupWorker(context.Background(), "w-1")
	require.NotNil(t, bw)
	assert.Equal(t, "backup-fit", bw.WorkerID)
}

func TestActivateBackupWorker_NoStandby(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-1", "net-1", nil)

	assert.Nil(t, rig.manager.ActivateBackupWorker(context.Background(), "w-1"))
	assert.Nil(t, rig.manager.ActivateBackupWorker(context.Background(), "unknown-worker"))
}

func TestDeactivateBackupWorker(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-1", "net-1", nil)
	rig.manager.RegisterBackupWorker(&BackupWorker{
		WorkerID: "backup-1", NetworkID: "net-1", Priority: 1,
		Quota: alloc.Quota{CPUCores: 2},
	})

	bw := rig.manager.ActivateBackupWorker(context.Background(), "w-1")
	require.NotNil(t, bw)
	assert.Equal(t, 1, rig.allocator.ActiveAllocations())

	assert.True(t, rig.manager.DeactivateBackupWorker("backup-1"))
	assert.Equal(t, BackupStandby, bw.Status)
	assert.Zero(t, rig.allocator.ActiveAllocations())
	assert.Nil(t, rig.monitor.GetHealth("backup-1"))

	// Not active anymore.
	assert.False(t, rig.manager.DeactivateBackupWorker("backup-1"))
}

func TestRedistributeBlocks_SpreadsByLoad(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-dead", "net-1", []string{"b-1", "b-2", "b-3", "b-4"})
	rig.monitor.TrackWorker("w-2", "net-1", nil)
	rig.monitor.TrackWorker("w-3", "net-1", nil)
	rig.monitor.Heartbeat("w-2", 0, 0.1)
	rig.monitor.Heartbeat("w-3", 0, 0.2)

	ok := rig.manager.RedistributeBlocks(context.Background(), "w-dead", "net-1")
	assert.True(t, ok)

	moved := append(rig.mover.movedTo("w-2"), rig.mover.movedTo("w-3")...)
	assert.ElementsMatch(t, []string{"b-1", "b-2", "b-3", "b-4"}, moved)
	// Load-weighted spread: neither worker takes everything.
	assert.Len(t, rig.mover.movedTo("w-2"), 2)
	assert.Len(t, rig.mover.movedTo("w-3"), 2)

	// Ownership moved off the failed worker.
	table := rig.manager.Assignments()
	for _, blockID := range []string{"b-1", "b-2", "b-3", "b-4"} {
		a := table.Get(blockID)
		require.NotNil(t, a)
		assert.NotEqual(t, "w-dead", a.AssignedWorker)
	}

	runs := rig.manager.Redistributions()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	assert.Zero(t, runs[0].ConflictsResolved)
}

func TestRedistributeBlocks_NoCandidates(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-dead", "net-1", []string{"b-1"})

	assert.False(t, rig.manager.RedistributeBlocks(context.Background(), "w-dead", "net-1"))

	events := rig.manager.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
}

func TestRedistributeBlocks_LastWriterWinsConflict(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-dead", "net-1", []string{"b-1", "b-2"})
	rig.monitor.TrackWorker("w-2", "net-1", nil)

	// A concurrent redistribution already claimed b-1 with a newer
	// timestamp; ours must lose and count the conflict.
	table := rig.manager.Assignments()
	future := rig.clock.Now().Add(time.Hour)
	require.True(t, table.Assign(context.Background(), "b-1", "net-1", "w-other", 0, future))

	ok := rig.manager.RedistributeBlocks(context.Background(), "w-dead", "net-1")
	assert.True(t, ok)

	assert.Equal(t, "w-other", table.Get("b-1").AssignedWorker)
	assert.Equal(t, "w-2", table.Get("b-2").AssignedWorker)

	runs := rig.manager.Redistributions()
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].ConflictsResolved)
}

func TestRedistributeBlocks_MoverFailure(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-dead", "net-1", []string{"b-1"})
	rig.monitor.TrackWorker("w-2", "net-1", nil)
	rig.mover.fail = true

	assert.False(t, rig.manager.RedistributeBlocks(context.Background(), "w-dead", "net-1"))

	// Failed moves never rewrite ownership.
	assert.Nil(t, rig.manager.Assignments().Get("b-1"))
}

func TestTransferWorkload(t *testing.T) {
	rig := newRig(t, validGate())

	ok := rig.manager.TransferWorkload(context.Background(), "w-1", "w-2", "net-1", []string{"b-1", "b-2"})
	assert.True(t, ok)
	assert.Equal(t, []string{"b-1", "b-2"}, rig.mover.movedTo("w-2"))

	events := rig.manager.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "workload_transfer", events[0].EventType)
	assert.Equal(t, StrategyGraceful, events[0].Strategy)
}

func TestGracefulDegradation_History(t *testing.T) {
	rig := newRig(t, validGate())
	assert.Equal(t, DegradationNone, rig.manager.DegradationLevelNow())

	rig.manager.GracefulDegradation(DegradationReducedQuality, "elevated error rate")
	rig.clock.Add(time.Minute)
	rig.manager.GracefulDegradation(DegradationEssentialOnly, "two workers down")
	rig.clock.Add(time.Minute)
	// Same level is a no-op, not a history entry.
	rig.manager.GracefulDegradation(DegradationEssentialOnly, "still down")
	rig.clock.Add(time.Minute)
	rig.manager.GracefulDegradation(DegradationNone, "recovered")

	assert.Equal(t, DegradationNone, rig.manager.DegradationLevelNow())

	history := rig.manager.DegradationHistory()
	require.Len(t, history, 3)
	assert.Equal(t, DegradationReducedQuality, history[0].Level)
	assert.Equal(t, DegradationEssentialOnly, history[1].Level)
	assert.Equal(t, DegradationNone, history[2].Level)
	assert.True(t, history[0].Timestamp.Before(history[1].Timestamp))
}

func TestDegradationLevelOrdering(t *testing.T) {
	assert.True(t, DegradationNone < DegradationReducedQuality)
	assert.True(t, DegradationReducedQuality < DegradationReducedCapacity)
	assert.True(t, DegradationReducedCapacity < DegradationEssentialOnly)
	assert.True(t, DegradationEssentialOnly < DegradationMaintenanceMode)
	assert.Equal(t, "maintenance_mode", DegradationMaintenanceMode.String())
}

func TestMonitorFailureTriggersFailover(t *testing.T) {
	rig := newRig(t, validGate())
	rig.monitor.TrackWorker("w-1", "net-1", []string{"b-1"})
	rig.monitor.TrackWorker("w-2", "net-1", nil)
	rig.manager.RegisterBackupWorker(&BackupWorker{
		WorkerID: "backup-1", NetworkID: "net-1", Priority: 1,
		Quota: alloc.Quota{CPUCores: 2},
	})

	// w-2 stays fresh; w-1 goes silent past the failure threshold.
	rig.clock.Add(50 * time.Second)
	rig.monitor.Heartbeat("w-2", 0, 0.1)
	rig.clock.Add(15 * time.Second)
	rig.monitor.Sample()

	assert.Equal(t, health.StatusCritical, rig.monitor.GetHealth("w-1").Status)
	assert.NotNil(t, rig.monitor.GetHealth("backup-1"))

	// The freshly activated backup is the least-loaded candidate, so the
	// orphaned block lands on it.
	moved := append(rig.mover.movedTo("w-2"), rig.mover.movedTo("backup-1")...)
	assert.ElementsMatch(t, []string{"b-1"}, moved)
	a := rig.manager.Assignments().Get("b-1")
	require.NotNil(t, a)
	assert.NotEqual(t, "w-1", a.AssignedWorker)
}

func TestAssignmentTable(t *testing.T) {
	table := NewAssignmentTable(nil)
	now := time.Now()

	assert.True(t, table.Assign(context.Background(), "b-1", "net-1", "w-1", 0, now))
	assert.True(t, table.Assign(context.Background(), "b-2", "net-1", "w-1", 0, now))

	assert.ElementsMatch(t, []string{"b-1", "b-2"}, table.BlocksForWorker("w-1"))
	assert.Equal(t, 2, table.CountForWorker("w-1"))
	assert.Zero(t, table.CountForWorker("w-2"))
	assert.Nil(t, table.Get("nope"))

	// Older write loses.
	assert.False(t, table.Assign(context.Background(), "b-1", "net-1", "w-2", 0, now.Add(-time.Minute)))
	assert.Equal(t, "w-1", table.Get("b-1").AssignedWorker)

	// Newer write wins.
	assert.True(t, table.Assign(context.Background(), "b-1", "net-1", "w-2", 0, now.Add(time.Minute)))
	assert.Equal(t, "w-2", table.Get("b-1").AssignedWorker)
}

type recordingSink struct {
	mu          sync.Mutex
	assignments int
	events      []*Event
}

func (s *recordingSink) SaveAssignment(_ context.Context, _ *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments++
	return nil
}

func (s *recordingSink) SaveFailoverEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func TestAssignmentTable_Load(t *testing.T) {
	sink := &recordingSink{}
	table := NewAssignmentTable(sink)
	now := time.Now()

	// Rebuilding from the database must not echo rows back into it.
	table.Load([]Assignment{
		{BlockID: "b-1", NetworkID: "net-1", AssignedWorker: "w-1", LastUpdated: now},
		{BlockID: "b-2", NetworkID: "net-1", AssignedWorker: "w-2", LastUpdated: now},
	})
	assert.Zero(t, sink.assignments)
	assert.ElementsMatch(t, []string{"b-1"}, table.BlocksForWorker("w-1"))
	assert.Equal(t, "w-2", table.Get("b-2").AssignedWorker)

	// A newer in-memory entry survives a stale load.
	require.True(t, table.Assign(context.Background(), "b-1", "net-1", "w-3", 0, now.Add(time.Minute)))
	table.Load([]Assignment{
		{BlockID: "b-1", NetworkID: "net-1", AssignedWorker: "w-1", LastUpdated: now},
	})
	assert.Equal(t, "w-3", table.Get("b-1").AssignedWorker)
}

func TestEventSinkReceivesEvents(t *testing.T) {
	rig := newRig(t, validGate())
	sink := &recordingSink{}
	rig.manager.SetEventSink(sink)

	require.True(t, rig.manager.TransferWorkload(context.Background(), "w-1", "w-2", "net-1", []string{"b-1"}))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "workload_transfer", sink.events[0].EventType)
	assert.Equal(t, "w-1", sink.events[0].SourceID)
	assert.Equal(t, "w-2", sink.events[0].TargetID)
	assert.True(t, sink.events[0].Success)
}
