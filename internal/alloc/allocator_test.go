package alloc

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmesh/distributor/internal/license"
)

func proGate() license.Gate {
	return license.NewStaticGate(license.TierPro, nil, 0, time.Time{})
}

func expiredGate() license.Gate {
	return license.NewStaticGate(license.TierPro, nil, 0, time.Now().Add(-time.Hour))
}

func testAllocator(gate license.Gate, strategy Strategy) (*Allocator, *clock.Mock) {
	mock := clock.NewMock()
	a := New(Config{Strategy: strategy}, Quota{
		CPUCores:             8,
		MemoryGB:             32,
		NetworkBandwidthMbps: 1000,
		WorkerSlots:          10,
		ClientConnections:    20,
	}, gate, mock)
	return a, mock
}

func TestNew_LicenseCapsApply(t *testing.T) {
	free := license.NewStaticGate(license.TierFree, nil, 0, time.Time{})
	a := New(Config{}, Quota{CPUCores: 64, WorkerSlots: 100, ClientConnections: 500}, free, clock.NewMock())

	total, _, _ := a.Snapshot()
	assert.Equal(t, 2, total.WorkerSlots)
	assert.Equal(t, 3, total.ClientConnections)
	// Hardware dimensions without license caps pass through.
	assert.Equal(t, 64.0, total.CPUCores)
}

func TestRequestResources_Conservation(t *testing.T) {
	a, _ := testAllocator(proGate(), StrategyPriority)

	req := Quota{CPUCores: 2, MemoryGB: 8, WorkerSlots: 2}
	_, err := a.RequestResources("net-1", req, PriorityNormal, 0)
	require.NoError(t, err)
	_, err = a.RequestResources("net-2", req, PriorityNormal, 0)
	require.NoError(t, err)

	a.RunAllocationCycle()
	assert.Equal(t, 2, a.ActiveAllocations())
	assert.Zero(t, a.PendingRequests())

	total, allocated, available := a.Snapshot()
	assert.Equal(t, total, allocated.Add(available))
	assert.Equal(t, 4.0, allocated.CPUCores)
}

func TestRequestResources_ExceedsTotalRejected(t *testing.T) {
	a, _ := testAllocator(proGate(), StrategyPriority)

	_, err := a.RequestResources("net-1", Quota{CPUCores: 100}, PriorityNormal, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	report := a.GetUtilization()
	assert.Equal(t, 1, report.Counters.TotalRequests)
	assert.Equal(t, 1, report.Counters.RejectedRequests)
}

func TestRequestResources_LicenseDenied(t *testing.T) {
	a, _ := testAllocator(expiredGate(), StrategyPriority)

	_, err := a.RequestResources("net-1", Quota{CPUCores: 1}, PriorityNormal, 0)
	assert.ErrorIs(t, err, license.ErrDenied)
	assert.Zero(t, a.ActiveAllocations())
}

func TestAllocationCycle_PriorityOrdering(t *testing.T) {
	a, mock := testAllocator(proGate(), StrategyPriority)

	// Both want more than half of CPU; only one can win.
	big := Quota{CPUCores: 6}
	_, err := a.RequestResources("net-low", big, PriorityLow, 0)
	require.NoError(t, err)

	mock.Add(time.Second)
	_, err = a.RequestResources("net-critical", big, PriorityCritical, 0)
	require.NoError(t, err)

	a.RunAllocationCycle()

	// The later-but-higher-priority request wins.
	assert.Len(t, a.AllocationsForNetwork("net-critical"), 1)
	assert.Empty(t, a.AllocationsForNetwork("net-low"))
	assert.Equal(t, 1, a.PendingRequests())

	report := a.GetUtilization()
	assert.Equal(t, 1, report.Counters.ConflictsResolved)

	// Releasing frees capacity for the loser on the next cycle.
	allocs := a.AllocationsForNetwork("net-critical")
	assert.True(t, a.ReleaseResources(allocs[0].AllocationID))
	a.RunAllocationCycle()
	assert.Len(t, a.AllocationsForNetwork("net-low"), 1)
}

func TestAllocationCycle_FairShare(t *testing.T) {
	a, _ := testAllocator(proGate(), StrategyFairShare)

	// Two requesters: each is entitled to half of the 8 cores.
	_, err := a.RequestResources("net-small", Quota{CPUCores: 3}, PriorityLow, 0)
	require.NoError(t, err)
	_, err = a.RequestResources("net-big", Quota{CPUCores: 6}, PriorityCritical, 0)
	require.NoError(t, err)

	a.RunAllocationCycle()

	// Fair share grants the request within its share regardless of
	// priority; the oversized one stays pending.
	assert.Len(t, a.AllocationsForNetwork("net-small"), 1)
	assert.Empty(t, a.AllocationsForNetwork("net-big"))
	assert.Equal(t, 1, a.PendingRequests())
}

func TestAllocationCycle_DropsExpiredRequests(t *testing.T) {
	a, mock := testAllocator(proGate(), StrategyPriority)

	_, err := a.RequestResources("net-1", Quota{CPUCores: 1}, PriorityNormal, time.Minute)
	require.NoError(t, err)

	mock.Add(2 * time.Minute)
	a.RunAllocationCycle()

	assert.Zero(t, a.ActiveAllocations())
	assert.Zero(t, a.PendingRequests())
	assert.Equal(t, 1, a.GetUtilization().Counters.RejectedRequests)
}

func TestTryAllocateNow(t *testing.T) {
	a, _ := testAllocator(proGate(), StrategyPriority)

	id, err := a.TryAllocateNow("net-1", Quota{CPUCores: 6}, PriorityCritical)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Free capacity is now insufficient.
	_, err = a.TryAllocateNow("net-2", Quota{CPUCores: 6}, PriorityCritical)
	assert.ErrorIs(t, err, ErrCapacityUnavailable)

	// Beyond total capacity is invalid, not merely unavailable.
	_, err = a.TryAllocateNow("net-2", Quota{CPUCores: 100}, PriorityCritical)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = New(Config{}, Quota{CPUCores: 8}, expiredGate(), clock.NewMock()).
		TryAllocateNow("net-1", Quota{CPUCores: 1}, PriorityCritical)
	assert.ErrorIs(t, err, license.ErrDenied)
}

func TestReleaseResources_Unknown(t *testing.T) {
	a, _ := testAllocator(proGate(), StrategyPriority)
	assert.False(t, a.ReleaseResources("nope"))
}

func TestCleanupStale_ByAge(t *testing.T) {
	a, mock := testAllocator(proGate(), StrategyPriority)

	_, err := a.TryAllocateNow("net-1", Quota{CPUCores: 2}, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, a.ActiveAllocations())

	mock.Add(11 * time.Minute)
	a.CleanupStale()

	assert.Zero(t, a.ActiveAllocations())
	_, allocated, _ := a.Snapshot()
	assert.Zero(t, allocated.CPUCores)
}

func TestCleanupStale_ByLiveness(t *testing.T) {
	a, _ := testAllocator(proGate(), StrategyPriority)
	a.SetLivenessCheck(func(networkID string) bool {
		return networkID != "net-dead"
	})

	_, err := a.TryAllocateNow("net-dead", Quota{CPUCores: 2}, PriorityNormal)
	require.NoError(t, err)
	_, err = a.TryAllocateNow("net-live", Quota{CPUCores: 2}, PriorityNormal)
	require.NoError(t, err)

	a.CleanupStale()

	assert.Empty(t, a.AllocationsForNetwork("net-dead"))
	assert.Len(t, a.AllocationsForNetwork("net-live"), 1)
}

func TestGetUtilization(t *testing.T) {
	a, _ := testAllocator(proGate(), StrategyPriority)

	_, err := a.TryAllocateNow("net-1", Quota{CPUCores: 4, MemoryGB: 16}, PriorityNormal)
	require.NoError(t, err)

	report := a.GetUtilization()
	cpu := report.Resources["cpu_cores"]
	assert.Equal(t, 8.0, cpu.Total)
	assert.Equal(t, 4.0, cpu.Allocated)
	assert.InDelta(t, 50.0, cpu.UtilizationPercent, 0.001)

	mem := report.Resources["memory_gb"]
	assert.InDelta(t, 50.0, mem.UtilizationPercent, 0.001)
}
