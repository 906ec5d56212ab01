package alloc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelmesh/distributor/internal/license"
)

// ErrInvalidRequest marks requests that can never be satisfied because
// they exceed total capacity; they are rejected at submission rather
// than queued.
var ErrInvalidRequest = errors.New("request exceeds total capacity")

// ErrCapacityUnavailable marks synchronous grants that cannot be
// satisfied from currently free capacity.
var ErrCapacityUnavailable = errors.New("capacity unavailable")

// Strategy selects how contention between pending requests is resolved.
type Strategy string

const (
	// StrategyPriority grants by priority, earliest request first within
	// a priority.
	StrategyPriority Strategy = "priority_based"
	// StrategyFairShare splits available capacity evenly across pending
	// requests, favoring many small tenants over one big requester.
	StrategyFairShare Strategy = "fair_share"
)

// Config tunes the allocator's background loops.
type Config struct {
	AllocationInterval time.Duration
	CleanupInterval    time.Duration
	StaleAfter         time.Duration
	Strategy           Strategy
}

func (c *Config) setDefaults() {
	if c.AllocationInterval == 0 {
		c.AllocationInterval = time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.Strategy == "" {
		c.Strategy = StrategyPriority
	}
}

// Counters aggregates allocator activity for the utilization report.
type Counters struct {
	TotalRequests     int `json:"total_requests"`
	SatisfiedRequests int `json:"satisfied_requests"`
	RejectedRequests  int `json:"rejected_requests"`
	ConflictsResolved int `json:"conflicts_resolved"`
}

// ResourceUtilization reports one resource dimension.
type ResourceUtilization struct {
	Total              float64 `json:"total"`
	Allocated          float64 `json:"allocated"`
	Available          float64 `json:"available"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Report is the utilization snapshot served to dashboards.
type Report struct {
	Resources map[string]ResourceUtilization `json:"resources"`
	Counters  Counters                       `json:"counters"`
}

// Allocator arbitrates finite capacity across model-serving networks
// under license ceilings. All quota mutation happens under one mutex so
// concurrent requesters can never double-grant.
type Allocator struct {
	cfg   Config
	clock clock.Clock
	gate  license.Gate

	mu          sync.Mutex
	total       Quota
	allocated   Quota
	pending     []*Request
	allocations map[string]*Allocation
	counters    Counters
	liveness    func(networkID string) bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an allocator over the given hardware capacity. The
// effective worker-slot and client-connection ceilings are the minimum
// of hardware capacity and the license tier caps.
func New(cfg Config, hardware Quota, gate license.Gate, clk clock.Clock) *Allocator {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}

	total := hardware
	caps := license.CapsForTier(gate.Tier())
	if total.WorkerSlots == 0 || total.WorkerSlots > caps.WorkerSlots {
		total.WorkerSlots = caps.WorkerSlots
	}
	if total.ClientConnections == 0 || total.ClientConnections > caps.ClientConnections {
		total.ClientConnections = caps.ClientConnections
	}

	return &Allocator{
		cfg:         cfg,
		clock:       clk,
		gate:        gate,
		total:       total,
		allocations: make(map[string]*Allocation),
	}
}

// SetLivenessCheck installs the callback cleanup uses to decide whether
// an allocation's network is still running.
func (a *Allocator) SetLivenessCheck(fn func(networkID string) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.liveness = fn
}

// Start launches the allocation and cleanup loops.
func (a *Allocator) Start() {
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.run()
}

// Stop terminates the background loops and waits for them to exit.
func (a *Allocator) Stop() {
	if a.stopCh == nil {
		return
	}
	close(a.stopCh)
	<-a.doneCh
	a.stopCh = nil
}

func (a *Allocator) run() {
	defer close(a.doneCh)
	allocTicker := a.clock.Ticker(a.cfg.AllocationInterval)
	defer allocTicker.Stop()
	cleanupTicker := a.clock.Ticker(a.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-allocTicker.C:
			a.RunAllocationCycle()
		case <-cleanupTicker.C:
			a.CleanupStale()
		}
	}
}

// RequestResources validates and enqueues a capacity request. Requests
// beyond total capacity are rejected immediately as unsatisfiable; the
// rest wait for the allocation cycle.
func (a *Allocator) RequestResources(networkID string, required Quota, priority Priority, timeout time.Duration) (string, error) {
	if !a.gate.IsValid() {
		a.mu.Lock()
		a.counters.TotalRequests++
		a.counters.RejectedRequests++
		a.mu.Unlock()
		return "", license.ErrDenied
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters.TotalRequests++

	if !a.total.CanSatisfy(required) {
		a.counters.RejectedRequests++
		return "", fmt.Errorf("%w: required %+v, total %+v", ErrInvalidRequest, required, a.total)
	}

	req := &Request{
		RequestID:   uuid.New().String(),
		NetworkID:   networkID,
		Required:    required,
		Priority:    priority,
		RequestedAt: a.clock.Now(),
		Timeout:     timeout,
	}
	a.pending = append(a.pending, req)

	log.Debug().
		Str("request_id", req.RequestID).
		Str("network_id", networkID).
		Int("priority", int(priority)).
		Msg("resource request queued")

	return req.RequestID, nil
}

// RunAllocationCycle grants pending requests from free capacity,
// resolving contention with the configured strategy. Exposed so tests
// and callers can drive a cycle without waiting for the ticker.
func (a *Allocator) RunAllocationCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.gate.IsValid() {
		return
	}

	now := a.clock.Now()
	live := a.pending[:0]
	for _, req := range a.pending {
		if req.IsExpired(now) {
			a.counters.RejectedRequests++
			log.Debug().Str("request_id", req.RequestID).Msg("resource request expired")
			continue
		}
		live = append(live, req)
	}
	a.pending = live
	if len(a.pending) == 0 {
		return
	}

	available := a.total.Subtract(a.allocated)
	combined := Quota{}
	for _, req := range a.pending {
		combined = combined.Add(req.Required)
	}
	contended := !available.CanSatisfy(combined)

	granted := ResolveConflict(a.pending, available, a.cfg.Strategy)
	if contended && len(granted) > 0 {
		a.counters.ConflictsResolved++
	}

	grantedSet := make(map[string]bool, len(granted))
	for _, req := range granted {
		a.grantLocked(req)
		grantedSet[req.RequestID] = true
	}

	remaining := a.pending[:0]
	for _, req := range a.pending {
		if !grantedSet[req.RequestID] {
			remaining = append(remaining, req)
		}
	}
	a.pending = remaining
}

// ResolveConflict picks which of the pending requests to grant from
// available capacity.
//
// priority_based sorts by priority descending and arrival ascending, then
// grants greedily while capacity permits; requests that do not fit stay
// pending for a release-driven retry. fair_share splits available evenly
// by request count per dimension and grants any request fully satisfiable
// from its equal share.
func ResolveConflict(requests []*Request, available Quota, strategy Strategy) []*Request {
	if len(requests) == 0 {
		return nil
	}

	switch strategy {
	case StrategyFairShare:
		share := available.Scale(1 / float64(len(requests)))
		var granted []*Request
		remaining := available
		for _, req := range requests {
			if share.CanSatisfy(req.Required) && remaining.CanSatisfy(req.Required) {
				granted = append(granted, req)
				remaining = remaining.Subtract(req.Required)
			}
		}
		return granted

	default:
		sorted := make([]*Request, len(requests))
		copy(sorted, requests)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Priority != sorted[j].Priority {
				return sorted[i].Priority > sorted[j].Priority
			}
			return sorted[i].RequestedAt.Before(sorted[j].RequestedAt)
		})

		var granted []*Request
		remaining := available
		for _, req := range sorted {
			if remaining.CanSatisfy(req.Required) {
				granted = append(granted, req)
				remaining = remaining.Subtract(req.Required)
			}
		}
		return granted
	}
}

func (a *Allocator) grantLocked(req *Request) {
	allocation := &Allocation{
		AllocationID: uuid.New().String(),
		NetworkID:    req.NetworkID,
		Granted:      req.Required,
		GrantedAt:    a.clock.Now(),
	}
	a.allocated = a.allocated.Add(req.Required)
	a.allocations[allocation.AllocationID] = allocation
	a.counters.SatisfiedRequests++

	log.Info().
		Str("allocation_id", allocation.AllocationID).
		Str("network_id", req.NetworkID).
		Msg("resources granted")
}

// TryAllocateNow grants capacity synchronously if it is free right now,
// bypassing the pending queue. Failover uses it because a replacement
// worker cannot wait for the next allocation cycle. Returns the
// allocation ID.
func (a *Allocator) TryAllocateNow(networkID string, required Quota, priority Priority) (string, error) {
	if !a.gate.IsValid() {
		return "", license.ErrDenied
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters.TotalRequests++

	if !a.total.CanSatisfy(required) {
		a.counters.RejectedRequests++
		return "", fmt.Errorf("%w: required %+v, total %+v", ErrInvalidRequest, required, a.total)
	}
	available := a.total.Subtract(a.allocated)
	if !available.CanSatisfy(required) {
		return "", ErrCapacityUnavailable
	}

	allocation := &Allocation{
		AllocationID: uuid.New().String(),
		NetworkID:    networkID,
		Granted:      required,
		GrantedAt:    a.clock.Now(),
	}
	a.allocated = a.allocated.Add(required)
	a.allocations[allocation.AllocationID] = allocation
	a.counters.SatisfiedRequests++
	return allocation.AllocationID, nil
}

// ReleaseResources returns an allocation's capacity to the free pool.
func (a *Allocator) ReleaseResources(allocationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocation, ok := a.allocations[allocationID]
	if !ok {
		return false
	}
	a.allocated = a.allocated.Subtract(allocation.Granted)
	delete(a.allocations, allocationID)

	log.Info().
		Str("allocation_id", allocationID).
		Str("network_id", allocation.NetworkID).
		Msg("resources released")
	return true
}

// CleanupStale releases allocations whose network stopped or that
// exceeded the staleness window, so crashed networks cannot leak
// capacity.
func (a *Allocator) CleanupStale() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	for id, allocation := range a.allocations {
		stale := now.Sub(allocation.GrantedAt) > a.cfg.StaleAfter
		stopped := a.liveness != nil && !a.liveness(allocation.NetworkID)
		if !stale && !stopped {
			continue
		}
		a.allocated = a.allocated.Subtract(allocation.Granted)
		delete(a.allocations, id)
		log.Info().
			Str("allocation_id", id).
			Str("network_id", allocation.NetworkID).
			Bool("stale", stale).
			Msg("allocation cleaned up")
	}
}

// AllocationsForNetwork returns the live allocations owned by a network.
func (a *Allocator) AllocationsForNetwork(networkID string) []*Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Allocation
	for _, allocation := range a.allocations {
		if allocation.NetworkID == networkID {
			copied := *allocation
			out = append(out, &copied)
		}
	}
	return out
}

// ActiveAllocations returns the number of live allocations.
func (a *Allocator) ActiveAllocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocations)
}

// PendingRequests returns the number of queued requests.
func (a *Allocator) PendingRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Snapshot returns the total, allocated and available quotas.
func (a *Allocator) Snapshot() (total, allocated, available Quota) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.allocated, a.total.Subtract(a.allocated)
}

// GetUtilization builds the per-resource utilization report.
func (a *Allocator) GetUtilization() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	available := a.total.Subtract(a.allocated)
	resources := map[string]ResourceUtilization{
		"cpu_cores":              utilization(a.total.CPUCores, a.allocated.CPUCores, available.CPUCores),
		"memory_gb":              utilization(a.total.MemoryGB, a.allocated.MemoryGB, available.MemoryGB),
		"gpu_memory_gb":          utilization(a.total.GPUMemoryGB, a.allocated.GPUMemoryGB, available.GPUMemoryGB),
		"network_bandwidth_mbps": utilization(a.total.NetworkBandwidthMbps, a.allocated.NetworkBandwidthMbps, available.NetworkBandwidthMbps),
		"worker_slots":           utilization(float64(a.total.WorkerSlots), float64(a.allocated.WorkerSlots), float64(available.WorkerSlots)),
		"client_connections":     utilization(float64(a.total.ClientConnections), float64(a.allocated.ClientConnections), float64(available.ClientConnections)),
	}
	return Report{Resources: resources, Counters: a.counters}
}

func utilization(total, allocated, available float64) ResourceUtilization {
	u := ResourceUtilization{Total: total, Allocated: allocated, Available: available}
	if total > 0 {
		u.UtilizationPercent = allocated / total * 100
	}
	return u
}
