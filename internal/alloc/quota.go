package alloc

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Quota is a vector of resource capacities. It is a pure value type;
// arithmetic never mutates the receiver.
type Quota struct {
	CPUCores             float64 `json:"cpu_cores"`
	MemoryGB             float64 `json:"memory_gb"`
	GPUMemoryGB          float64 `json:"gpu_memory_gb"`
	NetworkBandwidthMbps float64 `json:"network_bandwidth_mbps"`
	WorkerSlots          int     `json:"worker_slots"`
	ClientConnections    int     `json:"client_connections"`
}

// Add returns the component-wise sum.
func (q Quota) Add(other Quota) Quota {
	return Quota{
		CPUCores:             q.CPUCores + other.CPUCores,
		MemoryGB:             q.MemoryGB + other.MemoryGB,
		GPUMemoryGB:          q.GPUMemoryGB + other.GPUMemoryGB,
		NetworkBandwidthMbps: q.NetworkBandwidthMbps + other.NetworkBandwidthMbps,
		WorkerSlots:          q.WorkerSlots + other.WorkerSlots,
		ClientConnections:    q.ClientConnections + other.ClientConnections,
	}
}

// Subtract returns the component-wise difference, clamped at zero.
func (q Quota) Subtract(other Quota) Quota {
	return Quota{
		CPUCores:             clampFloat(q.CPUCores - other.CPUCores),
		MemoryGB:             clampFloat(q.MemoryGB - other.MemoryGB),
		GPUMemoryGB:          clampFloat(q.GPUMemoryGB - other.GPUMemoryGB),
		NetworkBandwidthMbps: clampFloat(q.NetworkBandwidthMbps - other.NetworkBandwidthMbps),
		WorkerSlots:          clampInt(q.WorkerSlots - other.WorkerSlots),
		ClientConnections:    clampInt(q.ClientConnections - other.ClientConnections),
	}
}

// CanSatisfy reports whether every component of q covers other.
func (q Quota) CanSatisfy(other Quota) bool {
	return q.CPUCores >= other.CPUCores &&
		q.MemoryGB >= other.MemoryGB &&
		q.GPUMemoryGB >= other.GPUMemoryGB &&
		q.NetworkBandwidthMbps >= other.NetworkBandwidthMbps &&
		q.WorkerSlots >= other.WorkerSlots &&
		q.ClientConnections >= other.ClientConnections
}

// Scale returns the quota multiplied by factor, with integer components
// truncated.
func (q Quota) Scale(factor float64) Quota {
	return Quota{
		CPUCores:             q.CPUCores * factor,
		MemoryGB:             q.MemoryGB * factor,
		GPUMemoryGB:          q.GPUMemoryGB * factor,
		NetworkBandwidthMbps: q.NetworkBandwidthMbps * factor,
		WorkerSlots:          int(float64(q.WorkerSlots) * factor),
		ClientConnections:    int(float64(q.ClientConnections) * factor),
	}
}

func clampFloat(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func clampInt(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// Priority orders allocation requests.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Request is a pending capacity request for a model-serving network.
type Request struct {
	RequestID   string        `json:"request_id"`
	NetworkID   string        `json:"network_id"`
	Required    Quota         `json:"required"`
	Priority    Priority      `json:"priority"`
	RequestedAt time.Time     `json:"requested_at"`
	Timeout     time.Duration `json:"timeout"`
}

// IsExpired reports whether the request outlived its timeout at now.
func (r *Request) IsExpired(now time.Time) bool {
	if r.Timeout <= 0 {
		return false
	}
	return now.After(r.RequestedAt.Add(r.Timeout))
}

// Allocation is capacity granted to a network.
type Allocation struct {
	AllocationID string    `json:"allocation_id"`
	NetworkID    string    `json:"network_id"`
	Granted      Quota     `json:"granted"`
	GrantedAt    time.Time `json:"granted_at"`
}

// Profile describes a network's base and peak requirements. Callers
// re-request as observed load changes; the allocator stays stateless
// about why load changed.
type Profile struct {
	Base     Quota    `json:"base_requirements"`
	Peak     Quota    `json:"peak_requirements"`
	Priority Priority `json:"priority"`
}

// DynamicRequirements interpolates linearly between base and peak for a
// load factor in [0,1].
func (p Profile) DynamicRequirements(loadFactor float64) Quota {
	if loadFactor < 0 {
		loadFactor = 0
	}
	if loadFactor > 1 {
		loadFactor = 1
	}
	return p.Base.Add(p.Peak.Subtract(p.Base).Scale(loadFactor))
}

// DetectHardwareQuota samples the host's CPU and memory to seed the
// allocator's total capacity. GPU memory and bandwidth come from config
// since they are not portably detectable.
func DetectHardwareQuota(ctx context.Context) (Quota, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Quota{}, fmt.Errorf("failed to count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Quota{}, fmt.Errorf("failed to read memory: %w", err)
	}
	return Quota{
		CPUCores: float64(cores),
		MemoryGB: float64(vm.Total) / (1024 * 1024 * 1024),
	}, nil
}
