package alloc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuotaArithmetic(t *testing.T) {
	a := Quota{CPUCores: 4, MemoryGB: 16, WorkerSlots: 10, ClientConnections: 20}
	b := Quota{CPUCores: 1.5, MemoryGB: 4, WorkerSlots: 3, ClientConnections: 5}

	sum := a.Add(b)
	assert.Equal(t, 5.5, sum.CPUCores)
	assert.Equal(t, 20.0, sum.MemoryGB)
	assert.Equal(t, 13, sum.WorkerSlots)

	diff := a.Subtract(b)
	assert.Equal(t, 2.5, diff.CPUCores)
	assert.Equal(t, 7, diff.WorkerSlots)

	// Receivers are never mutated.
	assert.Equal(t, 4.0, a.CPUCores)
}

func TestQuotaSubtract_ClampsAtZero(t *testing.T) {
	small := Quota{CPUCores: 1, WorkerSlots: 2}
	big := Quota{CPUCores: 8, MemoryGB: 4, WorkerSlots: 5}

	diff := small.Subtract(big)
	assert.Equal(t, 0.0, diff.CPUCores)
	assert.Equal(t, 0.0, diff.MemoryGB)
	assert.Equal(t, 0, diff.WorkerSlots)
}

func TestQuotaCanSatisfy(t *testing.T) {
	capacity := Quota{CPUCores: 4, MemoryGB: 16, WorkerSlots: 10, ClientConnections: 20}

	tests := []struct {
		name string
		req  Quota
		want bool
	}{
		{"exact fit", capacity, true},
		{"smaller", Quota{CPUCores: 2, MemoryGB: 8}, true},
		{"zero", Quota{}, true},
		{"one dimension over", Quota{CPUCores: 2, MemoryGB: 32}, false},
		{"slots over", Quota{WorkerSlots: 11}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, capacity.CanSatisfy(tt.req))
		})
	}
}

func TestQuotaScale(t *testing.T) {
	q := Quota{CPUCores: 4, MemoryGB: 10, WorkerSlots: 5}
	half := q.Scale(0.5)
	assert.Equal(t, 2.0, half.CPUCores)
	assert.Equal(t, 5.0, half.MemoryGB)
	assert.Equal(t, 2, half.WorkerSlots)
}

func TestRequestIsExpired(t *testing.T) {
	now := time.Now()
	req := &Request{RequestedAt: now, Timeout: time.Minute}

	assert.False(t, req.IsExpired(now))
	assert.False(t, req.IsExpired(now.Add(59*time.Second)))
	assert.True(t, req.IsExpired(now.Add(61*time.Second)))

	// Zero timeout never expires.
	forever := &Request{RequestedAt: now}
	assert.False(t, forever.IsExpired(now.Add(24*time.Hour)))
}

func TestProfileDynamicRequirements(t *testing.T) {
	p := Profile{
		Base: Quota{CPUCores: 2, MemoryGB: 8},
		Peak: Quota{CPUCores: 8, MemoryGB: 32},
	}

	assert.Equal(t, p.Base, p.DynamicRequirements(0))
	assert.Equal(t, p.Peak, p.DynamicRequirements(1))

	mid := p.DynamicRequirements(0.5)
	assert.Equal(t, 5.0, mid.CPUCores)
	assert.Equal(t, 20.0, mid.MemoryGB)

	// Load factor is clamped to [0, 1].
	assert.Equal(t, p.Base, p.DynamicRequirements(-3))
	assert.Equal(t, p.Peak, p.DynamicRequirements(7))
}
