package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapsForTier(t *testing.T) {
	tests := []struct {
		tier  string
		slots int
		conns int
	}{
		{TierFree, 2, 3},
		{TierPro, 10, 20},
		{TierEnterprise, 50, 100},
		{"BOGUS", 2, 3},
		{"", 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			caps := CapsForTier(tt.tier)
			assert.Equal(t, tt.slots, caps.WorkerSlots)
			assert.Equal(t, tt.conns, caps.ClientConnections)
		})
	}
}

func TestStaticGate_Validity(t *testing.T) {
	// Zero expiry never expires.
	assert.True(t, NewStaticGate(TierPro, nil, 0, time.Time{}).IsValid())

	assert.True(t, NewStaticGate(TierFree, nil, 0, time.Now().Add(time.Hour)).IsValid())
	assert.False(t, NewStaticGate(TierPro, nil, 0, time.Now().Add(-time.Minute)).IsValid())

	// A gate without a tier was never configured.
	assert.False(t, NewStaticGate("", nil, 0, time.Time{}).IsValid())
}

func TestStaticGate_MaxClientsDefaultsToTierCap(t *testing.T) {
	assert.Equal(t, 3, NewStaticGate(TierFree, nil, 0, time.Time{}).MaxClients())
	assert.Equal(t, 100, NewStaticGate(TierEnterprise, nil, 0, time.Time{}).MaxClients())

	// An explicit value wins over the tier cap.
	assert.Equal(t, 7, NewStaticGate(TierFree, nil, 7, time.Time{}).MaxClients())
}

func TestModelAllowed(t *testing.T) {
	open := NewStaticGate(TierPro, nil, 0, time.Time{})
	assert.True(t, ModelAllowed(open, "any-model"))

	scoped := NewStaticGate(TierPro, []string{"llama-70b", "bert-base"}, 0, time.Time{})
	assert.True(t, ModelAllowed(scoped, "llama-70b"))
	assert.False(t, ModelAllowed(scoped, "gpt-j"))

	expired := NewStaticGate(TierPro, []string{"llama-70b"}, 0, time.Now().Add(-time.Hour))
	assert.False(t, ModelAllowed(expired, "llama-70b"))
}
