package license

import (
	"errors"
	"time"
)

// ErrDenied is returned when the license gate refuses a privileged
// operation. Callers treat it as a refusal, not a failure.
var ErrDenied = errors.New("license denied")

// License tiers
const (
	TierFree       = "FREE"
	TierPro        = "PRO"
	TierEnterprise = "ENT"
)

// Gate is the stable interface to license validation. The cryptographic
// validation itself lives outside this module; everything here consumes
// validity, tier and entitlements through this interface.
type Gate interface {
	IsValid() bool
	Tier() string
	AllowedModels() []string
	MaxClients() int
}

// TierCaps holds the license-imposed ceilings for a tier, independent of
// raw hardware capacity.
type TierCaps struct {
	WorkerSlots       int
	ClientConnections int
}

// CapsForTier returns the per-tier ceilings. Unknown tiers fall back to
// the FREE caps.
func CapsForTier(tier string) TierCaps {
	switch tier {
	case TierEnterprise:
		return TierCaps{WorkerSlots: 50, ClientConnections: 100}
	case TierPro:
		return TierCaps{WorkerSlots: 10, ClientConnections: 20}
	default:
		return TierCaps{WorkerSlots: 2, ClientConnections: 3}
	}
}

// StaticGate is a Gate backed by values loaded from configuration. It
// stands in for the external validator behind the same interface.
type StaticGate struct {
	tier          string
	allowedModels []string
	maxClients    int
	expiresAt     time.Time
}

// NewStaticGate creates a gate from config values. A zero expiry means the
// license never expires.
func NewStaticGate(tier string, allowedModels []string, maxClients int, expiresAt time.Time) *StaticGate {
	if maxClients == 0 {
		maxClients = CapsForTier(tier).ClientConnections
	}
	return &StaticGate{
		tier:          tier,
		allowedModels: allowedModels,
		maxClients:    maxClients,
		expiresAt:     expiresAt,
	}
}

// IsValid reports whether the license is currently valid.
func (g *StaticGate) IsValid() bool {
	if g.tier == "" {
		return false
	}
	if !g.expiresAt.IsZero() && time.Now().After(g.expiresAt) {
		return false
	}
	return true
}

// Tier returns the license tier.
func (g *StaticGate) Tier() string {
	return g.tier
}

// AllowedModels returns the models this license may distribute. An empty
// list means all models are allowed.
func (g *StaticGate) AllowedModels() []string {
	return g.allowedModels
}

// MaxClients returns the maximum concurrent client nodes.
func (g *StaticGate) MaxClients() int {
	return g.maxClients
}

// ModelAllowed reports whether the gate permits distributing the given
// model.
func ModelAllowed(g Gate, modelID string) bool {
	if !g.IsValid() {
		return false
	}
	allowed := g.AllowedModels()
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == modelID {
			return true
		}
	}
	return false
}
