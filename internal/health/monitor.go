package health

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Status is the health state of a tracked network or worker.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// severity orders statuses for worst-of aggregation.
func severity(s Status) int {
	switch s {
	case StatusCritical:
		return 3
	case StatusWarning:
		return 2
	default:
		return 0
	}
}

// Kind distinguishes tracked entity types.
type Kind string

const (
	KindNetwork Kind = "network"
	KindWorker  Kind = "worker"
)

// Info is the health record of one tracked entity. It is mutated only by
// the monitor; readers get copies.
type Info struct {
	ID                  string        `json:"id"`
	Kind                Kind          `json:"kind"`
	NetworkID           string        `json:"network_id,omitempty"`
	Status              Status        `json:"status"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RequestCount        int64         `json:"request_count"`
	ErrorCount          int64         `json:"error_count"`
	ModelBlocks         []string      `json:"model_blocks,omitempty"`
	CurrentLoad         float64       `json:"current_load"`
}

// ChangeFunc receives health transitions.
type ChangeFunc func(id string, oldStatus, newStatus Status)

// FailureFunc receives failure notifications when an entity turns
// critical.
type FailureFunc func(id string, message string)

// Config tunes the monitoring loop. Thresholds are in missed heartbeat
// intervals.
type Config struct {
	HeartbeatInterval time.Duration
	WarningThreshold  int
	FailureThreshold  int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = 2
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
}

// Monitor tracks liveness of networks and workers, raising callbacks and
// admin notifications on transitions. It is the sole authority for
// failure detection; the failover layer subscribes to it, never the
// other way around.
type Monitor struct {
	cfg   Config
	clock clock.Clock

	mu        sync.RWMutex
	entities  map[string]*Info
	onChange  []ChangeFunc
	onFailure []FailureFunc

	notifications *NotificationLog

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config, clk clock.Clock) *Monitor {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		cfg:           cfg,
		clock:         clk,
		entities:      make(map[string]*Info),
		notifications: NewNotificationLog(clk),
	}
}

// Notifications returns the admin notification feed.
func (m *Monitor) Notifications() *NotificationLog {
	return m.notifications
}

// OnHealthChange registers a transition callback. Callbacks run
// synchronously inside the monitoring loop; panics are isolated.
func (m *Monitor) OnHealthChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnFailure registers a failure callback.
func (m *Monitor) OnFailure(fn FailureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = append(m.onFailure, fn)
}

// TrackNetwork starts tracking a model-serving network.
func (m *Monitor) TrackNetwork(networkID string) {
	m.track(&Info{ID: networkID, Kind: KindNetwork, Status: StatusUnknown})
}

// TrackWorker starts tracking a worker and the blocks it serves.
func (m *Monitor) TrackWorker(workerID, networkID string, modelBlocks []string) {
	m.track(&Info{
		ID:          workerID,
		Kind:        KindWorker,
		NetworkID:   networkID,
		Status:      StatusUnknown,
		ModelBlocks: append([]string(nil), modelBlocks...),
	})
}

func (m *Monitor) track(info *Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[info.ID]; exists {
		return
	}
	info.LastHeartbeat = m.clock.Now()
	m.entities[info.ID] = info
}

// Untrack removes an entity from monitoring.
func (m *Monitor) Untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, id)
}

// Heartbeat records a heartbeat for an entity. A heartbeat after a
// degraded state restores it to healthy on the next sampling pass.
func (m *Monitor) Heartbeat(id string, responseTime time.Duration, load float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.entities[id]
	if !ok {
		return
	}
	info.LastHeartbeat = m.clock.Now()
	info.ResponseTime = responseTime
	info.CurrentLoad = load
}

// SetWorkerBlocks updates the blocks a worker serves.
func (m *Monitor) SetWorkerBlocks(workerID string, modelBlocks []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.entities[workerID]; ok {
		info.ModelBlocks = append([]string(nil), modelBlocks...)
	}
}

// RecordRequest counts a served request, optionally an errored one.
func (m *Monitor) RecordRequest(id string, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.entities[id]; ok {
		info.RequestCount++
		if isError {
			info.ErrorCount++
		}
	}
}

// Start launches the heartbeat sampling loop.
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
}

// Stop terminates the sampling loop and waits for it.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := m.clock.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample evaluates every tracked entity against the heartbeat
// thresholds, firing transition callbacks. Exposed so tests can drive
// the loop directly.
func (m *Monitor) Sample() {
	type transition struct {
		id       string
		old, new Status
	}
	var transitions []transition

	m.mu.Lock()
	now := m.clock.Now()
	for id, info := range m.entities {
		missed := int(now.Sub(info.LastHeartbeat) / m.cfg.HeartbeatInterval)
		newStatus := StatusHealthy
		switch {
		case missed > m.cfg.FailureThreshold:
			newStatus = StatusCritical
		case missed > m.cfg.WarningThreshold:
			newStatus = StatusWarning
		}
		if newStatus == info.Status {
			continue
		}
		if newStatus == StatusCritical {
			info.ConsecutiveFailures++
		}
		transitions = append(transitions, transition{id: id, old: info.Status, new: newStatus})
		info.Status = newStatus
	}
	changeFns := append([]ChangeFunc(nil), m.onChange...)
	failureFns := append([]FailureFunc(nil), m.onFailure...)
	m.mu.Unlock()

	for _, t := range transitions {
		log.Info().
			Str("id", t.id).
			Str("from", string(t.old)).
			Str("to", string(t.new)).
			Msg("health transition")

		for _, fn := range changeFns {
			m.invokeChange(fn, t.id, t.old, t.new)
		}
		if t.new == StatusCritical {
			msg := "entity missed heartbeat failure threshold"
			m.notifications.Create(SeverityCritical, t.id, msg, nil)
			for _, fn := range failureFns {
				m.invokeFailure(fn, t.id, msg)
			}
		}
	}
}

// A failing callback is logged and must not crash the loop.
func (m *Monitor) invokeChange(fn ChangeFunc, id string, old, new Status) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("health change callback panicked")
		}
	}()
	fn(id, old, new)
}

func (m *Monitor) invokeFailure(fn FailureFunc, id, msg string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("failure callback panicked")
		}
	}()
	fn(id, msg)
}

// GetHealth returns a snapshot of one entity, or nil if untracked.
func (m *Monitor) GetHealth(id string) *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.entities[id]
	if !ok {
		return nil
	}
	copied := *info
	copied.ModelBlocks = append([]string(nil), info.ModelBlocks...)
	return &copied
}

// WorkersForNetwork returns snapshots of the workers in a network,
// optionally excluding one.
func (m *Monitor) WorkersForNetwork(networkID, excludeWorker string) []*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Info
	for _, info := range m.entities {
		if info.Kind != KindWorker || info.NetworkID != networkID || info.ID == excludeWorker {
			continue
		}
		copied := *info
		copied.ModelBlocks = append([]string(nil), info.ModelBlocks...)
		out = append(out, &copied)
	}
	return out
}

// OverallStatus returns the worst status across all tracked entities: a
// distributed system is only as healthy as its weakest component.
func (m *Monitor) OverallStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worst := StatusHealthy
	for _, info := range m.entities {
		if severity(info.Status) > severity(worst) {
			worst = info.Status
		}
	}
	return worst
}
