package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMonitor() (*Monitor, *clock.Mock) {
	mock := clock.NewMock()
	m := NewMonitor(Config{
		HeartbeatInterval: 10 * time.Second,
		WarningThreshold:  2,
		FailureThreshold:  5,
	}, mock)
	return m, mock
}

func TestSample_ThresholdTransitions(t *testing.T) {
	m, mock := testMonitor()
	m.TrackWorker("w-1", "net-1", []string{"b-1"})

	// Fresh heartbeat keeps the worker healthy.
	m.Heartbeat("w-1", 5*time.Millisecond, 0.2)
	m.Sample()
	assert.Equal(t, StatusHealthy, m.GetHealth("w-1").Status)

	// Two missed intervals is still within the warning threshold.
	mock.Add(20 * time.Second)
	m.Sample()
	assert.Equal(t, StatusHealthy, m.GetHealth("w-1").Status)

	// Three missed intervals crosses into warning.
	mock.Add(10 * time.Second)
	m.Sample()
	assert.Equal(t, StatusWarning, m.GetHealth("w-1").Status)

	// Six missed intervals crosses into critical.
	mock.Add(30 * time.Second)
	m.Sample()
	info := m.GetHealth("w-1")
	assert.Equal(t, StatusCritical, info.Status)
	assert.Equal(t, 1, info.ConsecutiveFailures)

	// A heartbeat restores the worker on the next pass.
	m.Heartbeat("w-1", time.Millisecond, 0.1)
	m.Sample()
	assert.Equal(t, StatusHealthy, m.GetHealth("w-1").Status)
}

func TestSample_FiresCallbacksOnTransition(t *testing.T) {
	m, mock := testMonitor()
	m.TrackWorker("w-1", "net-1", nil)
	m.Heartbeat("w-1", 0, 0)

	var mu sync.Mutex
	var changes [][2]Status
	var failures []string
	m.OnHealthChange(func(id string, old, new Status) {
		mu.Lock()
		changes = append(changes, [2]Status{old, new})
		mu.Unlock()
	})
	m.OnFailure(func(id, message string) {
		mu.Lock()
		failures = append(failures, id)
		mu.Unlock()
	})

	m.Sample() // unknown -> healthy
	mock.Add(time.Minute)
	m.Sample() // healthy -> critical

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, [2]Status{StatusUnknown, StatusHealthy}, changes[0])
	assert.Equal(t, [2]Status{StatusHealthy, StatusCritical}, changes[1])
	assert.Equal(t, []string{"w-1"}, failures)
}

func TestSample_CriticalCreatesNotification(t *testing.T) {
	m, mock := testMonitor()
	m.TrackNetwork("net-1")

	mock.Add(time.Minute)
	m.Sample()

	notes := m.Notifications().List()
	require.Len(t, notes, 1)
	assert.Equal(t, SeverityCritical, notes[0].Severity)
	assert.Equal(t, "net-1", notes[0].Source)
	assert.False(t, notes[0].Acknowledged)
}

func TestSample_CallbackPanicIsolated(t *testing.T) {
	m, mock := testMonitor()
	m.TrackWorker("w-1", "net-1", nil)
	m.OnHealthChange(func(id string, old, new Status) {
		panic("bad subscriber")
	})
	m.OnFailure(func(id, message string) {
		panic("worse subscriber")
	})

	mock.Add(time.Minute)
	m.Sample()
	assert.Equal(t, StatusCritical, m.GetHealth("w-1").Status)
}

func TestOverallStatus_WorstOf(t *testing.T) {
	m, mock := testMonitor()
	assert.Equal(t, StatusHealthy, m.OverallStatus())

	m.TrackWorker("w-ok", "net-1", nil)
	m.TrackWorker("w-warn", "net-1", nil)
	m.TrackWorker("w-dead", "net-1", nil)

	// At sampling time: w-ok missed 1 interval, w-warn missed 3,
	// w-dead missed 9.
	mock.Add(55 * time.Second)
	m.Heartbeat("w-warn", 0, 0)
	mock.Add(25 * time.Second)
	m.Heartbeat("w-ok", 0, 0)
	mock.Add(10 * time.Second)
	m.Sample()

	assert.Equal(t, StatusHealthy, m.GetHealth("w-ok").Status)
	assert.Equal(t, StatusWarning, m.GetHealth("w-warn").Status)
	assert.Equal(t, StatusCritical, m.GetHealth("w-dead").Status)
	assert.Equal(t, StatusCritical, m.OverallStatus())

	m.Untrack("w-dead")
	assert.Equal(t, StatusWarning, m.OverallStatus())
}

func TestWorkersForNetwork(t *testing.T) {
	m, _ := testMonitor()
	m.TrackWorker("w-1", "net-1", []string{"b-1", "b-2"})
	m.TrackWorker("w-2", "net-1", nil)
	m.TrackWorker("w-3", "net-2", nil)
	m.TrackNetwork("net-1")

	workers := m.WorkersForNetwork("net-1", "w-2")
	require.Len(t, workers, 1)
	assert.Equal(t, "w-1", workers[0].ID)
	assert.Equal(t, []string{"b-1", "b-2"}, workers[0].ModelBlocks)

	// Snapshots are copies; mutating them does not touch the monitor.
	workers[0].ModelBlocks[0] = "tampered"
	assert.Equal(t, "b-1", m.GetHealth("w-1").ModelBlocks[0])
}

func TestRecordRequest(t *testing.T) {
	m, _ := testMonitor()
	m.TrackWorker("w-1", "net-1", nil)

	m.RecordRequest("w-1", false)
	m.RecordRequest("w-1", true)
	m.RecordRequest("w-1", false)

	info := m.GetHealth("w-1")
	assert.Equal(t, int64(3), info.RequestCount)
	assert.Equal(t, int64(1), info.ErrorCount)
}

func TestGetHealth_Untracked(t *testing.T) {
	m, _ := testMonitor()
	assert.Nil(t, m.GetHealth("nope"))
}

func TestNotificationLog_Acknowledge(t *testing.T) {
	l := NewNotificationLog(clock.NewMock())

	id := l.Create(SeverityWarning, "w-1", "slow heartbeats", map[string]string{"missed": "3"})
	l.Create(SeverityInfo, "system", "startup", nil)

	assert.Len(t, l.Unacknowledged(), 2)
	assert.True(t, l.Acknowledge(id, "admin-1"))
	assert.False(t, l.Acknowledge("nope", "admin-1"))

	remaining := l.Unacknowledged()
	require.Len(t, remaining, 1)
	assert.Equal(t, "system", remaining[0].Source)

	for _, n := range l.List() {
		if n.NotificationID == id {
			assert.True(t, n.Acknowledged)
			assert.Equal(t, "admin-1", n.AcknowledgedBy)
		}
	}
}

type recordingNotificationSink struct {
	mu    sync.Mutex
	saved []*Notification
}

func (s *recordingNotificationSink) SaveNotification(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, n)
	return nil
}

func TestNotificationLog_SinkReceivesWrites(t *testing.T) {
	l := NewNotificationLog(clock.NewMock())
	sink := &recordingNotificationSink{}
	l.SetSink(sink)

	id := l.Create(SeverityCritical, "w-1", "worker failed", nil)

	sink.mu.Lock()
	require.Len(t, sink.saved, 1)
	assert.Equal(t, id, sink.saved[0].NotificationID)
	assert.False(t, sink.saved[0].Acknowledged)
	sink.mu.Unlock()

	// Acknowledgement persists the updated record.
	require.True(t, l.Acknowledge(id, "admin-1"))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.saved, 2)
	assert.True(t, sink.saved[1].Acknowledged)
	assert.Equal(t, "admin-1", sink.saved[1].AcknowledgedBy)
}
