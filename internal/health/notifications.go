package health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Severity levels for admin notifications.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notification is an immutable admin notification record.
// Acknowledgement is advisory bookkeeping; it never affects health state.
type Notification struct {
	NotificationID string            `json:"notification_id"`
	Severity       string            `json:"severity"`
	Source         string            `json:"source"`
	Message        string            `json:"message"`
	Details        map[string]string `json:"details,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
}

// NotificationSink persists notifications and acknowledgement updates,
// e.g. to the control-plane database. Persistence failures are logged,
// not fatal.
type NotificationSink interface {
	SaveNotification(ctx context.Context, n *Notification) error
}

// NotificationLog is the ordered admin notification feed.
type NotificationLog struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries []*Notification
	sink    NotificationSink
}

// NewNotificationLog creates an empty feed.
func NewNotificationLog(clk clock.Clock) *NotificationLog {
	if clk == nil {
		clk = clock.New()
	}
	return &NotificationLog{clock: clk}
}

// SetSink installs a persistence sink for the feed.
func (l *NotificationLog) SetSink(sink NotificationSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Create appends a notification and returns its ID.
func (l *NotificationLog) Create(severity, source, message string, details map[string]string) string {
	n := &Notification{
		NotificationID: uuid.New().String(),
		Severity:       severity,
		Source:         source,
		Message:        message,
		Details:        details,
	}

	l.mu.Lock()
	n.Timestamp = l.clock.Now()
	l.entries = append(l.entries, n)
	sink := l.sink
	copied := *n
	l.mu.Unlock()

	l.persist(sink, &copied)
	return n.NotificationID
}

// Acknowledge marks a notification acknowledged by an admin. Returns
// false for unknown IDs.
func (l *NotificationLog) Acknowledge(notificationID, adminID string) bool {
	l.mu.Lock()
	var acked *Notification
	for _, n := range l.entries {
		if n.NotificationID == notificationID {
			n.Acknowledged = true
			n.AcknowledgedBy = adminID
			copied := *n
			acked = &copied
			break
		}
	}
	sink := l.sink
	l.mu.Unlock()

	if acked == nil {
		return false
	}
	l.persist(sink, acked)
	return true
}

func (l *NotificationLog) persist(sink NotificationSink, n *Notification) {
	if sink == nil {
		return
	}
	if err := sink.SaveNotification(context.Background(), n); err != nil {
		log.Warn().Err(err).Str("notification_id", n.NotificationID).Msg("failed to persist notification")
	}
}

// List returns the feed in creation order.
func (l *NotificationLog) List() []*Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Notification, len(l.entries))
	for i, n := range l.entries {
		copied := *n
		out[i] = &copied
	}
	return out
}

// Unacknowledged returns pending notifications in creation order.
func (l *NotificationLog) Unacknowledged() []*Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Notification
	for _, n := range l.entries {
		if !n.Acknowledged {
			copied := *n
			out = append(out, &copied)
		}
	}
	return out
}
