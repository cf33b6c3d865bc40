package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Publisher sends call lifecycle notifications to a message broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Lifecycle events carried in the topic suffix.
const (
	EventStarted = "started"
	EventEnded   = "ended"
)

// Notification is the JSON payload published for every ledger transition.
type Notification struct {
	CallID   string     `json:"call_id"`
	Event    string     `json:"event"`
	From     string     `json:"from,omitempty"`
	To       string     `json:"to,omitempty"`
	Started  time.Time  `json:"started"`
	Ended    *time.Time `json:"ended,omitempty"`
	Duration int        `json:"duration,omitempty"`

	// Source is "webhook" for ingested events and "reconciler" for sweeps.
	Source string `json:"source"`
}

// Topic builds "<prefix>/calls/<call_id>/<event>".
func Topic(prefix, callID, event string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("calls/%s/%s", callID, event)
	}
	return fmt.Sprintf("%s/calls/%s/%s", prefix, callID, event)
}

// DefaultNotifyTimeout bounds one notification. Notifications are best
// effort and run inside webhook requests.
const DefaultNotifyTimeout = time.Second

// Notifier publishes Notifications under a fixed topic prefix.
// A nil *Notifier or one without a Publisher is a no-op.
type Notifier struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
}

func NewNotifier(pub Publisher, prefix string) *Notifier {
	return &Notifier{pub: pub, prefix: prefix, timeout: DefaultNotifyTimeout}
}

// WithTimeout replaces the per-notification deadline.
func (n *Notifier) WithTimeout(d time.Duration) *Notifier {
	if d > 0 {
		n.timeout = d
	}
	return n
}

func (n *Notifier) Notify(ctx context.Context, note Notification) error {
	if n == nil || n.pub == nil {
		return nil
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.pub.Publish(ctx, Topic(n.prefix, note.CallID, note.Event), payload)
}
