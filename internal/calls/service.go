package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"call-tracker/internal/publisher"
	"call-tracker/internal/telemetry"
)

// Store is the subset of Repository the ingestion service writes through.
type Store interface {
	Insert(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	MarkEnded(ctx context.Context, id string, ended time.Time, durationSeconds int) error
}

// EventType discriminates webhook envelopes.
type EventType string

const (
	EventCallStarted EventType = "call_started"
	EventCallEnded   EventType = "call_ended"
)

// Event is the webhook envelope as received. Timestamps stay raw here and are
// parsed by the handlers in validation order.
type Event struct {
	CallID  string    `json:"call_id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Started string    `json:"started,omitempty"`
	Ended   string    `json:"ended,omitempty"`
	Type    EventType `json:"type"`
}

type StartCallRequest struct {
	CallID  string
	From    string
	To      string
	Started string // optional; ingestion time when empty
}

type EndCallRequest struct {
	CallID string
	Ended  string
}

// IngestResult reports what an accepted event did.
type IngestResult struct {
	Type EventType
	Call Call
	// Duration is the formatted duration for call_ended.
	Duration string
}

// Service applies call lifecycle events to the ledger.
//
// Invariants enforced here:
// - an id is inserted once; a repeat start is ErrDuplicateCallID
// - an end event moves started -> ended exactly once, with 0 <= duration <= MaxDurationSeconds
// - a rejected end event leaves the row untouched
//
// There is no in-process locking. Concurrent enders are arbitrated by the
// store's conditional update.
type Service struct {
	repo     Store
	log      *slog.Logger
	notifier *publisher.Notifier
	metrics  *telemetry.Metrics
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithNotifier(n *publisher.Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithTelemetry(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(c func() time.Time) Option { return func(s *Service) { s.clock = c } }

func NewService(repo Store, opts ...Option) *Service {
	s := &Service{repo: repo, log: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Ingest validates the envelope and dispatches on its type. Both numbers are
// checked before anything else, for every event type.
func (s *Service) Ingest(ctx context.Context, ev Event) (IngestResult, error) {
	res, err := s.ingest(ctx, ev)
	outcome := "ok"
	if err != nil {
		outcome = Classify(err).String()
	}
	s.metrics.ObserveEvent(ev.Type.label(), outcome)
	return res, err
}

// label is the metric label for t. Unrecognised types share one label so
// request bodies cannot mint new series.
func (t EventType) label() string {
	switch t {
	case EventCallStarted, EventCallEnded:
		return string(t)
	default:
		return "unknown"
	}
}

func (s *Service) ingest(ctx context.Context, ev Event) (IngestResult, error) {
	if err := validateNumbers(ev.From, ev.To); err != nil {
		return IngestResult{}, err
	}

	switch ev.Type {
	case EventCallStarted:
		c, err := s.HandleCallStarted(ctx, StartCallRequest{
			CallID:  ev.CallID,
			From:    ev.From,
			To:      ev.To,
			Started: ev.Started,
		})
		if err != nil {
			return IngestResult{}, err
		}
		return IngestResult{Type: EventCallStarted, Call: c}, nil
	case EventCallEnded:
		d, err := s.HandleCallEnded(ctx, EndCallRequest{CallID: ev.CallID, Ended: ev.Ended})
		if err != nil {
			return IngestResult{}, err
		}
		return IngestResult{Type: EventCallEnded, Call: Call{ID: ev.CallID}, Duration: d}, nil
	default:
		return IngestResult{}, fmt.Errorf("%w: %q", ErrInvalidEventType, ev.Type)
	}
}

// HandleCallStarted inserts a new open call.
func (s *Service) HandleCallStarted(ctx context.Context, req StartCallRequest) (Call, error) {
	if err := validateNumbers(req.From, req.To); err != nil {
		return Call{}, err
	}
	if strings.TrimSpace(req.CallID) == "" {
		return Call{}, fmt.Errorf("%w: call_id", ErrMissingField)
	}

	started := s.clock().UTC()
	if req.Started != "" {
		t, err := ParseTimestamp(req.Started)
		if err != nil {
			return Call{}, err
		}
		started = t
	}

	c := Call{
		ID:      req.CallID,
		From:    req.From,
		To:      req.To,
		Started: started,
		Status:  StatusStarted,
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateCallID) || errors.Is(err, ErrPhoneNumberTooLong) {
			return Call{}, err
		}
		s.log.Error("call insert failed", "call_id", req.CallID, "err", err)
		return Call{}, err
	}

	s.notify(ctx, publisher.Notification{
		CallID:  c.ID,
		Event:   publisher.EventStarted,
		From:    c.From,
		To:      c.To,
		Started: c.Started,
		Source:  "webhook",
	})
	return c, nil
}

// HandleCallEnded closes an open call and returns the formatted duration.
func (s *Service) HandleCallEnded(ctx context.Context, req EndCallRequest) (string, error) {
	if strings.TrimSpace(req.CallID) == "" {
		return "", fmt.Errorf("%w: call_id", ErrMissingField)
	}

	c, err := s.repo.Get(ctx, req.CallID)
	if err != nil {
		return "", err
	}
	if !c.CanEnd() {
		if c.Status == StatusEnded {
			return "", ErrAlreadyEnded
		}
		return "", fmt.Errorf("%w: call is %s", ErrUpdateConflict, c.Status)
	}

	ended, err := ParseTimestamp(req.Ended)
	if err != nil {
		return "", err
	}

	secs, err := ComputeDuration(c.Started, ended)
	if err != nil {
		var tooLong *DurationTooLongError
		switch {
		case errors.Is(err, ErrNegativeDuration):
			return "", ErrInvalidDuration
		case errors.As(err, &tooLong):
			s.log.Warn("call duration exceeds maximum",
				"call_id", c.ID,
				"duration_seconds", tooLong.Seconds,
				"max_seconds", MaxDurationSeconds,
				"started", c.Started,
				"ended", ended)
			return "", &DurationExceededError{CallID: c.ID, Seconds: tooLong.Seconds}
		default:
			return "", err
		}
	}

	if err := s.repo.MarkEnded(ctx, c.ID, ended, secs); err != nil {
		return "", err
	}

	s.notify(ctx, publisher.Notification{
		CallID:   c.ID,
		Event:    publisher.EventEnded,
		From:     c.From,
		To:       c.To,
		Started:  c.Started,
		Ended:    &ended,
		Duration: secs,
		Source:   "webhook",
	})
	return FormatDuration(secs), nil
}

func (s *Service) notify(ctx context.Context, n publisher.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("call notification failed", "call_id", n.CallID, "event", n.Event, "err", err)
	}
}

func validateNumbers(from, to string) error {
	if !ValidPhoneNumber(from) || !ValidPhoneNumber(to) {
		return ErrInvalidPhoneNumber
	}
	return nil
}
