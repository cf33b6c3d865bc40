package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"call-tracker/internal/audit"
	"call-tracker/internal/calls"
	"call-tracker/internal/publisher"
	"call-tracker/internal/telemetry"
	"call-tracker/pkg/retry"
)

// The sweep closes calls that started between two hours and one hour ago and
// never received an end event. Older calls are left for the monitor.
const (
	StaleAfter   = time.Hour
	SweepHorizon = 2 * time.Hour
)

// Repository is the subset of the ledger the reconciler needs.
type Repository interface {
	ListOpenStartedBetween(ctx context.Context, from, to time.Time) ([]calls.Call, error)
	CountOpenStartedBefore(ctx context.Context, before time.Time) (int, error)
	MarkEnded(ctx context.Context, id string, ended time.Time, durationSeconds int) error
}

// Reconciler force-closes stale calls.
type Reconciler struct {
	repo     Repository
	policy   retry.Policy
	log      *slog.Logger
	notifier *publisher.Notifier
	metrics  *telemetry.Metrics
	audit    *audit.Service
	clock    func() time.Time
}

type Option func(*Reconciler)

func WithRetryPolicy(p retry.Policy) Option { return func(r *Reconciler) { r.policy = p } }

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.log = l } }

func WithNotifier(n *publisher.Notifier) Option { return func(r *Reconciler) { r.notifier = n } }

func WithTelemetry(m *telemetry.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

func WithAudit(a *audit.Service) Option { return func(r *Reconciler) { r.audit = a } }

func WithClock(c func() time.Time) Option { return func(r *Reconciler) { r.clock = c } }

func New(repo Repository, opts ...Option) *Reconciler {
	r := &Reconciler{repo: repo, log: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Sweep closes every open call with now-2h <= started <= now-1h and returns
// how many it closed. The one-hour duration ceiling does not apply here.
//
// A failed candidate read is logged and reported as zero; the next tick
// retries. A failed row update is logged and skipped.
func (r *Reconciler) Sweep(ctx context.Context) int {
	now := r.clock().UTC()
	from, to := now.Add(-SweepHorizon), now.Add(-StaleAfter)

	r.log.Info("stale call sweep started", "from", from, "to", to)

	stale, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) ([]calls.Call, error) {
		return r.repo.ListOpenStartedBetween(ctx, from, to)
	})
	if err != nil {
		r.log.Error("stale call read failed", "err", err)
		r.metrics.ObserveSweep(0, 0)
		return 0
	}

	r.log.Info("stale calls found", "count", len(stale))

	closed, failed := 0, 0
	for _, c := range stale {
		secs := calls.ElapsedSeconds(c.Started, now)
		if err := r.repo.MarkEnded(ctx, c.ID, now, secs); err != nil {
			failed++
			if errors.Is(err, calls.ErrUpdateConflict) {
				r.log.Info("stale call closed concurrently, skipping", "call_id", c.ID)
				continue
			}
			r.log.Error("stale call update failed", "call_id", c.ID, "err", err)
			continue
		}
		closed++

		if err := r.audit.LogForceClose(ctx, c.ID, secs); err != nil {
			r.log.Warn("audit append failed", "call_id", c.ID, "err", err)
		}
		if err := r.notifier.Notify(ctx, publisher.Notification{
			CallID:   c.ID,
			Event:    publisher.EventEnded,
			From:     c.From,
			To:       c.To,
			Started:  c.Started,
			Ended:    &now,
			Duration: secs,
			Source:   "reconciler",
		}); err != nil {
			r.log.Warn("call notification failed", "call_id", c.ID, "err", err)
		}
	}

	r.metrics.ObserveSweep(closed, failed)
	r.log.Info("stale call sweep completed", "closed", closed, "failed", failed)
	return closed
}

// Monitor counts calls still open more than two hours after they started.
// It never mutates the ledger.
func (r *Reconciler) Monitor(ctx context.Context) (int, error) {
	before := r.clock().UTC().Add(-SweepHorizon)
	n, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (int, error) {
		return r.repo.CountOpenStartedBefore(ctx, before)
	})
	if err != nil {
		return 0, err
	}
	r.metrics.SetStaleCalls(n)
	return n, nil
}

// Run sweeps immediately and then on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("reconcile: interval must be > 0")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	r.Sweep(ctx)
	if n, err := r.Monitor(ctx); err != nil {
		r.log.Error("stale call monitor failed", "err", err)
	} else if n > 0 {
		r.log.Warn("calls open beyond sweep window", "count", n)
	}
}
