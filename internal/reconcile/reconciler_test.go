package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"call-tracker/internal/audit"
	"call-tracker/internal/calls"
	"call-tracker/internal/publisher"
	"call-tracker/pkg/retry"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func openCall(id string, age time.Duration) calls.Call {
	return calls.Call{
		ID:      id,
		From:    "+15551234567",
		To:      "+15557654321",
		Started: testNow.Add(-age),
		Status:  calls.StatusStarted,
	}
}

func newTestReconciler(repo Repository, opts ...Option) *Reconciler {
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithRetryPolicy(fastRetry),
	}, opts...)
	return New(repo, opts...)
}

func TestSweep_ClosesCallsInWindow(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("young", 30*time.Minute))
	repo.Put(openCall("stale", 90*time.Minute))
	repo.Put(openCall("ancient", 150*time.Minute))

	r := newTestReconciler(repo)
	if n := r.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 closed, got %d", n)
	}

	ctx := context.Background()
	stale, _ := repo.Get(ctx, "stale")
	if stale.Status != calls.StatusEnded {
		t.Fatalf("expected stale call ended, got %s", stale.Status)
	}
	if stale.Duration == nil || *stale.Duration != 5400 {
		t.Fatalf("expected duration 5400, got %v", stale.Duration)
	}
	if stale.Ended == nil || !stale.Ended.Equal(testNow) {
		t.Fatalf("expected ended at now, got %v", stale.Ended)
	}

	for _, id := range []string{"young", "ancient"} {
		c, _ := repo.Get(ctx, id)
		if c.Status != calls.StatusStarted || c.Ended != nil || c.Duration != nil {
			t.Fatalf("%s: expected untouched, got %+v", id, c)
		}
	}
}

func TestSweep_WindowBoundsInclusive(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("one-hour", time.Hour))
	repo.Put(openCall("two-hours", 2*time.Hour))

	r := newTestReconciler(repo)
	if n := r.Sweep(context.Background()); n != 2 {
		t.Fatalf("expected both boundary calls closed, got %d", n)
	}
}

func TestSweep_SkipsClosedCalls(t *testing.T) {
	repo := calls.NewMemoryRepo()
	c := openCall("done", 90*time.Minute)
	ended := testNow.Add(-80 * time.Minute)
	d := 600
	c.Ended, c.Duration, c.Status = &ended, &d, calls.StatusEnded
	repo.Put(c)

	r := newTestReconciler(repo)
	if n := r.Sweep(context.Background()); n != 0 {
		t.Fatalf("expected 0 closed, got %d", n)
	}
	got, _ := repo.Get(context.Background(), "done")
	if *got.Duration != 600 {
		t.Fatalf("ended call was modified: %+v", got)
	}
}

func TestSweep_RowFailureSkipped(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("a", 70*time.Minute))
	repo.Put(openCall("b", 80*time.Minute))
	repo.Put(openCall("c", 90*time.Minute))
	repo.Fault = func(op calls.Op, id string) error {
		if op == calls.OpMarkEnded && id == "b" {
			return errors.New("write failed")
		}
		return nil
	}

	r := newTestReconciler(repo)
	if n := r.Sweep(context.Background()); n != 2 {
		t.Fatalf("expected 2 closed, got %d", n)
	}
	b, _ := repo.Get(context.Background(), "b")
	if b.Status != calls.StatusStarted {
		t.Fatalf("failed row should stay open, got %s", b.Status)
	}
}

func TestSweep_ReadFailureReturnsZero(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("a", 90*time.Minute))

	var attempts int32
	repo.Fault = func(op calls.Op, _ string) error {
		if op == calls.OpListOpenStartedBetween {
			atomic.AddInt32(&attempts, 1)
			return errors.New("db down")
		}
		return nil
	}

	r := newTestReconciler(repo)
	if n := r.Sweep(context.Background()); n != 0 {
		t.Fatalf("expected 0 closed, got %d", n)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 read attempts, got %d", got)
	}
}

func TestSweep_LosesRaceToEndEvent(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("raced", 90*time.Minute))

	// An end event lands between the candidate read and the update.
	repo.Fault = func(op calls.Op, id string) error {
		if op == calls.OpMarkEnded && id == "raced" {
			repo.Fault = nil
			if err := repo.MarkEnded(context.Background(), id, testNow.Add(-time.Minute), 120); err != nil {
				t.Errorf("concurrent end: %v", err)
			}
		}
		return nil
	}

	r := newTestReconciler(repo)
	if n := r.Sweep(context.Background()); n != 0 {
		t.Fatalf("expected 0 closed, got %d", n)
	}
	c, _ := repo.Get(context.Background(), "raced")
	if c.Duration == nil || *c.Duration != 120 {
		t.Fatalf("first writer should win, got %+v", c)
	}
}

func TestSweep_PublishesEnded(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("stale", 90*time.Minute))

	rec := publisher.NewRecorder()
	r := newTestReconciler(repo, WithNotifier(publisher.NewNotifier(rec, "tracker")))
	r.Sweep(context.Background())

	sent := rec.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Topic != "tracker/calls/stale/ended" {
		t.Fatalf("unexpected topic %q", sent[0].Topic)
	}
	if note := sent[0].Note; note.Source != "reconciler" || note.Duration != 5400 {
		t.Fatalf("unexpected notification %+v", note)
	}
}

func TestMonitor_CountsOnlyOlderThanHorizon(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("young", 30*time.Minute))
	repo.Put(openCall("stale", 90*time.Minute))
	repo.Put(openCall("old-1", 150*time.Minute))
	repo.Put(openCall("old-2", 48*time.Hour))

	closed := openCall("old-closed", 5*time.Hour)
	ended := testNow.Add(-4 * time.Hour)
	d := 3600
	closed.Ended, closed.Duration, closed.Status = &ended, &d, calls.StatusEnded
	repo.Put(closed)

	r := newTestReconciler(repo)
	n, err := r.Monitor(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}

	// Monitor is read-only.
	c, _ := repo.Get(context.Background(), "old-1")
	if c.Status != calls.StatusStarted {
		t.Fatalf("monitor modified a call: %+v", c)
	}
}

func TestMonitor_ReadFailure(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Fault = func(op calls.Op, _ string) error {
		if op == calls.OpCountOpenStartedBefore {
			return errors.New("db down")
		}
		return nil
	}

	r := newTestReconciler(repo)
	if _, err := r.Monitor(context.Background()); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected db error, got %v", err)
	}
}

func TestRun_SweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("stale", 90*time.Minute))

	r := newTestReconciler(repo)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Hour) }()

	deadline := time.After(2 * time.Second)
	for {
		c, _ := repo.Get(context.Background(), "stale")
		if c.Status == calls.StatusEnded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial sweep did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_RejectsNonPositiveInterval(t *testing.T) {
	r := newTestReconciler(calls.NewMemoryRepo())
	if err := r.Run(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestSweep_AuditsForceClose(t *testing.T) {
	repo := calls.NewMemoryRepo()
	repo.Put(openCall("stale", 90*time.Minute))
	repo.Put(openCall("young", 10*time.Minute))

	trail := audit.NewMemoryRepo()
	r := newTestReconciler(repo, WithAudit(audit.NewService(trail)))
	r.Sweep(context.Background())

	evs := trail.Events()
	if len(evs) != 1 || evs[0].CallID != "stale" || evs[0].Type != audit.EventTypeForceClose {
		t.Fatalf("unexpected audit trail %+v", evs)
	}
}
