package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAppend_FillsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	s := NewService(repo)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	if err := s.LogForceClose(context.Background(), "c1", 5400); err != nil {
		t.Fatalf("append: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	e := evs[0]
	if e.ID == "" || !e.CreatedAt.Equal(now) {
		t.Fatalf("expected id and created_at, got %+v", e)
	}
	if e.Type != EventTypeForceClose || e.CallID != "c1" || e.ActorID != ActorReconciler {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.Metadata != `{"duration_seconds":5400}` {
		t.Fatalf("unexpected metadata %q", e.Metadata)
	}
}

func TestAppend_RequiresType(t *testing.T) {
	s := NewService(NewMemoryRepo())
	if err := s.Append(context.Background(), Event{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestNilServiceIsNoop(t *testing.T) {
	var s *Service
	if err := s.LogTokenIssued(context.Background(), "10.0.0.1", "u", "admin"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
