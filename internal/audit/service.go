package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information. A nil *Service records nothing.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to dashboard users.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil {
		return nil
	}
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogForceClose records a stale call closed by the reconciler.
func (s *Service) LogForceClose(ctx context.Context, callID string, durationSeconds int) error {
	return s.Append(ctx, Event{
		Type:     EventTypeForceClose,
		ActorID:  ActorReconciler,
		CallID:   callID,
		Message:  "stale call force-closed",
		Metadata: metadata(map[string]any{"duration_seconds": durationSeconds}),
	})
}

// LogSweepTriggered records a sweep requested over HTTP.
func (s *Service) LogSweepTriggered(ctx context.Context, ip string, closed int) error {
	return s.Append(ctx, Event{
		Type:      EventTypeSweepTriggered,
		ActorID:   "api_key",
		IPAddress: ip,
		Message:   fmt.Sprintf("sweep closed %d calls", closed),
		Metadata:  metadata(map[string]any{"closed": closed}),
	})
}

// LogTokenIssued records a dashboard token pair handed out.
func (s *Service) LogTokenIssued(ctx context.Context, ip, userID, role string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeTokenIssued,
		ActorID:   userID,
		ActorRole: role,
		IPAddress: ip,
		Message:   "dashboard token issued",
	})
}

func metadata(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
