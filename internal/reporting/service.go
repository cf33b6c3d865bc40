package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-tracker/internal/calls"
	"call-tracker/pkg/retry"

	"golang.org/x/sync/errgroup"
)

var ErrMetricsUnavailable = errors.New("reporting: metrics unavailable")

// Repository abstracts the ledger reads used for metrics.
type Repository interface {
	CountCalls(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, s calls.Status) (int, error)
	ListDurations(ctx context.Context) ([]int, error)
}

// Service derives metrics from the ledger on every call. Nothing is cached.
type Service struct {
	repo   Repository
	policy retry.Policy
	log    *slog.Logger
}

func NewService(repo Repository, policy retry.Policy, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, policy: policy, log: log}
}

// ComputeMetrics runs the four ledger reads concurrently and waits for all of
// them. Any failure fails the attempt; the attempt as a whole is retried per
// policy. Partial results are never returned.
func (s *Service) ComputeMetrics(ctx context.Context) (Snapshot, error) {
	if s.repo == nil {
		return Snapshot{}, errors.New("reporting: repository not configured")
	}

	policy := s.policy
	policy.OnRetry = func(err error, next time.Duration) {
		s.log.Warn("metrics query failed, retrying", "err", err, "next", next)
	}

	snap, err := retry.DoValue(ctx, policy, s.compute)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrMetricsUnavailable, err)
	}
	return snap, nil
}

func (s *Service) compute(ctx context.Context) (Snapshot, error) {
	var (
		total, failed, pending int
		durations              []int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.repo.CountCalls(gctx)
		if err != nil {
			return fmt.Errorf("count calls: %w", err)
		}
		total = n
		return nil
	})
	g.Go(func() error {
		n, err := s.repo.CountByStatus(gctx, calls.StatusFailed)
		if err != nil {
			return fmt.Errorf("count failed calls: %w", err)
		}
		failed = n
		return nil
	})
	g.Go(func() error {
		n, err := s.repo.CountByStatus(gctx, calls.StatusStarted)
		if err != nil {
			return fmt.Errorf("count pending calls: %w", err)
		}
		pending = n
		return nil
	})
	g.Go(func() error {
		d, err := s.repo.ListDurations(gctx)
		if err != nil {
			return fmt.Errorf("list durations: %w", err)
		}
		durations = d
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	return summarize(total, failed, pending, durations), nil
}

func summarize(total, failed, pending int, durations []int) Snapshot {
	out := Snapshot{TotalCalls: total, FailedCalls: failed, PendingCalls: pending}
	if total > 0 {
		out.ErrorRate = float64(failed) / float64(total) * 100
	}
	if len(durations) == 0 {
		return out
	}

	sum := 0
	out.MinDuration = durations[0]
	out.MaxDuration = durations[0]
	for _, d := range durations {
		sum += d
		if d < out.MinDuration {
			out.MinDuration = d
		}
		if d > out.MaxDuration {
			out.MaxDuration = d
		}
	}
	out.AverageDuration = float64(sum) / float64(len(durations))
	return out
}
