package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Op names a MemoryRepo method for fault injection.
type Op string

const (
	OpInsert                 Op = "insert"
	OpGet                    Op = "get"
	OpMarkEnded              Op = "mark_ended"
	OpListOpenStartedBetween Op = "list_open_started_between"
	OpCountOpenStartedBefore Op = "count_open_started_before"
	OpCountCalls             Op = "count_calls"
	OpCountByStatus          Op = "count_by_status"
	OpListDurations          Op = "list_durations"
)

// MemoryRepo is an in-memory Repository for tests and local development.
// It mirrors the conditional-update semantics of the Postgres store.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call

	// Fault, when set, is consulted before every operation. A non-nil
	// return is surfaced as the operation's error. callID is empty for
	// operations that are not keyed by id.
	Fault func(op Op, callID string) error
}

var _ Repository = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{calls: map[string]Call{}} }

func (r *MemoryRepo) fault(op Op, id string) error {
	if r.Fault == nil {
		return nil
	}
	return r.Fault(op, id)
}

// Put stores c as-is, bypassing validation. Test seeding only.
func (r *MemoryRepo) Put(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID] = cloneCall(c)
}

func (r *MemoryRepo) Insert(ctx context.Context, c Call) error {
	if err := r.fault(OpInsert, c.ID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; ok {
		return ErrDuplicateCallID
	}
	r.calls[c.ID] = cloneCall(c)
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	if err := r.fault(OpGet, id); err != nil {
		return Call{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return cloneCall(c), nil
}

func (r *MemoryRepo) MarkEnded(ctx context.Context, id string, ended time.Time, durationSeconds int) error {
	if err := r.fault(OpMarkEnded, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok || c.Status != StatusStarted {
		return ErrUpdateConflict
	}
	e := ended.UTC()
	d := durationSeconds
	c.Ended = &e
	c.Duration = &d
	c.Status = StatusEnded
	r.calls[id] = c
	return nil
}

func (r *MemoryRepo) ListOpenStartedBetween(ctx context.Context, from, to time.Time) ([]Call, error) {
	if err := r.fault(OpListOpenStartedBetween, ""); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range r.calls {
		if c.Status != StatusStarted {
			continue
		}
		if c.Started.Before(from) || c.Started.After(to) {
			continue
		}
		out = append(out, cloneCall(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, nil
}

func (r *MemoryRepo) CountOpenStartedBefore(ctx context.Context, before time.Time) (int, error) {
	if err := r.fault(OpCountOpenStartedBefore, ""); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Status == StatusStarted && c.Started.Before(before) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) CountCalls(ctx context.Context) (int, error) {
	if err := r.fault(OpCountCalls, ""); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls), nil
}

func (r *MemoryRepo) CountByStatus(ctx context.Context, s Status) (int, error) {
	if err := r.fault(OpCountByStatus, ""); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Status == s {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) ListDurations(ctx context.Context) ([]int, error) {
	if err := r.fault(OpListDurations, ""); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0)
	for _, c := range r.calls {
		if c.Duration != nil {
			out = append(out, *c.Duration)
		}
	}
	return out, nil
}

func cloneCall(c Call) Call {
	out := c
	if c.Ended != nil {
		e := *c.Ended
		out.Ended = &e
	}
	if c.Duration != nil {
		d := *c.Duration
		out.Duration = &d
	}
	return out
}
