package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes translated at the store boundary.
const (
	pgUniqueViolation   = "23505"
	pgStringDataTooLong = "22001"
	defaultQueryTimeout = 5 * time.Second
)

// NOTE: PostgresRepo assumes the calls table from migrations/001_calls.sql.

// PostgresRepo is the Repository backed by Postgres through database/sql
// (pgx stdlib driver). Every call is bounded by the configured query timeout.
type PostgresRepo struct {
	db           *sql.DB
	queryTimeout time.Duration
}

var _ Repository = (*PostgresRepo)(nil)

func NewPostgresRepo(db *sql.DB, queryTimeout time.Duration) *PostgresRepo {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &PostgresRepo{db: db, queryTimeout: queryTimeout}
}

func (r *PostgresRepo) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.queryTimeout)
}

func (r *PostgresRepo) Insert(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (id, from_number, to_number, started, status)
VALUES ($1, $2, $3, $4, $5)
`
	ctx, cancel := r.bound(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, q, c.ID, c.From, c.To, c.Started.UTC(), c.Status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return ErrDuplicateCallID
			case pgStringDataTooLong:
				return ErrPhoneNumberTooLong
			}
		}
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	const q = `
SELECT id, from_number, to_number, started, ended, duration, status
FROM calls
WHERE id = $1
`
	ctx, cancel := r.bound(ctx)
	defer cancel()

	c, err := scanCall(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrCallNotFound
		}
		return Call{}, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

func (r *PostgresRepo) MarkEnded(ctx context.Context, id string, ended time.Time, durationSeconds int) error {
	// The status predicate makes this a compare-and-set: at most one writer
	// moves a given call to ended.
	const q = `
UPDATE calls
SET ended = $2, duration = $3, status = 'ended'
WHERE id = $1 AND status = 'started'
`
	ctx, cancel := r.bound(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, q, id, ended.UTC(), durationSeconds)
	if err != nil {
		return fmt.Errorf("mark call ended: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark call ended: %w", err)
	}
	if n == 0 {
		return ErrUpdateConflict
	}
	return nil
}

func (r *PostgresRepo) ListOpenStartedBetween(ctx context.Context, from, to time.Time) ([]Call, error) {
	const q = `
SELECT id, from_number, to_number, started, ended, duration, status
FROM calls
WHERE status = 'started' AND started >= $1 AND started <= $2
ORDER BY started
`
	ctx, cancel := r.bound(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, q, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale calls: %w", err)
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale calls: %w", err)
	}
	return out, nil
}

func (r *PostgresRepo) CountOpenStartedBefore(ctx context.Context, before time.Time) (int, error) {
	const q = `SELECT count(*) FROM calls WHERE status = 'started' AND started < $1`
	return r.count(ctx, q, before.UTC())
}

func (r *PostgresRepo) CountCalls(ctx context.Context) (int, error) {
	const q = `SELECT count(*) FROM calls`
	return r.count(ctx, q)
}

func (r *PostgresRepo) CountByStatus(ctx context.Context, s Status) (int, error) {
	const q = `SELECT count(*) FROM calls WHERE status = $1`
	return r.count(ctx, q, s)
}

func (r *PostgresRepo) ListDurations(ctx context.Context) ([]int, error) {
	const q = `SELECT duration FROM calls WHERE duration IS NOT NULL`
	ctx, cancel := r.bound(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list durations: %w", err)
	}
	defer rows.Close()

	out := make([]int, 0)
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list durations: %w", err)
	}
	return out, nil
}

func (r *PostgresRepo) count(ctx context.Context, q string, args ...any) (int, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c        Call
		ended    sql.NullTime
		duration sql.NullInt64
	)
	if err := row.Scan(
		&c.ID,
		&c.From,
		&c.To,
		&c.Started,
		&ended,
		&duration,
		&c.Status,
	); err != nil {
		return Call{}, err
	}
	c.Started = c.Started.UTC()
	if ended.Valid {
		t := ended.Time.UTC()
		c.Ended = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		c.Duration = &d
	}
	return c, nil
}
