package calls

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Call is one row of the calls ledger.
//
// Invariants:
// - ID is caller-supplied and unique for the lifetime of the row.
// - Ended and Duration are set together, exactly once, when Status becomes ended.
// - Once ended the row is never mutated again.
type Call struct {
	ID   string `json:"id" db:"id"`
	From string `json:"from_number" db:"from_number"`
	To   string `json:"to_number" db:"to_number"`

	Started time.Time  `json:"started" db:"started"`
	Ended   *time.Time `json:"ended,omitempty" db:"ended"`

	// Duration is whole seconds between Started and Ended.
	Duration *int `json:"duration,omitempty" db:"duration"`

	Status Status `json:"status" db:"status"`
}

// CanEnd reports whether the call may still transition to ended.
func (c Call) CanEnd() bool {
	switch c.Status {
	case StatusStarted:
		return true
	case StatusEnded, StatusFailed:
		return false
	default:
		return false
	}
}

// Status is the lifecycle state of a call. The zero value is invalid.
type Status uint8

const (
	StatusStarted Status = iota + 1
	StatusEnded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusEnded, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseStatus maps the stored representation back to a Status.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "started":
		return StatusStarted, nil
	case "ended":
		return StatusEnded, nil
	case "failed":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("calls: unknown status %q", v)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("calls: invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer so Status is stored as text.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("calls: invalid status %d", uint8(s))
	}
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("calls: cannot scan %T into Status", src)
	}
}
