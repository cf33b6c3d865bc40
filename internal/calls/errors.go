package calls

import (
	"errors"
	"fmt"
)

var (
	// Validation: user-fixable input problems.
	ErrInvalidPhoneNumber     = errors.New("invalid phone number")
	ErrPhoneNumberTooLong     = errors.New("phone number too long")
	ErrMissingField           = errors.New("missing required field")
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrInvalidDuration        = errors.New("end time before start time")
	ErrInvalidEventType       = errors.New("invalid event type")
	ErrNegativeDuration       = errors.New("negative duration")
	ErrDurationTooLong        = errors.New("duration exceeds ceiling")
	ErrDurationExceedsMaximum = errors.New("call duration exceeds maximum")

	// Conflict / not found.
	ErrDuplicateCallID = errors.New("call id already exists")
	ErrCallNotFound    = errors.New("call not found")
	ErrAlreadyEnded    = errors.New("call already ended")
	ErrUpdateConflict  = errors.New("call update conflict")
)

// DurationTooLongError is returned by ComputeDuration when the span is over
// MaxDurationSeconds.
type DurationTooLongError struct {
	Seconds int
}

func (e *DurationTooLongError) Error() string {
	return fmt.Sprintf("duration %ds exceeds %ds", e.Seconds, MaxDurationSeconds)
}

func (e *DurationTooLongError) Is(target error) bool { return target == ErrDurationTooLong }

// DurationExceededError rejects an end event whose duration is over the
// ceiling. The call stays open.
type DurationExceededError struct {
	CallID  string
	Seconds int
}

func (e *DurationExceededError) Error() string {
	return fmt.Sprintf("call %s: duration %s exceeds maximum of 1h", e.CallID, e.Formatted())
}

func (e *DurationExceededError) Is(target error) bool { return target == ErrDurationExceedsMaximum }

// Formatted is the would-be duration, for diagnostics.
func (e *DurationExceededError) Formatted() string { return FormatDuration(e.Seconds) }

// Class buckets errors for transport mapping.
type Class int

const (
	ClassInternal Class = iota
	ClassValidation
	ClassNotFound
	ClassConflict
)

// Classify maps an ingestion error to its class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrInvalidPhoneNumber),
		errors.Is(err, ErrPhoneNumberTooLong),
		errors.Is(err, ErrMissingField),
		errors.Is(err, ErrInvalidTimestamp),
		errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrDurationExceedsMaximum),
		errors.Is(err, ErrInvalidEventType):
		return ClassValidation
	case errors.Is(err, ErrCallNotFound):
		return ClassNotFound
	case errors.Is(err, ErrDuplicateCallID),
		errors.Is(err, ErrAlreadyEnded),
		errors.Is(err, ErrUpdateConflict):
		return ClassConflict
	default:
		return ClassInternal
	}
}

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	default:
		return "internal"
	}
}
