package computation

import (
	"errors"
	"fmt"

	"cascade/internal/domain"
)

var (
	ErrInvalidStream      = errors.New("invalid stream")
	ErrContextFinalized   = errors.New("computation context already finalized")
	ErrInvalidTopology    = errors.New("invalid topology")
	ErrInvalidPolicy      = errors.New("invalid computation policy")
	ErrUnknownComputation = errors.New("unknown computation")
)

// InvalidStreamError is returned when a computation produces onto a stream it
// did not declare as an output.
type InvalidStreamError struct {
	Computation string
	Stream      string
}

func (e *InvalidStreamError) Error() string {
	return fmt.Sprintf("computation %s: stream %q is not a declared output", e.Computation, e.Stream)
}

func (e *InvalidStreamError) Unwrap() error { return ErrInvalidStream }

// Failure is a handler or flush error that exhausted its retries.
type Failure struct {
	Computation string
	// Stream is the physical input stream, empty for timers and flushes.
	Stream   string
	Offset   domain.LogOffset
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	if f.Stream == "" {
		return fmt.Sprintf("computation %s failed after %d attempt(s): %v", f.Computation, f.Attempts, f.Err)
	}
	return fmt.Sprintf("computation %s failed on %s after %d attempt(s): %v", f.Computation, f.Offset, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
