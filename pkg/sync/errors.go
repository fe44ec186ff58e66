// pkg/sync/errors.go
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/openroll/datasync/pkg/conflict"
	"github.com/openroll/datasync/pkg/load"
	"github.com/openroll/datasync/pkg/typehandler"
)

// ErrJobAlreadyRunning guards the one-job-per-pair rule: a second sync
// over the same source/target pair is rejected while the first runs.
var ErrJobAlreadyRunning = errors.New("a job is already running for this source/target pair")

// ErrJobNotCancellable is returned when cancelling a job already in a
// terminal state.
var ErrJobNotCancellable = errors.New("job is not running")

// ValidationError is a rule violation surfaced as a batch failure in fail
// mode. It reproduces on retry, so it is never retried.
type ValidationError struct {
	Table string
	PK    map[string]any
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s pk %v: field %s violates %s", e.Table, e.PK, e.Field, e.Rule)
}

// BatchError wraps a batch failure with its position for the job record.
type BatchError struct {
	Table string
	Batch int
	Cause error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("table %s batch %d: %v", e.Table, e.Batch, e.Cause)
}

func (e *BatchError) Unwrap() error { return e.Cause }

// Retryable reports whether a batch failure is worth retrying. Data errors
// (coercion, constraint violations, resolution failures) reproduce on every
// attempt; transient transport and database failures do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ce *typehandler.CoercionError
	if errors.As(err, &ce) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ie *load.IntegrityError
	if errors.As(err, &ie) {
		return false
	}
	var re *conflict.ResolutionError
	if errors.As(err, &re) {
		return false
	}

	return true
}
