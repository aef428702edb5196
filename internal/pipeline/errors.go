package pipeline

import (
	"errors"
	"fmt"

	"github.com/makeasinger/moment/internal/model"
)

// ErrAbandoned stops a run without failing it, e.g. when the job was removed
// while the pipeline was in flight. Abandoned stages are not retried.
var ErrAbandoned = errors.New("pipeline run abandoned")

// Abandon wraps reason so that errors.Is(err, ErrAbandoned) holds.
func Abandon(reason string) error {
	return fmt.Errorf("%w: %s", ErrAbandoned, reason)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried. Validation failures
// are always permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || model.IsValidation(err)
}

// StageError records which stage of which job failed.
type StageError struct {
	Stage string
	JobID string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for job %s: %v", e.Stage, e.JobID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
