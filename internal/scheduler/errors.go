package scheduler

import (
	"github.com/cockroachdb/errors"

	"jobkeeper/internal/schedule"
	"jobkeeper/internal/storage"
)

var (
	// ErrNotFound: no persisted definition for the job id.
	ErrNotFound = errors.New("job not found")
	// ErrModuleNotLoaded: the definition exists but no implementation was
	// registered for it in this process.
	ErrModuleNotLoaded = errors.New("job implementation not loaded")
	// ErrValidation: a job failed registration checks; nothing was persisted.
	ErrValidation = errors.New("invalid job definition")
	// ErrAlreadyRunning: a manual run was refused because the job is in flight.
	ErrAlreadyRunning = errors.New("job already running")
	// ErrScheduleParse: the schedule could not be translated. The definition
	// was persisted but no timer was armed.
	ErrScheduleParse = schedule.ErrScheduleParse
)

// ExecutionError is the failure reason recorded for a run. It wraps the
// error a job returned or the value it panicked with.
type ExecutionError struct {
	JobID    string
	Cause    error
	Panicked bool
}

func (e *ExecutionError) Error() string {
	if e.Cause == nil {
		return "job failed"
	}
	return e.Cause.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

func notFound(jobID string) error {
	return errors.Wrapf(ErrNotFound, "job %q", jobID)
}

// storeErr maps storage.ErrNotFound to ErrNotFound and adds context to the rest.
func storeErr(op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return notFound(jobID)
	}
	return errors.Wrapf(err, "%s %q", op, jobID)
}
