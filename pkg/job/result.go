package job

import "fmt"

// Status is the final state of one run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is what Run reports back.
//
// Use Done, Processed or Failed to build one; the zero value is a success
// without a count.
type Result struct {
	failed   bool
	count    int
	hasCount bool
	err      error
}

// Done reports success without a count.
func Done() Result { return Result{} }

// Processed reports success with the number of records handled.
func Processed(n int) Result { return Result{count: n, hasCount: true} }

// Failed reports a failure. A nil err still fails, with a generic reason.
func Failed(err error) Result {
	if err == nil {
		err = fmt.Errorf("job failed")
	}
	return Result{failed: true, err: err}
}

func (r Result) Status() Status {
	if r.failed {
		return StatusFailed
	}
	return StatusSuccess
}

func (r Result) Failed() bool { return r.failed }

// Count returns the processed count and whether one was reported.
func (r Result) Count() (int, bool) { return r.count, r.hasCount }

// Err is the failure reason (nil on success).
func (r Result) Err() error { return r.err }

func (r Result) String() string {
	switch {
	case r.failed:
		return "failed: " + r.err.Error()
	case r.hasCount:
		return fmt.Sprintf("success (%d processed)", r.count)
	default:
		return "success"
	}
}
