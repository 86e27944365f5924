package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"jobkeeper/pkg/job"
)

// OverlapPolicy decides what a scheduled firing does while the previous
// run of the same job is still in flight.
type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops the firing; no execution record is written.
	OverlapSkipIfRunning OverlapPolicy = iota
	// OverlapAllow starts another run concurrently.
	OverlapAllow
)

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "skip"
}

// ParseOverlap accepts "skip" (default) and "allow".
func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip", "skip_if_running":
		return OverlapSkipIfRunning, nil
	case "allow":
		return OverlapAllow, nil
	default:
		return 0, errors.Newf("overlap must be skip or allow, got %q", s)
	}
}

const (
	DefaultMaxConsecutiveFailures = 3
	DefaultHistoryLimit           = 10
	DefaultHistoryLimitMax        = 1000
	DefaultReconcileInterval      = 30 * time.Second
)

// Config is the runtime configuration of the scheduler. Apply swaps it.
type Config struct {
	Timezone               string // IANA name; empty means Local
	Overlap                OverlapPolicy
	DefaultTimeout         time.Duration // per run; 0 means none
	MaxConsecutiveFailures int           // default for jobs without a FailurePolicy
	HistoryLimitMax        int
	// ReconcileInterval is how often timers are paused or resumed to match
	// the enabled flags in the store.
	ReconcileInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.HistoryLimitMax <= 0 {
		c.HistoryLimitMax = DefaultHistoryLimitMax
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// JobStatus is the administrative view of one job: the persisted definition
// without its implementation reference, plus live timer and run state.
type JobStatus struct {
	JobID         string
	JobName       string
	ScheduleType  job.Kind
	ScheduleValue string
	Enabled       bool

	LastRunAt         *time.Time
	LastSuccessfulRun *time.Time
	LastAttemptedRun  *time.Time

	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	AutoRetryOnStartup     bool
	Metadata               map[string]any
	CreatedAt              time.Time
	UpdatedAt              time.Time

	// Loaded is false when no implementation is registered in this process.
	Loaded bool
	// Armed is true when a timer exists; Active when it is firing. Every
	// registered job is armed; disabled ones are paused.
	Armed     bool
	Active    bool
	TimerSpec string
	Coarsened bool
	NextRun   time.Time
	PrevRun   time.Time
	Running   int
	Skipped   uint64
}

// runState is the per-job lease gating overlapping runs.
type runState struct {
	mu       sync.Mutex
	inflight int
	skipped  uint64
	skipLog  rate.Sometimes
}

func newRunState() *runState {
	return &runState{skipLog: rate.Sometimes{First: 1, Interval: skipLogInterval}}
}

// tryAcquire takes the lease only when nothing is in flight.
func (r *runState) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight > 0 {
		return false
	}
	r.inflight++
	return true
}

// acquire takes the lease unconditionally.
func (r *runState) acquire() {
	r.mu.Lock()
	r.inflight++
	r.mu.Unlock()
}

func (r *runState) release() {
	r.mu.Lock()
	if r.inflight > 0 {
		r.inflight--
	}
	r.mu.Unlock()
}

func (r *runState) noteSkip() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
	return r.skipped
}

func (r *runState) snapshot() (inflight int, skipped uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight, r.skipped
}
