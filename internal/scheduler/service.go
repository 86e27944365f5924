// Package scheduler registers jobs, persists their definitions, arms their
// timers and records the outcome of every run.
//
// The store is the source of truth. Timers are a cache rebuilt by
// registration at each boot: every registered job is armed, and disabled
// ones are paused. Every firing re-reads the enabled flag from the store
// before running anything, and a reconcile loop pauses or resumes timers
// whose flag was flipped by another process.
package scheduler

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobkeeper/internal/eventbus"
	"jobkeeper/internal/runtime/supervisor"
	"jobkeeper/internal/schedule"
	"jobkeeper/internal/storage"
	"jobkeeper/internal/timer"
	"jobkeeper/pkg/issues"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

const skipLogInterval = time.Minute

var reJobID = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

type Service struct {
	mu       sync.Mutex
	cfg      Config
	registry map[string]job.Job
	leases   map[string]*runState

	log    logx.Logger
	store  storage.Store
	timers *timer.Engine
	sup    *supervisor.Supervisor
	bus    eventbus.Bus
	issues *issues.Accumulator
	now    func() time.Time

	loopStop context.CancelFunc
	loopDone chan struct{}
}

type Option func(*Service)

// WithClock replaces the wall clock used for persisted timestamps.
// Durations always use the monotonic clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithIssues makes failed runs report into acc.
func WithIssues(acc *issues.Accumulator) Option {
	return func(s *Service) { s.issues = acc }
}

func New(cfg Config, store storage.Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		registry: map[string]job.Job{},
		leases:   map[string]*runState{},
		log:      log,
		store:    store,
		bus:      eventbus.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	// Runs outlive Stop's timer shutdown; this supervisor is only waited on.
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	s.timers = timer.New(s.loadLocation(s.cfg.Timezone), log.With(logx.String("comp", "timer")))
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start begins dispatching armed timers and reconciling them with the
// store. The reconcile loop ends when ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.timers.Start()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDone != nil {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.loopStop, s.loopDone = cancel, done
	go func() {
		defer close(done)
		s.reconcileLoop(lctx)
	}()
}

// Stop halts timers, then waits (bounded by ctx) for in-flight scheduled
// runs so their records are persisted. Runs still going when ctx expires
// get their context canceled.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	cancel, done := s.loopStop, s.loopDone
	s.loopStop, s.loopDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "stop reconcile loop")
		}
	}

	if err := s.timers.Stop(ctx); err != nil {
		return errors.Wrap(err, "stop timers")
	}
	if err := s.Drain(ctx); err != nil {
		s.log.Warn("runs still in flight at stop deadline; canceling them",
			logx.Int64("in_flight", s.InFlight()))
		s.sup.Cancel()
		return errors.Wrap(err, "wait for in-flight runs")
	}
	s.log.Info("scheduler stopped",
		logx.Duration("took", time.Since(start)),
		logx.String("runs", s.sup.Counters().String()),
	)
	return nil
}

// InFlight is the number of scheduled runs that have not finished. Manual
// runs are not counted; they belong to their caller.
func (s *Service) InFlight() int64 {
	return s.sup.Counters().Active
}

// Drain waits until no scheduled run is in flight.
func (s *Service) Drain(ctx context.Context) error {
	_ = s.sup.Wait(ctx)
	return ctx.Err()
}

// Apply swaps the runtime config. A timezone change re-arms every cron
// timer in the new zone.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.mu.Unlock()

	if strings.TrimSpace(cfg.Timezone) == oldTZ {
		return
	}
	loc := s.loadLocation(cfg.Timezone)
	s.timers.SetLocation(loc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, info := range s.timers.Snapshot() {
		jobID := strings.TrimPrefix(info.Name, "job:")
		def, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			s.log.Warn("timezone re-arm: read definition failed", logx.String("job", jobID), logx.Err(err))
			continue
		}
		if def.ScheduleType != job.KindCron {
			continue
		}
		if err := s.arm(def); err != nil {
			continue
		}
		if !info.Active {
			_ = s.timers.Deactivate(info.Name)
		}
	}
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// RegisterJob persists j's definition and arms its timer. The timer of a
// disabled job is armed paused, so enabling it later (from any process
// sharing the store) only has to resume it.
//
// The enabled flag is taken from j only when the definition is created;
// afterwards the store keeps it. A schedule that cannot be translated is
// persisted anyway and reported with an error matching ErrScheduleParse.
func (s *Service) RegisterJob(ctx context.Context, j job.Job) error {
	if j == nil {
		return errors.Wrap(ErrValidation, "nil job")
	}
	spec := job.Describe(j, s.config().MaxConsecutiveFailures)
	if err := validate(spec); err != nil {
		s.log.Warn("job rejected", logx.String("job", spec.ID), logx.Err(err))
		return err
	}

	s.mu.Lock()
	s.registry[spec.ID] = j
	if _, ok := s.leases[spec.ID]; !ok {
		s.leases[spec.ID] = newRunState()
	}
	s.mu.Unlock()

	def, created, err := s.store.UpsertJob(ctx, storage.JobDefinition{
		JobID:                  spec.ID,
		JobName:                spec.Name,
		ImplRef:                spec.ID,
		ScheduleType:           spec.Kind,
		ScheduleValue:          spec.Schedule,
		Enabled:                spec.Enabled,
		MaxConsecutiveFailures: spec.MaxConsecutiveFailures,
		AutoRetryOnStartup:     spec.AutoRetryOnStartup,
		Metadata:               spec.Metadata,
		UpdatedAt:              s.now(),
	})
	if err != nil {
		err = storeErr("persist job", spec.ID, err)
		s.log.Error("job registration failed", logx.String("job", spec.ID), logx.Err(err))
		return err
	}

	s.timers.Disarm(timer.Name(spec.ID))
	s.log.Info("job registered",
		logx.String("job", def.JobID),
		logx.String("type", string(def.ScheduleType)),
		logx.String("schedule", def.ScheduleValue),
		logx.Bool("enabled", def.Enabled),
		logx.Bool("created", created),
	)
	if err := s.arm(def); err != nil {
		return err
	}
	if !def.Enabled {
		_ = s.timers.Deactivate(timer.Name(def.JobID))
	}
	return nil
}

// RegisterJobs registers each job independently and joins the errors.
func (s *Service) RegisterJobs(ctx context.Context, jobs ...job.Job) error {
	var errs []error
	for _, j := range jobs {
		if err := s.RegisterJob(ctx, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validate(spec job.Spec) error {
	switch {
	case spec.ID == "":
		return errors.Wrap(ErrValidation, "job id required")
	case !reJobID.MatchString(spec.ID):
		return errors.Wrapf(ErrValidation, "job id %q may only contain letters, digits and . _ : -", spec.ID)
	case spec.Name == "":
		return errors.Wrapf(ErrValidation, "job %q: name required", spec.ID)
	case !spec.Kind.Valid():
		return errors.Wrapf(ErrValidation, "job %q: schedule type %q must be cron or interval", spec.ID, spec.Kind)
	}
	return nil
}

// arm translates def's schedule and (re)arms its timer.
func (s *Service) arm(def storage.JobDefinition) error {
	trigger, err := schedule.Translate(def.ScheduleType, def.ScheduleValue, s.timers.Location())
	if err != nil {
		s.log.Error("schedule parse failed; job not armed",
			logx.String("job", def.JobID), logx.String("schedule", def.ScheduleValue), logx.Err(err))
		return errors.Wrapf(err, "job %q", def.JobID)
	}
	if trigger.Coarsened {
		s.log.Warn("interval below one minute runs every minute",
			logx.String("job", def.JobID), logx.String("seconds", def.ScheduleValue))
	}
	jobID := def.JobID
	if err := s.timers.Arm(timer.Name(jobID), trigger, func() { s.fire(jobID) }); err != nil {
		return errors.Wrapf(err, "arm %q", jobID)
	}
	return nil
}

func (s *Service) lookup(implRef string) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.registry[implRef]
	return j, ok
}

// runCounts reads a job's lease without creating one.
func (s *Service) runCounts(jobID string) (int, uint64) {
	s.mu.Lock()
	r, ok := s.leases[jobID]
	s.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return r.snapshot()
}

func (s *Service) lease(jobID string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.leases[jobID]
	if !ok {
		r = newRunState()
		s.leases[jobID] = r
	}
	return r
}

// fire is the timer callback. It runs on the cron goroutine and must hand
// the job off without blocking.
func (s *Service) fire(jobID string) {
	ctx := s.sup.Context()
	def, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.log.Warn("firing dropped: definition unreadable", logx.String("job", jobID), logx.Err(err))
		return
	}
	if !def.Enabled {
		s.log.Debug("firing ignored: job disabled", logx.String("job", jobID))
		return
	}
	j, ok := s.lookup(def.ImplRef)
	if !ok {
		s.log.Warn("firing dropped: implementation not loaded", logx.String("job", jobID))
		return
	}

	lease := s.lease(jobID)
	if s.config().Overlap == OverlapAllow {
		lease.acquire()
	} else if !lease.tryAcquire() {
		s.reportSkip(jobID, lease)
		return
	}
	s.sup.Go0(timer.Name(jobID), func(ctx context.Context) {
		defer lease.release()
		s.execute(ctx, jobID, j, "schedule")
	})
}

func (s *Service) reportSkip(jobID string, lease *runState) {
	n := lease.noteSkip()
	lease.skipLog.Do(func() {
		s.log.Warn("firing skipped: previous run still in flight",
			logx.String("job", jobID), logx.Int64("skipped_total", int64(n)))
	})
	s.bus.Publish(eventbus.Event{
		Type: eventbus.JobSkipped,
		Time: s.now(),
		Job:  eventbus.JobInfo{JobID: jobID, Trigger: "schedule", Reason: "overlap"},
	})
}
