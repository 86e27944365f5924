package scheduler

import (
	"context"

	"github.com/cockroachdb/errors"

	"jobkeeper/internal/storage"
	"jobkeeper/internal/timer"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

// RunNow runs the job synchronously on the caller's goroutine and returns
// the job's own result. The run is recorded like a scheduled one. Disabled
// jobs can be run manually.
func (s *Service) RunNow(ctx context.Context, jobID string) (job.Result, error) {
	def, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Result{}, s.adminErr("run", jobID, storeErr("read job", jobID, err))
	}
	j, ok := s.lookup(def.ImplRef)
	if !ok {
		return job.Result{}, s.adminErr("run", jobID, errors.Wrapf(ErrModuleNotLoaded, "job %q", jobID))
	}
	lease := s.lease(jobID)
	if s.config().Overlap == OverlapAllow {
		lease.acquire()
	} else if !lease.tryAcquire() {
		return job.Result{}, s.adminErr("run", jobID, errors.Wrapf(ErrAlreadyRunning, "job %q", jobID))
	}
	defer lease.release()
	s.log.Info("manual run requested", logx.String("job", jobID))
	return s.execute(ctx, jobID, j, "manual"), nil
}

// EnableJob sets the persisted flag and resumes the timer in this process.
// Other processes sharing the store resume theirs on their next Reconcile.
// A job whose timer is missing is armed now if its implementation is loaded.
func (s *Service) EnableJob(ctx context.Context, jobID string) error {
	if err := s.store.SetEnabled(ctx, jobID, true, s.now()); err != nil {
		return s.adminErr("enable", jobID, storeErr("enable job", jobID, err))
	}
	err := s.timers.Activate(timer.Name(jobID))
	if errors.Is(err, timer.ErrNotArmed) {
		def, gerr := s.store.GetJob(ctx, jobID)
		if gerr != nil {
			return s.adminErr("enable", jobID, storeErr("read job", jobID, gerr))
		}
		if _, ok := s.lookup(def.ImplRef); !ok {
			s.log.Warn("job enabled but implementation not loaded; no timer armed", logx.String("job", jobID))
			return nil
		}
		err = s.arm(def)
	}
	if err != nil {
		return s.adminErr("enable", jobID, err)
	}
	s.log.Info("job enabled", logx.String("job", jobID))
	return nil
}

// DisableJob clears the persisted flag and pauses the timer in this process.
// Firings elsewhere see the flag at fire time. A run already in flight is
// not canceled.
func (s *Service) DisableJob(ctx context.Context, jobID string) error {
	if err := s.store.SetEnabled(ctx, jobID, false, s.now()); err != nil {
		return s.adminErr("disable", jobID, storeErr("disable job", jobID, err))
	}
	if err := s.timers.Deactivate(timer.Name(jobID)); err != nil && !errors.Is(err, timer.ErrNotArmed) {
		return s.adminErr("disable", jobID, err)
	}
	s.log.Info("job disabled", logx.String("job", jobID))
	return nil
}

// ListJobs returns every persisted job ordered by id.
func (s *Service) ListJobs(ctx context.Context) ([]JobStatus, error) {
	defs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, s.adminErr("list", "", errors.Wrap(err, "list jobs"))
	}
	out := make([]JobStatus, 0, len(defs))
	for _, def := range defs {
		out = append(out, s.status(def))
	}
	return out, nil
}

func (s *Service) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	def, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, s.adminErr("status", jobID, storeErr("read job", jobID, err))
	}
	return s.status(def), nil
}

// GetExecutions returns the most recent records first. limit <= 0 means
// DefaultHistoryLimit; larger values are capped at Config.HistoryLimitMax.
func (s *Service) GetExecutions(ctx context.Context, jobID string, limit int) ([]storage.ExecutionRecord, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, s.adminErr("history", jobID, storeErr("read job", jobID, err))
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if ceiling := s.config().HistoryLimitMax; limit > ceiling {
		limit = ceiling
	}
	recs, err := s.store.ListExecutions(ctx, jobID, limit)
	if err != nil {
		return nil, s.adminErr("history", jobID, errors.Wrapf(err, "list executions %q", jobID))
	}
	return recs, nil
}

func (s *Service) status(def storage.JobDefinition) JobStatus {
	st := JobStatus{
		JobID:                  def.JobID,
		JobName:                def.JobName,
		ScheduleType:           def.ScheduleType,
		ScheduleValue:          def.ScheduleValue,
		Enabled:                def.Enabled,
		LastRunAt:              def.LastRunAt,
		LastSuccessfulRun:      def.LastSuccessfulRun,
		LastAttemptedRun:       def.LastAttemptedRun,
		ConsecutiveFailures:    def.ConsecutiveFailures,
		MaxConsecutiveFailures: def.MaxConsecutiveFailures,
		AutoRetryOnStartup:     def.AutoRetryOnStartup,
		Metadata:               def.Metadata,
		CreatedAt:              def.CreatedAt,
		UpdatedAt:              def.UpdatedAt,
	}
	_, st.Loaded = s.lookup(def.ImplRef)
	if info, ok := s.timers.Lookup(timer.Name(def.JobID)); ok {
		st.Armed = true
		st.Active = info.Active
		st.TimerSpec = info.Spec
		st.Coarsened = info.Coarsened
		st.NextRun = info.Next
		st.PrevRun = info.Prev
	}
	st.Running, st.Skipped = s.runCounts(def.JobID)
	return st
}

// adminErr logs an administrative failure once and returns it.
func (s *Service) adminErr(op, jobID string, err error) error {
	fields := []logx.Field{logx.String("op", op), logx.Err(err)}
	if jobID != "" {
		fields = append(fields, logx.String("job", jobID))
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyRunning) {
		s.log.Info("admin request rejected", fields...)
	} else {
		s.log.Warn("admin request failed", fields...)
	}
	return err
}
