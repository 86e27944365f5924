package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobkeeper/internal/eventbus"
	"jobkeeper/internal/storage"
	"jobkeeper/pkg/issues"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

// execute performs one attempt and persists its outcome. It never panics
// and never returns an error: faults end up in the execution record.
func (s *Service) execute(ctx context.Context, jobID string, j job.Job, trigger string) job.Result {
	cfg := s.config()
	start := time.Now()
	startedAt := s.now()
	execID := uuid.NewString()
	log := s.log.With(logx.String("job", jobID), logx.String("exec", execID), logx.String("trigger", trigger))

	// Persistence must finish even if the caller's context is canceled
	// while the job runs.
	pctx := context.WithoutCancel(ctx)
	if err := s.store.MarkAttempt(pctx, jobID, startedAt); err != nil {
		log.Warn("record attempt failed", logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.JobStarted,
		Time: startedAt,
		Job:  eventbus.JobInfo{JobID: jobID, ExecutionID: execID, Trigger: trigger},
	})
	log.Debug("job started")

	res := s.invoke(ctx, jobID, j, cfg.DefaultTimeout, log)

	dur := time.Since(start)
	rec := storage.ExecutionRecord{
		ID:              execID,
		JobID:           jobID,
		StartedAt:       startedAt,
		CompletedAt:     s.now(),
		Status:          res.Status(),
		DurationSeconds: dur.Seconds(),
	}
	info := eventbus.JobInfo{JobID: jobID, ExecutionID: execID, Trigger: trigger, Duration: dur}
	if res.Failed() {
		rec.ErrorMessage = res.Err().Error()
		info.Error = rec.ErrorMessage
	} else if n, ok := res.Count(); ok {
		rec.Metadata = map[string]any{"records_processed": n}
		info.Processed = &n
	}

	def, err := s.store.CompleteRun(pctx, rec)
	if err != nil {
		log.Error("record execution failed", logx.Err(err), logx.String("status", string(rec.Status)))
	}

	if res.Failed() {
		log.Warn("job failed", logx.Err(res.Err()), logx.Duration("dur", dur), logx.Int("consecutive_failures", def.ConsecutiveFailures))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Time: rec.CompletedAt, Job: info})
		s.observeFailure(def, rec, err == nil)
	} else {
		fields := []logx.Field{logx.Duration("dur", dur)}
		if info.Processed != nil {
			fields = append(fields, logx.Int("processed", *info.Processed))
		}
		if dur >= 750*time.Millisecond {
			log.Info("job succeeded", fields...)
		} else {
			log.Debug("job succeeded", fields...)
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.JobSucceeded, Time: rec.CompletedAt, Job: info})
	}
	return res
}

// invoke runs the job with the per-run timeout inside a recover boundary.
// Returned failures and panics both come back as Failed(*ExecutionError).
func (s *Service) invoke(ctx context.Context, jobID string, j job.Job, timeout time.Duration, log logx.Logger) (res job.Result) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = job.Failed(&ExecutionError{JobID: jobID, Cause: errors.Newf("panic: %v", r), Panicked: true})
		}
	}()
	res = j.Run(runCtx)
	if res.Failed() {
		res = job.Failed(&ExecutionError{JobID: jobID, Cause: res.Err()})
	}
	return res
}

// observeFailure feeds the issue accumulator and warns once the stored
// failure ceiling is reached. Jobs are never disabled automatically.
func (s *Service) observeFailure(def storage.JobDefinition, rec storage.ExecutionRecord, persisted bool) {
	ceiling := persisted && def.MaxConsecutiveFailures > 0 && def.ConsecutiveFailures >= def.MaxConsecutiveFailures
	if ceiling {
		s.log.Warn("job reached its consecutive failure ceiling",
			logx.String("job", rec.JobID),
			logx.Int("consecutive_failures", def.ConsecutiveFailures),
			logx.Int("max_consecutive_failures", def.MaxConsecutiveFailures),
		)
	}
	if s.issues == nil {
		return
	}
	_, err := s.issues.Add(issues.Issue{
		Source:  rec.JobID,
		Message: rec.ErrorMessage,
		At:      rec.CompletedAt,
		Fields: map[string]any{
			"execution_id":         rec.ID,
			"consecutive_failures": def.ConsecutiveFailures,
			"ceiling_reached":      ceiling,
		},
	})
	if err != nil && !errors.Is(err, issues.ErrClosed) {
		s.log.Warn("issue report failed", logx.String("job", rec.JobID), logx.Err(err))
	}
}
