package app

import (
	"jobkeeper/internal/config"
	"jobkeeper/internal/jobs"
	"jobkeeper/internal/scheduler"
	"jobkeeper/internal/storage"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

// Re-exports for the CLI layer.
type (
	JobStatus       = scheduler.JobStatus
	ExecutionRecord = storage.ExecutionRecord
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	overlap, err := scheduler.ParseOverlap(cfg.Scheduler.Overlap)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	reconcile, err := config.ParseDurationOrDefault("scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval, scheduler.DefaultReconcileInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:               cfg.Scheduler.Timezone,
		Overlap:                overlap,
		DefaultTimeout:         timeout,
		MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures,
		HistoryLimitMax:        cfg.Scheduler.HistoryLimitMax,
		ReconcileInterval:      reconcile,
	}, nil
}

// builtinJobs returns the housekeeping jobs cfg enables.
func (a *App) builtinJobs(cfg *config.Config) ([]job.Job, error) {
	var out []job.Job
	if hp := cfg.Jobs.HistoryPrune; hp.Enabled {
		kind, err := job.ParseKind(hp.ScheduleType)
		if err != nil {
			return nil, err
		}
		retention, err := config.ParseDurationOrDefault("jobs.history_prune.retention", hp.Retention, config.DefaultPruneRetention)
		if err != nil {
			return nil, err
		}
		out = append(out, &jobs.HistoryPrune{
			Store:     a.store,
			Kind:      kind,
			Spec:      hp.Schedule,
			Retention: retention,
			Log:       a.log.With(logx.String("comp", "job"), logx.String("job_id", jobs.HistoryPruneID)),
		})
	}
	if id := cfg.Jobs.IssueDigest; id.Enabled {
		kind, err := job.ParseKind(id.ScheduleType)
		if err != nil {
			return nil, err
		}
		out = append(out, &jobs.IssueDigest{
			Issues: a.issues,
			Kind:   kind,
			Spec:   id.Schedule,
			Log:    a.log.With(logx.String("comp", "job"), logx.String("job_id", jobs.IssueDigestID)),
		})
	}
	return out, nil
}
