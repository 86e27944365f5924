package config

import (
	"strings"

	logx "jobkeeper/pkg/logx"
)

// Section names returned by SummarizeConfigChange.
const (
	SectionLogging   = "logging"
	SectionScheduler = "scheduler"
	SectionStorage   = "storage"
	SectionJobs      = "jobs"
)

// SummarizeConfigChange returns the changed top-level sections and fields
// describing the new values for a reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, SectionScheduler)
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.overlap", newCfg.Scheduler.Overlap),
			logx.String("scheduler.default_timeout", newCfg.Scheduler.DefaultTimeout),
			logx.Int("scheduler.max_consecutive_failures", newCfg.Scheduler.MaxConsecutiveFailures),
			logx.String("scheduler.reconcile_interval", newCfg.Scheduler.ReconcileInterval),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, SectionStorage)
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, SectionJobs)
		attrs = append(attrs,
			logx.Bool("jobs.history_prune", newCfg.Jobs.HistoryPrune.Enabled),
			logx.Bool("jobs.issue_digest", newCfg.Jobs.IssueDigest.Enabled),
		)
	}

	return changed, attrs
}

// RequiresRestart reports whether any changed section cannot be applied to
// a running process: storage, and the built-in jobs which register at boot.
func RequiresRestart(sections []string) bool {
	for _, s := range sections {
		if s == SectionStorage || s == SectionJobs {
			return true
		}
	}
	return false
}
