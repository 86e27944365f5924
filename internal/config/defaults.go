package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobkeeper/internal/schedule"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

const (
	DefaultStoragePath         = "./data/jobkeeper.db"
	DefaultPruneSchedule       = "@daily"
	DefaultPruneRetention      = 30 * 24 * time.Hour
	DefaultDigestSchedule      = "3600"
	DefaultDigestMaxItems      = 1000
	defaultLogLevel            = "info"
	defaultMaxConsecutiveFails = 3
	defaultHistoryLimitMax     = 1000
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Logging: LoggingConfig{Console: true}}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
	if strings.TrimSpace(c.Scheduler.Overlap) == "" {
		c.Scheduler.Overlap = "skip"
	}
	if c.Scheduler.MaxConsecutiveFailures <= 0 {
		c.Scheduler.MaxConsecutiveFailures = defaultMaxConsecutiveFails
	}
	if c.Scheduler.HistoryLimitMax <= 0 {
		c.Scheduler.HistoryLimitMax = defaultHistoryLimitMax
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.Path) == "" && c.Storage.Driver == "sqlite" {
		c.Storage.Path = DefaultStoragePath
	}

	hp := &c.Jobs.HistoryPrune
	if strings.TrimSpace(hp.Schedule) == "" {
		hp.ScheduleType = string(job.KindCron)
		hp.Schedule = DefaultPruneSchedule
	}
	if strings.TrimSpace(hp.ScheduleType) == "" {
		hp.ScheduleType = string(job.KindCron)
	}
	if strings.TrimSpace(hp.Retention) == "" {
		hp.Retention = DefaultPruneRetention.String()
	}

	id := &c.Jobs.IssueDigest
	if strings.TrimSpace(id.Schedule) == "" {
		id.ScheduleType = string(job.KindInterval)
		id.Schedule = DefaultDigestSchedule
	}
	if strings.TrimSpace(id.ScheduleType) == "" {
		id.ScheduleType = string(job.KindCron)
	}
	if id.MaxItems <= 0 {
		id.MaxItems = DefaultDigestMaxItems
	}
}

// Validate checks every field a running process depends on and returns all
// problems joined.
func (c *Config) Validate() error {
	var errs []error
	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, errors.Newf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, errors.Wrapf(err, "scheduler.timezone"))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Scheduler.Overlap)) {
	case "", "skip", "skip_if_running", "allow":
	default:
		errs = append(errs, errors.Newf("scheduler.overlap: must be skip or allow, got %q", c.Scheduler.Overlap))
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if d, err := ParseDurationField("scheduler.reconcile_interval", c.Scheduler.ReconcileInterval); err != nil {
		errs = append(errs, err)
	} else if d > 0 && d < time.Second {
		errs = append(errs, errors.New("scheduler.reconcile_interval: must be at least 1s"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "memory", "mem":
	default:
		errs = append(errs, errors.Newf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	hp := c.Jobs.HistoryPrune
	if err := validateSchedule("jobs.history_prune", hp.ScheduleType, hp.Schedule); err != nil {
		errs = append(errs, err)
	}
	if d, err := ParseDurationField("jobs.history_prune.retention", hp.Retention); err != nil {
		errs = append(errs, err)
	} else if hp.Enabled && d <= 0 {
		errs = append(errs, errors.New("jobs.history_prune.retention: must be > 0"))
	}
	id := c.Jobs.IssueDigest
	if err := validateSchedule("jobs.issue_digest", id.ScheduleType, id.Schedule); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateSchedule(path, kind, value string) error {
	k, err := job.ParseKind(kind)
	if err != nil {
		return errors.Wrapf(err, "%s.schedule_type", path)
	}
	if _, err := schedule.Translate(k, value, nil); err != nil {
		return errors.Wrapf(err, "%s.schedule", path)
	}
	return nil
}
