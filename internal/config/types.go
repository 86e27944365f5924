package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
//
// All durations are Go duration strings ("500ms", "10s", "720h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Jobs      JobsConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls timers and runs. Every field is hot-reloadable.
type SchedulerConfig struct {
	// Timezone for cron expressions (IANA, e.g. "Asia/Jakarta"). Empty means Local.
	Timezone string `json:"timezone,omitempty"`
	// Overlap is "skip" (default) or "allow".
	Overlap string `json:"overlap,omitempty"`
	// DefaultTimeout bounds each run. "0s" or empty disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxConsecutiveFailures is the ceiling stored for jobs that do not set
	// their own. It only triggers a warning.
	MaxConsecutiveFailures int `json:"max_consecutive_failures,omitempty"`
	HistoryLimitMax        int `json:"history_limit_max,omitempty"`
	// ReconcileInterval is how often a running daemon picks up enable and
	// disable changes made by other processes. Empty means 30s.
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
}

// StorageConfig selects the persistence driver. Changes need a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobkeeper.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// JobsConfig toggles the built-in housekeeping jobs.
type JobsConfig struct {
	HistoryPrune HistoryPruneConfig `json:"history_prune"`
	IssueDigest  IssueDigestConfig  `json:"issue_digest"`
}

type HistoryPruneConfig struct {
	Enabled      bool   `json:"enabled"`
	ScheduleType string `json:"schedule_type,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
	// Retention: records that started longer ago are deleted.
	Retention string `json:"retention,omitempty"`
}

type IssueDigestConfig struct {
	Enabled      bool   `json:"enabled"`
	ScheduleType string `json:"schedule_type,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
	// MaxItems bounds the accumulator; older issues are dropped first.
	MaxItems int `json:"max_items,omitempty"`
}
