package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  overlap: allow
  default_timeout: 30s
storage:
  driver: memory
jobs:
  history_prune:
    enabled: true
    retention: 48h
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDecodeYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Decode("cfg.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "allow", cfg.Scheduler.Overlap)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Empty(t, cfg.Storage.Path)
	assert.Equal(t, 3, cfg.Scheduler.MaxConsecutiveFailures)
	assert.Equal(t, 1000, cfg.Scheduler.HistoryLimitMax)

	assert.True(t, cfg.Jobs.HistoryPrune.Enabled)
	assert.Equal(t, string(job.KindCron), cfg.Jobs.HistoryPrune.ScheduleType)
	assert.Equal(t, DefaultPruneSchedule, cfg.Jobs.HistoryPrune.Schedule)
	assert.Equal(t, "48h", cfg.Jobs.HistoryPrune.Retention)

	assert.False(t, cfg.Jobs.IssueDigest.Enabled)
	assert.Equal(t, string(job.KindInterval), cfg.Jobs.IssueDigest.ScheduleType)
	assert.Equal(t, DefaultDigestSchedule, cfg.Jobs.IssueDigest.Schedule)
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("cfg.json", []byte(`{"storage":{"driver":"sqlite"}}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultStoragePath, cfg.Storage.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name, path, body, want string
	}{
		{"unknown field", "c.json", `{"storage":{"drvier":"memory"}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad level", "c.json", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"bad timezone", "c.json", `{"scheduler":{"timezone":"Mars/Olympus"}}`, "scheduler.timezone"},
		{"bad overlap", "c.json", `{"scheduler":{"overlap":"queue"}}`, "scheduler.overlap"},
		{"bad timeout", "c.json", `{"scheduler":{"default_timeout":"soon"}}`, "scheduler.default_timeout"},
		{"reconcile too fast", "c.json", `{"scheduler":{"reconcile_interval":"10ms"}}`, "scheduler.reconcile_interval"},
		{"bad driver", "c.json", `{"storage":{"driver":"postgres"}}`, "storage.driver"},
		{"bad prune schedule", "c.yaml", "jobs:\n  history_prune:\n    schedule: \"not a cron\"\n", "jobs.history_prune.schedule"},
		{"bad digest interval", "c.yaml", "jobs:\n  issue_digest:\n    schedule_type: interval\n    schedule: \"-5\"\n", "jobs.issue_digest.schedule"},
		{"bad yaml", "c.yaml", "logging: [", "yaml unmarshal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.path, []byte(tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Storage.Driver = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestManagerLoadAndGet(t *testing.T) {
	p := writeFile(t, t.TempDir(), "jobkeeper.yaml", sampleYAML)
	m := NewConfigManager(p, logx.Nop())
	assert.Nil(t, m.Get())

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, p, m.Path())
}

func TestManagerLoadMissingFile(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml"), logx.Nop())
	_, err := m.Load()
	require.Error(t, err)
	assert.Nil(t, m.Get())
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.json", logx.Nop())
	ch := m.Subscribe(1)

	first, second := Default(), Default()
	second.Logging.Level = "debug"
	m.publish(first)
	m.publish(second)

	got := <-ch
	assert.Same(t, second, got)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	m.Unsubscribe(ch)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "jobkeeper.yaml", sampleYAML)
	m := NewConfigManager(p, logx.Nop())
	m.SetDebounce(20 * time.Millisecond)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "jobkeeper.yaml", sampleYAML+"\n  issue_digest:\n    enabled: true\n")

	select {
	case cfg := <-ch:
		assert.True(t, cfg.Jobs.IssueDigest.Enabled)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestWatchSkipsInvalidAndRejected(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "jobkeeper.json", `{"storage":{"driver":"memory"}}`)
	m := NewConfigManager(p, logx.Nop())
	m.SetDebounce(20 * time.Millisecond)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "warn" {
			return assert.AnError
		}
		return nil
	})
	orig, err := m.Load()
	require.NoError(t, err)

	ctx := context.Background()
	writeFile(t, dir, "jobkeeper.json", `{"storage":{"driver":"memory"},"bogus":1}`)
	m.reload(ctx)
	assert.Same(t, orig, m.Get())

	writeFile(t, dir, "jobkeeper.json", `{"storage":{"driver":"memory"},"logging":{"level":"warn"}}`)
	m.reload(ctx)
	assert.Same(t, orig, m.Get())

	writeFile(t, dir, "jobkeeper.json", `{"storage":{"driver":"memory"}}`)
	m.reload(ctx)
	assert.Same(t, orig, m.Get(), "unchanged content is not recommitted")

	writeFile(t, dir, "jobkeeper.json", `{"storage":{"driver":"memory"},"logging":{"level":"error"}}`)
	m.reload(ctx)
	assert.Equal(t, "error", m.Get().Logging.Level)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := Default()
	newCfg := Default()
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)

	newCfg.Scheduler.Timezone = "UTC"
	newCfg.Storage.Path = "/tmp/other.db"
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{SectionScheduler, SectionStorage}, changed)
	assert.NotEmpty(t, attrs)
	assert.True(t, RequiresRestart(changed))
	assert.False(t, RequiresRestart([]string{SectionLogging, SectionScheduler}))
}
