package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkeeper/internal/config"
	"jobkeeper/internal/jobs"
	"jobkeeper/internal/scheduler"
	"jobkeeper/internal/storage"
	"jobkeeper/pkg/job"
)

const appYAML = `
logging:
  level: error
  console: true
scheduler:
  timezone: UTC
storage:
  driver: memory
jobs:
  history_prune:
    enabled: true
    retention: 24h
  issue_digest:
    enabled: true
    schedule_type: interval
    schedule: "600"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "jobkeeper.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestAppRegistersBuiltinAndHostJobs(t *testing.T) {
	ran := make(chan struct{}, 1)
	host := &job.Func{
		JobID:   "host.report",
		JobName: "Report",
		Spec:    "0 3 * * *",
		Fn: func(context.Context) job.Result {
			ran <- struct{}{}
			return job.Processed(3)
		},
	}

	a, err := New(writeConfig(t, appYAML), WithJobs(host))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	list, err := a.Scheduler().ListJobs(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, st := range list {
		ids = append(ids, st.JobID)
		assert.True(t, st.Loaded, st.JobID)
		assert.True(t, st.Armed, st.JobID)
	}
	assert.ElementsMatch(t, []string{jobs.HistoryPruneID, jobs.IssueDigestID, "host.report"}, ids)

	digest, err := a.Scheduler().GetJobStatus(ctx, jobs.IssueDigestID)
	require.NoError(t, err)
	assert.Equal(t, job.KindInterval, digest.ScheduleType)
	assert.Equal(t, "@every 10m", digest.TimerSpec)

	res, err := a.Scheduler().RunNow(ctx, "host.report")
	require.NoError(t, err)
	n, _ := res.Count()
	assert.Equal(t, 3, n)
	<-ran

	res, err = a.Scheduler().RunNow(ctx, jobs.HistoryPruneID)
	require.NoError(t, err)
	assert.False(t, res.Failed())
}

func TestAppWithoutConfigFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	a, err := New("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultStoragePath, a.Config().Storage.Path)

	require.NoError(t, a.RegisterJobs(context.Background()))
	list, err := a.Scheduler().ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, a.Stop(context.Background(), StopCLI))
}

func TestAppHotReloadsSchedulerConfig(t *testing.T) {
	p := writeConfig(t, appYAML)
	a, err := New(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(appYAML, "timezone: UTC", "timezone: Asia/Jakarta\n  overlap: allow", 1)
	require.NoError(t, os.WriteFile(p, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		cfg := a.Config()
		return cfg != nil && cfg.Scheduler.Overlap == "allow"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Asia/Jakarta", a.Config().Scheduler.Timezone)
}

func TestStopKeepsStorageOpenForStuckRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	stuck := &job.Func{
		JobID:   "host.stuck",
		JobName: "Stuck",
		Spec:    "* * * * * *",
		Fn: func(context.Context) job.Result {
			once.Do(func() { close(started) })
			<-release
			return job.Done()
		},
	}
	body := strings.Replace(appYAML, "enabled: true", "enabled: false", -1)
	a, err := New(writeConfig(t, body), WithJobs(stuck))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.EqualValues(t, 1, a.Scheduler().InFlight())

	_, err = a.store.ListJobs(context.Background())
	require.NoError(t, err, "storage stays open while a run is in flight")

	close(release)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, a.Scheduler().Drain(drainCtx))

	recs, err := a.store.ListExecutions(context.Background(), "host.stuck", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, job.StatusSuccess, recs[0].Status)
	require.NoError(t, a.store.Close())
}

func TestStopClosesStorageWhenIdle(t *testing.T) {
	a, err := New(writeConfig(t, appYAML))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.Zero(t, a.Scheduler().InFlight())

	_, err = a.store.ListJobs(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestMapStorageConfig(t *testing.T) {
	cfg := config.Default()
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	cfg.Storage.BusyTimeout = "5s"
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)

	cfg.Storage = config.StorageConfig{Driver: "mem"}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	cfg.Storage = config.StorageConfig{Driver: "sqlite"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)

	cfg.Storage = config.StorageConfig{Driver: "redis"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)
}

func TestMapSchedulerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Overlap = "allow"
	cfg.Scheduler.DefaultTimeout = "45s"
	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OverlapAllow, sc.Overlap)
	assert.Equal(t, 45*time.Second, sc.DefaultTimeout)
	assert.Equal(t, scheduler.DefaultReconcileInterval, sc.ReconcileInterval)

	cfg.Scheduler.ReconcileInterval = "5s"
	sc, err = mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, sc.ReconcileInterval)

	cfg.Scheduler.Overlap = "queue"
	_, err = mapSchedulerConfig(cfg)
	require.Error(t, err)
}
