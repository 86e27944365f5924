package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkeeper/internal/schedule"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

func mustTrigger(t *testing.T, kind job.Kind, value string) schedule.Trigger {
	t.Helper()
	tr, err := schedule.Translate(kind, value, time.UTC)
	require.NoError(t, err)
	return tr
}

func TestName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "job:scrape.prices", Name("scrape.prices"))
}

func TestArmReplacesByName(t *testing.T) {
	t.Parallel()
	e := New(time.UTC, logx.Nop())
	var first, second atomic.Int32
	require.NoError(t, e.Arm("job:a", mustTrigger(t, job.KindInterval, "60"), func() { first.Add(1) }))
	require.NoError(t, e.Arm("job:a", mustTrigger(t, job.KindInterval, "120"), func() { second.Add(1) }))

	assert.Len(t, e.Snapshot(), 1)
	assert.True(t, e.Fire("job:a"))
	assert.EqualValues(t, 0, first.Load())
	assert.EqualValues(t, 1, second.Load())

	info, ok := e.Lookup("job:a")
	require.True(t, ok)
	assert.Equal(t, "@every 2m", info.Spec)
	assert.True(t, info.Active)
	assert.False(t, info.Next.IsZero())
}

func TestDeactivateActivate(t *testing.T) {
	t.Parallel()
	e := New(time.UTC, logx.Nop())
	var n atomic.Int32
	require.NoError(t, e.Arm("job:b", mustTrigger(t, job.KindCron, "*/5 * * * *"), func() { n.Add(1) }))

	require.NoError(t, e.Deactivate("job:b"))
	assert.False(t, e.Fire("job:b"))
	info, _ := e.Lookup("job:b")
	assert.False(t, info.Active)
	assert.True(t, info.Next.IsZero())

	require.NoError(t, e.Activate("job:b"))
	assert.True(t, e.Fire("job:b"))
	assert.EqualValues(t, 1, n.Load())

	assert.ErrorIs(t, e.Activate("job:missing"), ErrNotArmed)
	assert.ErrorIs(t, e.Deactivate("job:missing"), ErrNotArmed)
}

func TestDisarm(t *testing.T) {
	t.Parallel()
	e := New(time.UTC, logx.Nop())
	require.NoError(t, e.Arm("job:c", mustTrigger(t, job.KindCron, "@hourly"), func() {}))
	assert.True(t, e.Disarm("job:c"))
	assert.False(t, e.Disarm("job:c"))
	assert.False(t, e.Fire("job:c"))
	assert.Empty(t, e.Snapshot())
}

func TestArmValidation(t *testing.T) {
	t.Parallel()
	e := New(nil, logx.Logger{})
	assert.Error(t, e.Arm("", mustTrigger(t, job.KindCron, "@hourly"), func() {}))
	assert.Error(t, e.Arm("job:x", schedule.Trigger{}, func() {}))
	assert.Error(t, e.Arm("job:x", mustTrigger(t, job.KindCron, "@hourly"), nil))
}

func TestCronDispatch(t *testing.T) {
	t.Parallel()
	e := New(time.UTC, logx.Nop())
	var n atomic.Int32
	tr := schedule.Trigger{Kind: job.KindInterval, Spec: "@every 1s", Schedule: cron.Every(time.Second), Every: time.Second}
	require.NoError(t, e.Arm("job:fast", tr, func() { n.Add(1) }))
	e.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return n.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Deactivate("job:fast"))
	seen := n.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.LessOrEqual(t, n.Load(), seen+1, "at most one in-flight firing after deactivate")
}

func TestSetLocationKeepsHandles(t *testing.T) {
	t.Parallel()
	e := New(time.UTC, logx.Nop())
	require.NoError(t, e.Arm("job:d", mustTrigger(t, job.KindCron, "0 9 * * *"), func() {}))
	require.NoError(t, e.Arm("job:e", mustTrigger(t, job.KindCron, "0 10 * * *"), func() {}))
	require.NoError(t, e.Deactivate("job:e"))
	e.Start()
	defer func() { _ = e.Stop(context.Background()) }()

	e.SetLocation(time.FixedZone("UTC+7", 7*3600))
	assert.Equal(t, "UTC+7", e.Location().String())

	d, ok := e.Lookup("job:d")
	require.True(t, ok)
	assert.True(t, d.Active)
	ed, ok := e.Lookup("job:e")
	require.True(t, ok)
	assert.False(t, ed.Active)
}
