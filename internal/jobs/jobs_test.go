package jobs

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkeeper/internal/storage"
	"jobkeeper/pkg/issues"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

type failingPruner struct{}

func (failingPruner) PruneExecutions(context.Context, time.Time) (int64, error) {
	return 0, assert.AnError
}

func seedExecutions(t *testing.T, st storage.Store, starts ...time.Time) {
	t.Helper()
	ctx := context.Background()
	_, _, err := st.UpsertJob(ctx, storage.JobDefinition{
		JobID:         "report",
		JobName:       "Report",
		ImplRef:       "report",
		ScheduleType:  job.KindCron,
		ScheduleValue: "@hourly",
		Enabled:       true,
	})
	require.NoError(t, err)
	for i, at := range starts {
		_, err := st.CompleteRun(ctx, storage.ExecutionRecord{
			ID:          "exec-" + string(rune('a'+i)),
			JobID:       "report",
			StartedAt:   at,
			CompletedAt: at.Add(time.Second),
			Status:      job.StatusSuccess,
		})
		require.NoError(t, err)
	}
}

func TestHistoryPruneDeletesOldRecords(t *testing.T) {
	st := storage.NewMemory()
	defer st.Close()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seedExecutions(t, st,
		now.Add(-72*time.Hour),
		now.Add(-49*time.Hour),
		now.Add(-1*time.Hour),
	)

	p := &HistoryPrune{
		Store:     st,
		Kind:      job.KindCron,
		Spec:      "@daily",
		Retention: 48 * time.Hour,
		Now:       func() time.Time { return now },
	}
	res := p.Run(context.Background())
	require.False(t, res.Failed())
	n, ok := res.Count()
	require.True(t, ok)
	assert.Equal(t, 2, n)

	left, err := st.ListExecutions(context.Background(), "report", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, now.Add(-time.Hour), left[0].StartedAt)

	res = p.Run(context.Background())
	n, _ = res.Count()
	assert.Equal(t, 0, n)
}

func TestHistoryPruneFailures(t *testing.T) {
	res := (&HistoryPrune{Retention: time.Hour}).Run(context.Background())
	assert.True(t, res.Failed())

	res = (&HistoryPrune{Store: failingPruner{}}).Run(context.Background())
	require.True(t, res.Failed())
	assert.Contains(t, res.Err().Error(), "retention")

	res = (&HistoryPrune{Store: failingPruner{}, Retention: time.Hour}).Run(context.Background())
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err(), assert.AnError)
}

func TestHistoryPruneDescribe(t *testing.T) {
	spec := job.Describe(&HistoryPrune{Kind: job.KindCron, Spec: "@daily", Retention: 24 * time.Hour}, 3)
	assert.Equal(t, HistoryPruneID, spec.ID)
	assert.Equal(t, job.KindCron, spec.Kind)
	assert.Equal(t, "@daily", spec.Schedule)
	assert.True(t, spec.Enabled)
	assert.Equal(t, "24h0m0s", spec.Metadata["retention"])
}

func TestIssueDigestFlushes(t *testing.T) {
	acc := issues.New(2)
	defer acc.Close()

	var buf bytes.Buffer
	d := &IssueDigest{
		Issues: acc,
		Kind:   job.KindInterval,
		Spec:   "3600",
		Log:    logx.NewWriter(&buf, "debug"),
	}

	res := d.Run(context.Background())
	n, ok := res.Count()
	require.True(t, ok)
	assert.Equal(t, 0, n)
	assert.Empty(t, buf.String())

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, src := range []string{"a", "b", "b"} {
		_, err := acc.Add(issues.Issue{Source: src, Message: "boom " + src, At: at})
		require.NoError(t, err)
	}

	res = d.Run(context.Background())
	require.False(t, res.Failed())
	n, _ = res.Count()
	assert.Equal(t, 2, n)

	out := buf.String()
	assert.Contains(t, out, "issue digest")
	assert.Contains(t, out, `"dropped":1`)
	assert.Equal(t, 1, strings.Count(out, "issue digest entry"))
	assert.Contains(t, out, "boom b")

	left, err := acc.Len()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestIssueDigestClosedAccumulator(t *testing.T) {
	acc := issues.New(10)
	acc.Close()
	res := (&IssueDigest{Issues: acc}).Run(context.Background())
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err(), issues.ErrClosed)

	res = (&IssueDigest{}).Run(context.Background())
	assert.True(t, res.Failed())
}
