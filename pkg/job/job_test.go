package job

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bareJob struct{}

func (bareJob) ID() string                 { return " bare " }
func (bareJob) Name() string               { return "Bare" }
func (bareJob) Schedule() string           { return "*/5 * * * *" }
func (bareJob) Run(context.Context) Result { return Done() }

func TestDescribeDefaults(t *testing.T) {
	t.Parallel()
	s := Describe(bareJob{}, 3)
	assert.Equal(t, "bare", s.ID)
	assert.Equal(t, KindCron, s.Kind)
	assert.True(t, s.Enabled)
	assert.Empty(t, s.Metadata)
	assert.Equal(t, 3, s.MaxConsecutiveFailures)
	assert.False(t, s.AutoRetryOnStartup)
}

func TestDescribeFuncCapabilities(t *testing.T) {
	t.Parallel()
	f := &Func{
		JobID:       "scrape",
		JobName:     "Scraper",
		Spec:        "150",
		Kind:        KindInterval,
		Disabled:    true,
		Meta:        map[string]any{"source": "feed"},
		MaxFailures: 5,
		RetryOnBoot: true,
	}
	s := Describe(f, 3)
	assert.Equal(t, KindInterval, s.Kind)
	assert.False(t, s.Enabled)
	assert.Equal(t, "feed", s.Metadata["source"])
	assert.Equal(t, 5, s.MaxConsecutiveFailures)
	assert.True(t, s.AutoRetryOnStartup)

	// Describe copies metadata so later mutation of the job does not leak.
	f.Meta["source"] = "other"
	assert.Equal(t, "feed", s.Metadata["source"])
}

func TestDescribeKeepsDefaultCeilingWhenUnset(t *testing.T) {
	t.Parallel()
	s := Describe(&Func{JobID: "x", JobName: "x"}, 7)
	assert.Equal(t, 7, s.MaxConsecutiveFailures)
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    Kind
		wantErr bool
	}{
		{raw: "", want: KindCron},
		{raw: "cron", want: KindCron},
		{raw: " Interval ", want: KindInterval},
		{raw: "weekly", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestResultClassification(t *testing.T) {
	t.Parallel()

	r := Done()
	assert.Equal(t, StatusSuccess, r.Status())
	_, ok := r.Count()
	assert.False(t, ok)

	r = Processed(7)
	n, ok := r.Count()
	assert.True(t, ok)
	assert.Equal(t, 7, n)
	assert.Equal(t, "success (7 processed)", r.String())

	boom := errors.New("boom")
	r = Failed(boom)
	assert.True(t, r.Failed())
	assert.ErrorIs(t, r.Err(), boom)

	r = Failed(nil)
	assert.Error(t, r.Err())
}

func TestFuncRunWithoutFn(t *testing.T) {
	t.Parallel()
	r := (&Func{}).Run(context.Background())
	assert.False(t, r.Failed())
}
