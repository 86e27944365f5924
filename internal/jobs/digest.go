package jobs

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"jobkeeper/pkg/issues"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

const IssueDigestID = "issues.digest"

// digestTop caps how many sources are named in the digest line.
const digestTop = 10

// IssueDigest flushes the accumulator and logs one summary line plus one
// line per source.
type IssueDigest struct {
	Issues *issues.Accumulator
	Kind   job.Kind
	Spec   string
	Log    logx.Logger
}

var (
	_ job.Job       = (*IssueDigest)(nil)
	_ job.Kinded    = (*IssueDigest)(nil)
	_ job.Describer = (*IssueDigest)(nil)
)

func (d *IssueDigest) ID() string               { return IssueDigestID }
func (d *IssueDigest) Name() string             { return "Issue digest" }
func (d *IssueDigest) Schedule() string         { return d.Spec }
func (d *IssueDigest) ScheduleType() job.Kind   { return d.Kind }
func (d *IssueDigest) Metadata() map[string]any { return map[string]any{"builtin": true} }

func (d *IssueDigest) Run(ctx context.Context) job.Result {
	if d.Issues == nil {
		return job.Failed(errors.New("issues.digest: no accumulator"))
	}
	if err := ctx.Err(); err != nil {
		return job.Failed(err)
	}
	batch, err := d.Issues.Flush()
	if err != nil {
		return job.Failed(errors.Wrap(err, "flush issues"))
	}
	if len(batch.Issues) == 0 && batch.Dropped == 0 {
		return job.Processed(0)
	}

	counts := map[string]int{}
	last := map[string]issues.Issue{}
	for _, is := range batch.Issues {
		counts[is.Source]++
		last[is.Source] = is
	}
	sources := make([]string, 0, len(counts))
	for s := range counts {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool {
		if counts[sources[i]] != counts[sources[j]] {
			return counts[sources[i]] > counts[sources[j]]
		}
		return sources[i] < sources[j]
	})

	d.Log.Warn("issue digest",
		logx.Int("issues", len(batch.Issues)),
		logx.Int("dropped", batch.Dropped),
		logx.Int("sources", len(sources)),
	)
	for i, s := range sources {
		if i == digestTop {
			d.Log.Warn("issue digest truncated", logx.Int("more_sources", len(sources)-digestTop))
			break
		}
		is := last[s]
		d.Log.Warn("issue digest entry",
			logx.String("source", s),
			logx.Int("count", counts[s]),
			logx.String("last_message", is.Message),
			logx.Time("last_at", is.At),
		)
	}
	return job.Processed(len(batch.Issues))
}
