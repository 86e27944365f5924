package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

const HistoryPruneID = "history.prune"

// Pruner is the part of the store history.prune needs.
type Pruner interface {
	PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error)
}

// HistoryPrune deletes execution records that started before now minus
// Retention.
type HistoryPrune struct {
	Store     Pruner
	Kind      job.Kind
	Spec      string
	Retention time.Duration
	Now       func() time.Time
	Log       logx.Logger
}

var (
	_ job.Job       = (*HistoryPrune)(nil)
	_ job.Kinded    = (*HistoryPrune)(nil)
	_ job.Describer = (*HistoryPrune)(nil)
)

func (p *HistoryPrune) ID() string             { return HistoryPruneID }
func (p *HistoryPrune) Name() string           { return "Prune execution history" }
func (p *HistoryPrune) Schedule() string       { return p.Spec }
func (p *HistoryPrune) ScheduleType() job.Kind { return p.Kind }

func (p *HistoryPrune) Metadata() map[string]any {
	return map[string]any{"builtin": true, "retention": p.Retention.String()}
}

func (p *HistoryPrune) Run(ctx context.Context) job.Result {
	if p.Store == nil {
		return job.Failed(errors.New("history.prune: no store"))
	}
	if p.Retention <= 0 {
		return job.Failed(errors.New("history.prune: retention must be > 0"))
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().UTC().Add(-p.Retention)
	n, err := p.Store.PruneExecutions(ctx, cutoff)
	if err != nil {
		return job.Failed(errors.Wrap(err, "prune executions"))
	}
	if n > 0 {
		p.Log.Info("execution history pruned", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	}
	return job.Processed(int(n))
}
