package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobkeeper/internal/timer"
	logx "jobkeeper/pkg/logx"
)

// Reconcile pauses or resumes each armed timer so it matches the enabled
// flag in the store. It picks up flags flipped by another process sharing
// the store, such as a CLI run of "jobs enable". It returns the number of
// timers it changed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	defs, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list jobs")
	}
	changed := 0
	for _, def := range defs {
		name := timer.Name(def.JobID)
		info, ok := s.timers.Lookup(name)
		if !ok || info.Active == def.Enabled {
			continue
		}
		if def.Enabled {
			err = s.timers.Activate(name)
		} else {
			err = s.timers.Deactivate(name)
		}
		if err != nil {
			// disarmed since Lookup
			continue
		}
		changed++
		s.log.Info("timer synced with store", logx.String("job", def.JobID), logx.Bool("enabled", def.Enabled))
	}
	return changed, nil
}

func (s *Service) reconcileLoop(ctx context.Context) {
	every := s.config().ReconcileInterval
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		rctx, cancel := context.WithTimeout(ctx, every)
		if _, err := s.Reconcile(rctx); err != nil && ctx.Err() == nil {
			s.log.Warn("reconcile failed", logx.Err(err))
		}
		cancel()
		if d := s.config().ReconcileInterval; d != every {
			every = d
			t.Reset(d)
		}
	}
}
