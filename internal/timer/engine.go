// Package timer owns the cron instance and one handle per armed job.
//
// Handles are keyed by a deterministic timer name (see Name). Arm replaces
// any previous handle with the same name, so registering a job twice never
// leaves two timers behind. Deactivate keeps the handle but removes its cron
// entry; Activate puts it back.
package timer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"jobkeeper/internal/schedule"
	logx "jobkeeper/pkg/logx"
)

// ErrNotArmed is returned for operations on an unknown timer name.
var ErrNotArmed = errors.New("timer not armed")

// Name is the timer name for a job id.
func Name(jobID string) string { return "job:" + jobID }

// Info is a point-in-time view of one handle.
type Info struct {
	Name      string
	Spec      string
	Coarsened bool
	Active    bool
	Next      time.Time
	Prev      time.Time
}

type handle struct {
	name    string
	trigger schedule.Trigger
	fn      func()
	active  bool
	entryID cron.EntryID
	// live mirrors active for cron callbacks, which must not take the
	// engine lock: Stop waits for them while SetLocation holds it.
	live atomic.Bool
}

type Engine struct {
	mu      sync.Mutex
	log     logx.Logger
	loc     *time.Location
	c       *cron.Cron
	running bool
	handles map[string]*handle
}

// New creates a stopped engine evaluating schedules in loc (nil = time.Local).
func New(loc *time.Location, log logx.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:     log,
		loc:     loc,
		c:       newCron(loc),
		handles: map[string]*handle{},
	}
}

func newCron(loc *time.Location) *cron.Cron {
	return cron.New(cron.WithParser(schedule.Parser), cron.WithLocation(loc))
}

// Start begins dispatching. Handles armed before Start fire afterwards.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.c.Start()
	e.running = true
	e.log.Info("timer engine started", logx.String("tz", e.loc.String()), logx.Int("timers", len(e.handles)))
}

// Stop halts dispatching and waits (bounded by ctx) for in-progress
// callbacks to return. Callbacks hand work off, so this is short.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	done := e.c.Stop().Done()
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Location is the zone cron expressions are evaluated in.
func (e *Engine) Location() *time.Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loc
}

// SetLocation rebuilds the cron instance in loc and re-adds every active
// handle. Triggers carry their own zone, so callers re-arm cron handles
// with triggers translated for loc.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loc.String() == loc.String() {
		return
	}
	wasRunning := e.running
	if wasRunning {
		<-e.c.Stop().Done()
	}
	e.loc = loc
	e.c = newCron(loc)
	for _, h := range e.handles {
		h.entryID = 0
		if h.active {
			e.addLocked(h)
		}
	}
	if wasRunning {
		e.c.Start()
	}
	e.log.Info("timer engine relocated", logx.String("tz", loc.String()), logx.Int("timers", len(e.handles)))
}

// Arm creates or replaces the handle called name. The handle starts active.
func (e *Engine) Arm(name string, t schedule.Trigger, fn func()) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("timer name required")
	}
	if t.Schedule == nil {
		return errors.Newf("timer %s: trigger has no schedule", name)
	}
	if fn == nil {
		return errors.Newf("timer %s: callback required", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disarmLocked(name)
	h := &handle{name: name, trigger: t, fn: fn, active: true}
	e.handles[name] = h
	e.addLocked(h)
	if e.log.Enabled(logx.LevelDebug) {
		e.log.Debug("timer armed", logx.String("name", name), logx.String("spec", t.Spec), logx.String("next", e.previewLocked(t, 3)))
	}
	return nil
}

// Activate resumes a deactivated handle.
func (e *Engine) Activate(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[name]
	if !ok {
		return ErrNotArmed
	}
	if !h.active {
		h.active = true
		e.addLocked(h)
	}
	return nil
}

// Deactivate stops a handle from firing but keeps it for Activate.
func (e *Engine) Deactivate(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[name]
	if !ok {
		return ErrNotArmed
	}
	h.active = false
	e.removeLocked(h)
	return nil
}

// Disarm forgets the handle. It reports whether one existed.
func (e *Engine) Disarm(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disarmLocked(name)
}

// Fire runs the callback of an active handle right now on the caller's
// goroutine, as if its trigger had elapsed. It reports whether the callback
// ran.
func (e *Engine) Fire(name string) bool {
	e.mu.Lock()
	h, ok := e.handles[name]
	if !ok || !h.active {
		e.mu.Unlock()
		return false
	}
	fn := h.fn
	e.mu.Unlock()
	fn()
	return true
}

// Lookup returns the current view of one handle.
func (e *Engine) Lookup(name string) (Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[name]
	if !ok {
		return Info{}, false
	}
	return e.infoLocked(h), true
}

// Snapshot returns every handle ordered by name.
func (e *Engine) Snapshot() []Info {
	e.mu.Lock()
	out := make([]Info, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, e.infoLocked(h))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) infoLocked(h *handle) Info {
	it := Info{Name: h.name, Spec: h.trigger.Spec, Coarsened: h.trigger.Coarsened, Active: h.active}
	if h.entryID != 0 {
		en := e.c.Entry(h.entryID)
		it.Next = en.Next
		it.Prev = en.Prev
	}
	if it.Next.IsZero() && h.active {
		// Not started yet: cron fills Next on Start.
		it.Next = h.trigger.Next(time.Now().In(e.loc))
	}
	return it
}

func (e *Engine) addLocked(h *handle) {
	if h.entryID != 0 {
		return
	}
	h.live.Store(true)
	h.entryID = e.c.Schedule(h.trigger.Schedule, cron.FuncJob(func() {
		// A firing can race Deactivate or Disarm.
		if h.live.Load() {
			h.fn()
		}
	}))
}

func (e *Engine) removeLocked(h *handle) {
	h.live.Store(false)
	if h.entryID != 0 {
		e.c.Remove(h.entryID)
		h.entryID = 0
	}
}

func (e *Engine) disarmLocked(name string) bool {
	h, ok := e.handles[name]
	if !ok {
		return false
	}
	e.removeLocked(h)
	delete(e.handles, name)
	return true
}

// previewLocked lists the next n activations for debug logs.
func (e *Engine) previewLocked(t schedule.Trigger, n int) string {
	var b strings.Builder
	at := time.Now().In(e.loc)
	for i := 0; i < n; i++ {
		at = t.Next(at)
		if at.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(at.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
