// Package job defines the contract every schedulable unit satisfies.
//
// The scheduler never inspects what a job does. It only asks for an identity,
// a schedule, and an outcome:
//
//	type Cleanup struct{ db *sql.DB }
//
//	func (c *Cleanup) ID() string       { return "tokens.cleanup" }
//	func (c *Cleanup) Name() string     { return "Expired token cleanup" }
//	func (c *Cleanup) Schedule() string { return "0 3 * * *" }
//	func (c *Cleanup) Run(ctx context.Context) job.Result {
//		n, err := purge(ctx, c.db)
//		if err != nil {
//			return job.Failed(err)
//		}
//		return job.Processed(n)
//	}
//
// Optional capabilities (Toggle, Describer, Kinded, FailurePolicy) are
// discovered with type assertions; Describe resolves them with defaults.
package job

import (
	"context"
	"errors"
	"strings"
)

// Kind selects how Schedule() is interpreted.
type Kind string

const (
	// KindCron is a calendar expression ("*/5 * * * *", "@daily").
	KindCron Kind = "cron"
	// KindInterval is a whole number of seconds given as a string ("150").
	KindInterval Kind = "interval"
)

// Valid reports whether k is a supported schedule kind.
func (k Kind) Valid() bool { return k == KindCron || k == KindInterval }

// ParseKind normalizes a user supplied kind; empty means cron.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindCron, nil
	case KindCron, KindInterval:
		return k, nil
	default:
		return "", errors.New("schedule_type must be cron or interval")
	}
}

// Job is a named, schedulable unit of work.
type Job interface {
	ID() string
	Name() string
	Schedule() string
	Run(ctx context.Context) Result
}

// Toggle lets a job start out disabled. Default: enabled.
type Toggle interface {
	Enabled() bool
}

// Describer attaches free-form metadata to the persisted definition.
type Describer interface {
	Metadata() map[string]any
}

// Kinded selects the schedule kind. Default: KindCron.
type Kinded interface {
	ScheduleType() Kind
}

// FailurePolicy carries informational health settings. The scheduler stores
// them but does not act on them. A non-positive MaxConsecutiveFailures keeps
// the configured default.
type FailurePolicy interface {
	MaxConsecutiveFailures() int
	AutoRetryOnStartup() bool
}

// Spec is a job with every optional capability resolved.
type Spec struct {
	ID                     string
	Name                   string
	Kind                   Kind
	Schedule               string
	Enabled                bool
	Metadata               map[string]any
	MaxConsecutiveFailures int
	AutoRetryOnStartup     bool
}

// Describe resolves j's optional capabilities. maxFailures is used when j
// does not implement FailurePolicy.
func Describe(j Job, maxFailures int) Spec {
	s := Spec{
		ID:                     strings.TrimSpace(j.ID()),
		Name:                   strings.TrimSpace(j.Name()),
		Kind:                   KindCron,
		Schedule:               strings.TrimSpace(j.Schedule()),
		Enabled:                true,
		Metadata:               map[string]any{},
		MaxConsecutiveFailures: maxFailures,
	}
	if t, ok := j.(Toggle); ok {
		s.Enabled = t.Enabled()
	}
	if d, ok := j.(Describer); ok {
		for k, v := range d.Metadata() {
			s.Metadata[k] = v
		}
	}
	if k, ok := j.(Kinded); ok {
		s.Kind = k.ScheduleType()
	}
	if p, ok := j.(FailurePolicy); ok {
		if n := p.MaxConsecutiveFailures(); n > 0 {
			s.MaxConsecutiveFailures = n
		}
		s.AutoRetryOnStartup = p.AutoRetryOnStartup()
	}
	return s
}
