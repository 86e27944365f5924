package job

import "context"

// Func adapts plain fields and a function to Job and every optional
// capability. Host code and tests use it instead of declaring a type per job.
type Func struct {
	JobID       string
	JobName     string
	Spec        string
	Kind        Kind // empty means KindCron
	Disabled    bool
	Meta        map[string]any
	MaxFailures int // 0 means the scheduler default
	RetryOnBoot bool
	Fn          func(ctx context.Context) Result
}

var (
	_ Job           = (*Func)(nil)
	_ Toggle        = (*Func)(nil)
	_ Describer     = (*Func)(nil)
	_ Kinded        = (*Func)(nil)
	_ FailurePolicy = (*Func)(nil)
)

func (f *Func) ID() string       { return f.JobID }
func (f *Func) Name() string     { return f.JobName }
func (f *Func) Schedule() string { return f.Spec }
func (f *Func) Enabled() bool    { return !f.Disabled }

func (f *Func) Metadata() map[string]any { return f.Meta }

func (f *Func) ScheduleType() Kind {
	if f.Kind == "" {
		return KindCron
	}
	return f.Kind
}

func (f *Func) MaxConsecutiveFailures() int { return f.MaxFailures }
func (f *Func) AutoRetryOnStartup() bool    { return f.RetryOnBoot }

func (f *Func) Run(ctx context.Context) Result {
	if f.Fn == nil {
		return Done()
	}
	return f.Fn(ctx)
}
