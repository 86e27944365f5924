// Package schedule turns a job's (kind, value) pair into a cron trigger.
//
// Supported forms:
//   - cron: standard 5-field crontab ("*/5 * * * *"), an optional leading
//     seconds field ("0 */5 * * * *") and descriptors ("@hourly", "@every 90s").
//   - interval: whole seconds as a decimal string ("150"). Intervals are
//     floored to whole minutes; anything under a minute runs every minute.
//
// Translate is pure. Callers decide what to log.
package schedule

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"jobkeeper/pkg/job"
)

// ErrScheduleParse matches every *ParseError via errors.Is.
var ErrScheduleParse = errors.New("schedule parse error")

// ParseError reports a schedule value that could not be translated.
type ParseError struct {
	Kind  job.Kind
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return "invalid " + string(e.Kind) + " schedule " + strconv.Quote(e.Value) + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrScheduleParse }

// Parser is the cron grammar used for every cron trigger.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Trigger is a translated schedule.
type Trigger struct {
	Kind job.Kind
	// Spec is the normalized expression handed to the cron parser.
	Spec     string
	Schedule cron.Schedule
	// Every is set for interval triggers.
	Every time.Duration
	// Coarsened is true when an interval below one minute was rounded up
	// to one minute.
	Coarsened bool
}

// Translate converts (kind, value) into a Trigger. Cron expressions are
// evaluated in loc unless they carry their own CRON_TZ= prefix; a nil loc
// means time.Local. "@every" and interval triggers are zone independent.
func Translate(kind job.Kind, value string, loc *time.Location) (Trigger, error) {
	value = strings.TrimSpace(value)
	switch kind {
	case job.KindCron, "":
		return translateCron(value, loc)
	case job.KindInterval:
		return translateInterval(value)
	default:
		return Trigger{}, &ParseError{Kind: kind, Value: value, Err: errors.Newf("unsupported schedule type %q", kind)}
	}
}

func translateCron(value string, loc *time.Location) (Trigger, error) {
	if value == "" {
		return Trigger{}, &ParseError{Kind: job.KindCron, Value: value, Err: errors.New("expression required")}
	}
	sched, err := Parser.Parse(value)
	if err != nil {
		return Trigger{}, &ParseError{Kind: job.KindCron, Value: value, Err: err}
	}
	explicitTZ := strings.HasPrefix(value, "TZ=") || strings.HasPrefix(value, "CRON_TZ=")
	if ss, ok := sched.(*cron.SpecSchedule); ok && loc != nil && !explicitTZ {
		ss.Location = loc
	}
	return Trigger{Kind: job.KindCron, Spec: value, Schedule: sched}, nil
}

func translateInterval(value string) (Trigger, error) {
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return Trigger{}, &ParseError{Kind: job.KindInterval, Value: value, Err: errors.New("interval must be a whole number of seconds")}
	}
	if secs <= 0 {
		return Trigger{}, &ParseError{Kind: job.KindInterval, Value: value, Err: errors.New("interval must be > 0")}
	}
	if secs > math.MaxInt64/int64(time.Second) {
		return Trigger{}, &ParseError{Kind: job.KindInterval, Value: value, Err: errors.New("interval too large")}
	}
	minutes := secs / 60
	coarsened := false
	if minutes == 0 {
		minutes = 1
		coarsened = true
	}
	every := time.Duration(minutes) * time.Minute
	spec := "@every " + strconv.FormatInt(minutes, 10) + "m"
	return Trigger{
		Kind:      job.KindInterval,
		Spec:      spec,
		Schedule:  cron.Every(every),
		Every:     every,
		Coarsened: coarsened,
	}, nil
}

// Next returns the first activation strictly after from.
func (t Trigger) Next(from time.Time) time.Time {
	if t.Schedule == nil {
		return time.Time{}
	}
	return t.Schedule.Next(from)
}
