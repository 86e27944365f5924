// Package issues accumulates observations that jobs want to report in batches
// (for example a periodic digest) instead of one notification per event.
//
// An Accumulator has exactly one owner goroutine. Add, Flush, Clear and Len
// are requests sent to that owner, so concurrent producers never interleave
// partial writes, and Flush returns the previous contents and empties the
// list in the same step.
package issues

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed Accumulator.
var ErrClosed = errors.New("issues: accumulator closed")

// DefaultMaxItems bounds the list when New is given a non-positive size.
const DefaultMaxItems = 1000

// Issue is one observation.
type Issue struct {
	Source  string
	Message string
	At      time.Time
	Fields  map[string]any
}

// Batch is the result of a Flush.
type Batch struct {
	Issues []Issue
	// Dropped counts the oldest issues discarded because the list was full.
	Dropped int
}

type opKind int

const (
	opAdd opKind = iota
	opFlush
	opClear
	opLen
)

type request struct {
	op    opKind
	issue Issue
	reply chan reply
}

type reply struct {
	batch Batch
	n     int
}

type Accumulator struct {
	maxItems int
	reqs     chan request
	done     chan struct{}
	closed   chan struct{}
}

// New starts an accumulator owner goroutine. Call Close to stop it.
func New(maxItems int) *Accumulator {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	a := &Accumulator{
		maxItems: maxItems,
		reqs:     make(chan request),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go a.own()
	return a
}

func (a *Accumulator) own() {
	defer close(a.closed)
	var (
		items   []Issue
		dropped int
	)
	for {
		select {
		case <-a.done:
			return
		case r := <-a.reqs:
			switch r.op {
			case opAdd:
				if r.issue.At.IsZero() {
					r.issue.At = time.Now()
				}
				items = append(items, r.issue)
				if over := len(items) - a.maxItems; over > 0 {
					items = append(items[:0:0], items[over:]...)
					dropped += over
				}
				r.reply <- reply{n: len(items)}
			case opFlush:
				r.reply <- reply{batch: Batch{Issues: items, Dropped: dropped}}
				items = nil
				dropped = 0
			case opClear:
				n := len(items)
				items = nil
				dropped = 0
				r.reply <- reply{n: n}
			case opLen:
				r.reply <- reply{n: len(items)}
			}
		}
	}
}

func (a *Accumulator) do(r request) (reply, error) {
	r.reply = make(chan reply, 1)
	select {
	case <-a.done:
		return reply{}, ErrClosed
	case a.reqs <- r:
	}
	return <-r.reply, nil
}

// Add appends an issue and returns the new length.
func (a *Accumulator) Add(is Issue) (int, error) {
	rep, err := a.do(request{op: opAdd, issue: is})
	return rep.n, err
}

// Flush returns everything accumulated so far and empties the list.
func (a *Accumulator) Flush() (Batch, error) {
	rep, err := a.do(request{op: opFlush})
	return rep.batch, err
}

// Clear discards everything and returns how many issues were dropped.
func (a *Accumulator) Clear() (int, error) {
	rep, err := a.do(request{op: opClear})
	return rep.n, err
}

func (a *Accumulator) Len() (int, error) {
	rep, err := a.do(request{op: opLen})
	return rep.n, err
}

// Close stops the owner goroutine. Pending contents are discarded.
// Close is idempotent.
func (a *Accumulator) Close() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	<-a.closed
}
