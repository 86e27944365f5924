package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: JobStarted, Job: JobInfo{JobID: "x"}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, JobStarted, e.Type)
		assert.Equal(t, "x", e.Job.JobID)
		assert.False(t, e.Time.IsZero())
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobSucceeded})
	b.Publish(Event{Type: JobFailed})
	assert.EqualValues(t, 1, b.Dropped())
	assert.Equal(t, JobSucceeded, (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: JobSkipped})
}
