package issues

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushReturnsAndEmpties(t *testing.T) {
	t.Parallel()
	a := New(10)
	defer a.Close()

	for i := 0; i < 3; i++ {
		_, err := a.Add(Issue{Source: "scrape", Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	b, err := a.Flush()
	require.NoError(t, err)
	require.Len(t, b.Issues, 3)
	assert.Equal(t, "m0", b.Issues[0].Message)
	assert.False(t, b.Issues[0].At.IsZero())

	n, err := a.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	b, err = a.Flush()
	require.NoError(t, err)
	assert.Empty(t, b.Issues)
}

func TestBoundedDropsOldest(t *testing.T) {
	t.Parallel()
	a := New(2)
	defer a.Close()
	for _, m := range []string{"a", "b", "c"} {
		_, err := a.Add(Issue{Message: m})
		require.NoError(t, err)
	}
	b, err := a.Flush()
	require.NoError(t, err)
	require.Len(t, b.Issues, 2)
	assert.Equal(t, "b", b.Issues[0].Message)
	assert.Equal(t, 1, b.Dropped)
}

func TestClear(t *testing.T) {
	t.Parallel()
	a := New(0)
	defer a.Close()
	_, _ = a.Add(Issue{Message: "x"})
	n, err := a.Clear()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = a.Len()
	assert.Zero(t, n)
}

func TestConcurrentAddNeverLosesOrDuplicates(t *testing.T) {
	t.Parallel()
	a := New(10000)
	defer a.Close()

	const producers, each = 8, 200
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flushed []Issue
	)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := a.Add(Issue{Source: fmt.Sprint(p), Message: fmt.Sprint(i)})
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			b, err := a.Flush()
			assert.NoError(t, err)
			mu.Lock()
			flushed = append(flushed, b.Issues...)
			mu.Unlock()
		}
	}()
	wg.Wait()

	rest, err := a.Flush()
	require.NoError(t, err)
	flushed = append(flushed, rest.Issues...)
	require.Len(t, flushed, producers*each)

	seen := map[string]bool{}
	for _, is := range flushed {
		k := is.Source + "/" + is.Message
		assert.False(t, seen[k], "duplicate %s", k)
		seen[k] = true
	}
}

func TestClosed(t *testing.T) {
	t.Parallel()
	a := New(1)
	a.Close()
	a.Close()
	_, err := a.Add(Issue{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.Flush()
	assert.ErrorIs(t, err, ErrClosed)
}
