package handoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishThenTake(t *testing.T) {
	m := New[int]("test")

	require.False(t, m.Publish(1))
	v, ok := m.TryTake()
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = m.TryTake()
	require.False(t, ok, "slot should be empty after take")
}

func TestLatestWinsAndCountsOverruns(t *testing.T) {
	rec := &overrunCounter{}
	m := New[int]("snapshots", WithOverrunRecorder(rec))

	const n = 10
	for i := 1; i <= n; i++ {
		m.Publish(i)
	}

	v, ok := m.TryTake()
	require.True(t, ok)
	require.Equal(t, n, v, "consumer must observe the final published value")

	stats := m.Stats()
	require.Equal(t, uint64(n), stats.Published)
	require.Equal(t, uint64(n-1), stats.Overruns)
	require.Equal(t, uint64(1), stats.Taken)
	require.Equal(t, n-1, rec.count("snapshots"))
}

func TestTakeBlocksUntilPublish(t *testing.T) {
	m := New[string]("test")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Publish("hello")
	}()

	v, err := m.Take(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestTakeHonoursContext(t *testing.T) {
	m := New[int]("test")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Take(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	m := New[int]("test")
	m.Publish(7)
	m.Close()
	m.Close()

	require.False(t, m.Publish(8), "publish after close must be dropped")

	v, err := m.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = m.Take(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestPublishNeverBlocksWithoutConsumer(t *testing.T) {
	m := New[int]("test")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 100000 {
			m.Publish(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked with no consumer")
	}
}

// payload is deliberately wide so a torn write would be visible as
// mismatching fields.
type payload struct {
	Seq   int
	Check [8]int
}

func newPayload(seq int) payload {
	p := payload{Seq: seq}
	for i := range p.Check {
		p.Check[i] = seq * (i + 1)
	}
	return p
}

func (p payload) consistent() bool {
	for i, v := range p.Check {
		if v != p.Seq*(i+1) {
			return false
		}
	}
	return true
}

func TestConcurrentPublishConsumeNeverTears(t *testing.T) {
	m := New[payload]("stress")
	const n = 20000

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			m.Publish(newPayload(i))
		}
		m.Close()
	}()

	last := 0
	for {
		v, err := m.Take(ctx)
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		require.True(t, v.consistent(), "torn value observed: %+v", v)
		require.Greater(t, v.Seq, last, "values must arrive in publish order")
		last = v.Seq
	}
	wg.Wait()

	require.Equal(t, n, last, "final published value must be observed")
}

type overrunCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *overrunCounter) IncHandoffOverrun(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[name]++
}

func (c *overrunCounter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}
