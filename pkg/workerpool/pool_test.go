package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(3, 64, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.True(t, p.Submit("", func(context.Context) {
			defer wg.Done()
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPool_KeyDedupe(t *testing.T) {
	p := New(1, 8, zap.NewNop())
	release := make(chan struct{})

	assert.True(t, p.Submit("score:005930", func(context.Context) { <-release }))
	assert.False(t, p.Submit("score:005930", func(context.Context) {}))
	assert.True(t, p.Busy("score:005930"))
	assert.True(t, p.Submit("score:000660", func(context.Context) {}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	close(release)

	require.Eventually(t, func() bool { return !p.Busy("score:005930") }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Submit("score:005930", func(context.Context) {}))
}

func TestPool_FullQueueNeverBlocks(t *testing.T) {
	p := New(1, 1, zap.NewNop())

	assert.True(t, p.Submit("a", func(context.Context) {}))
	assert.False(t, p.Submit("b", func(context.Context) {}))
	assert.Equal(t, int64(1), p.Dropped())
	assert.False(t, p.Busy("b"))
}

func TestPool_SurvivesPanic(t *testing.T) {
	p := New(1, 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	done := make(chan struct{})
	p.Submit("boom", func(context.Context) { panic("x") })
	p.Submit("ok", func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped after panic")
	}
}

func TestPool_DrainWaitsForQueued(t *testing.T) {
	p := New(2, 8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	var done atomic.Int32
	for _, key := range []string{"a", "b", "c", "d"} {
		require.True(t, p.Submit(key, func(context.Context) {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
		}))
	}

	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	require.True(t, p.Drain(dctx))
	assert.EqualValues(t, 4, done.Load())
	assert.False(t, p.Submit("e", func(context.Context) {}), "closed pool rejects work")
}

func TestPool_DrainTimesOut(t *testing.T) {
	p := New(1, 2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx) }()

	block := make(chan struct{})
	require.True(t, p.Submit("slow", func(context.Context) { <-block }))

	dctx, dcancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer dcancel()
	assert.False(t, p.Drain(dctx))

	close(block)
	cancel()
}
