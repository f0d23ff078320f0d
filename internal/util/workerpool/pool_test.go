package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(workers, queue int) *Pool {
	return New(Config{Name: "test", MaxWorkers: workers, QueueSize: queue, Logger: zap.NewNop()})
}

func TestPool_Do_ReturnsResult(t *testing.T) {
	p := newTestPool(2, 4)
	defer p.Stop(time.Second)

	boom := errors.New("boom")
	assert.NoError(t, p.Do(context.Background(), "ok", func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Do(context.Background(), "fail", func(context.Context) error { return boom }), boom)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Total)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestPool_Do_RecoversPanic(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Stop(time.Second)

	err := p.Do(context.Background(), "panics", func(context.Context) error { panic("bad driver") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad driver")
}

func TestPool_Do_BoundsConcurrency(t *testing.T) {
	p := newTestPool(2, 8)
	defer p.Stop(time.Second)

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), "call", func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, uint64(6), p.Stats().Completed)
}

func TestPool_Do_ContextCanceledWhileWaiting(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Stop(time.Second)

	release := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), "blocker", func(context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, "waiter", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestPool_Do_AfterStop(t *testing.T) {
	p := newTestPool(1, 1)
	require.NoError(t, p.Stop(time.Second))

	err := p.Do(context.Background(), "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

type recordingObserver struct {
	mu     sync.Mutex
	active []int
}

func (r *recordingObserver) SetActive(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append(r.active, n)
}

func (r *recordingObserver) SetQueued(int) {}

func TestPool_Observer(t *testing.T) {
	obs := &recordingObserver{}
	p := New(Config{Name: "observed", MaxWorkers: 1, QueueSize: 1, Observer: obs})
	defer p.Stop(time.Second)

	require.NoError(t, p.Do(context.Background(), "call", func(context.Context) error { return nil }))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Contains(t, obs.active, 1)
}
