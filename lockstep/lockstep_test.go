package lockstep

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gantrybridge/errors"
)

type countingObserver struct {
	mu         sync.Mutex
	blocked    int
	immediate  int
	violations []string
}

func (o *countingObserver) Waited(blocked bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if blocked {
		o.blocked++
	} else {
		o.immediate++
	}
}

func (o *countingObserver) Violation(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.violations = append(o.violations, op)
}

func TestAsyncNeverBlocks(t *testing.T) {
	c := New(nil, nil)
	assert.Equal(t, Async, c.Mode())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Wait(ctx))
	}
	assert.NoError(t, c.Unlock(), "unlock is ignored in async mode")
	assert.NoError(t, c.Lock())
	assert.Equal(t, Async, c.Mode())
}

func TestSyncWaitBlocksUntilUnlock(t *testing.T) {
	obs := &countingObserver{}
	c := New(nil, obs)
	c.Configure(true)
	assert.Equal(t, SyncLocked, c.Mode())

	var passed atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			if err := c.Wait(context.Background()); err != nil {
				return
			}
			passed.Add(1)
		}
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), passed.Load(), "read-out must block before the first unlock")

	require.NoError(t, c.Unlock())
	assert.Eventually(t, func() bool { return passed.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), passed.Load(), "one unlock releases exactly one wait")
	assert.Equal(t, SyncLocked, c.Mode())

	require.NoError(t, c.Unlock())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second wait was not released")
	}
	assert.Equal(t, int32(2), passed.Load())
}

func TestSyncUnlockBeforeWait(t *testing.T) {
	obs := &countingObserver{}
	c := New(nil, obs)
	c.Configure(true)

	require.NoError(t, c.Unlock())
	assert.Equal(t, SyncIdle, c.Mode())

	require.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, SyncLocked, c.Mode())
	assert.Equal(t, 1, obs.immediate)
}

func TestSyncViolations(t *testing.T) {
	obs := &countingObserver{}
	c := New(nil, obs)
	c.Configure(true)

	err := c.Lock()
	assert.ErrorIs(t, err, errors.ErrSyncViolation)
	assert.Equal(t, SyncLocked, c.Mode())

	require.NoError(t, c.Unlock())
	err = c.Unlock()
	assert.ErrorIs(t, err, errors.ErrSyncViolation)
	assert.Equal(t, SyncIdle, c.Mode())

	assert.Equal(t, []string{"lock", "unlock"}, obs.violations)
}

func TestWaitHonoursContext(t *testing.T) {
	c := New(nil, nil)
	c.Configure(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, SyncLocked, c.Mode())
}

func TestConfigureAsyncReleases(t *testing.T) {
	c := New(nil, nil)
	c.Configure(true)
	c.Configure(false)
	assert.Equal(t, Async, c.Mode())

	c.Configure(true)
	assert.Equal(t, SyncLocked, c.Mode())
}
