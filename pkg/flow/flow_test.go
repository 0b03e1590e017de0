package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/pkg/types"
)

func TestAcquireRelease(t *testing.T) {
	c := NewController(2, 1, []string{"KIMI", "GLM"}, nil)

	release1, err := c.Acquire(context.Background(), "KIMI")
	require.NoError(t, err)

	// Provider layer full: second KIMI call queues and times out as Overloaded.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "KIMI")
	require.Error(t, err)
	assert.Equal(t, types.ErrOverloaded, types.KindOf(err))
	assert.Equal(t, "provider", types.DetailsOf(err)["layer"])

	// A different provider still fits under the global cap.
	release2, err := c.Acquire(context.Background(), "GLM")
	require.NoError(t, err)

	release1()
	release2()

	release3, err := c.Acquire(context.Background(), "KIMI")
	require.NoError(t, err)
	release3()
}

func TestAcquireGlobalLayer(t *testing.T) {
	c := NewController(1, 5, []string{"KIMI", "GLM"}, nil)

	release, err := c.Acquire(context.Background(), "KIMI")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "GLM")
	require.Error(t, err)
	assert.Equal(t, "global", types.DetailsOf(err)["layer"])
}

func TestDoCollapsesConcurrentCalls(t *testing.T) {
	c := NewController(4, 4, []string{"KIMI"}, nil)

	var executions int32
	started := make(chan struct{})
	finish := make(chan struct{})

	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := c.Do(context.Background(), "fp", "KIMI", func() (interface{}, error) {
			atomic.AddInt32(&executions, 1)
			close(started)
			<-finish
			return "answer", nil
		})
		leaderDone <- err
	}()
	<-started

	var wg sync.WaitGroup
	var shared int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, wasShared, err := c.Do(context.Background(), "fp", "KIMI", func() (interface{}, error) {
				atomic.AddInt32(&executions, 1)
				return "should not run", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "answer", val)
			if wasShared {
				atomic.AddInt32(&shared, 1)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(finish)
	wg.Wait()
	require.NoError(t, <-leaderDone)

	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))
	assert.Equal(t, int32(3), atomic.LoadInt32(&shared))
}

func TestDoWaiterDetachesOnContextExpiry(t *testing.T) {
	c := NewController(4, 4, []string{"KIMI"}, nil)

	started := make(chan struct{})
	finish := make(chan struct{})
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		_, _, err := c.Do(context.Background(), "fp", "KIMI", func() (interface{}, error) {
			close(started)
			<-finish
			return "late", nil
		})
		assert.NoError(t, err)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.Do(ctx, "fp", "KIMI", func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The leader is unaffected by the waiter's departure.
	close(finish)
	<-leaderDone
}

func TestDoLeaderErrorSharedWithWaiters(t *testing.T) {
	c := NewController(4, 4, []string{"KIMI"}, nil)

	started := make(chan struct{})
	finish := make(chan struct{})
	go func() {
		_, _, _ = c.Do(context.Background(), "fp", "KIMI", func() (interface{}, error) {
			close(started)
			<-finish
			return nil, types.NewError(types.ErrCancelled, "leader cancelled")
		})
	}()
	<-started

	waiterErr := make(chan error, 1)
	go func() {
		_, _, err := c.Do(context.Background(), "fp", "KIMI", func() (interface{}, error) { return nil, nil })
		waiterErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(finish)
	assert.Equal(t, types.ErrCancelled, types.KindOf(<-waiterErr))
}

func TestDoFreshExecutionAfterCompletion(t *testing.T) {
	c := NewController(4, 4, []string{"KIMI"}, nil)

	var executions int32
	run := func() {
		_, _, err := c.Do(context.Background(), "fp", "KIMI", func() (interface{}, error) {
			atomic.AddInt32(&executions, 1)
			return "x", nil
		})
		require.NoError(t, err)
	}
	run()
	run()
	assert.Equal(t, int32(2), atomic.LoadInt32(&executions))
}

func TestDoPermitWaitExpiryIsOverloaded(t *testing.T) {
	c := NewController(4, 1, []string{"KIMI"}, nil)

	release, err := c.Acquire(context.Background(), "KIMI")
	require.NoError(t, err)
	defer release()

	// The provider pool is exhausted; the deadline expires while the leader
	// is still queued for its permit. That is backpressure, not a timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = c.Do(ctx, "fp", "KIMI", func() (interface{}, error) { return "never", nil })
	require.Error(t, err)
	assert.Equal(t, types.ErrOverloaded, types.KindOf(err))
	assert.True(t, types.KindOf(err).Retryable())
}
