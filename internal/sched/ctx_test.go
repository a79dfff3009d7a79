package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsheridan/uspnet/internal/stackerr"
)

func TestCtx_WakeupReturnsNil(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	c := NewCtx(&mu)

	done := make(chan error, 1)
	mu.Lock()
	go func() {
		mu.Lock()
		done <- c.Sleep(time.Time{})
		mu.Unlock()
	}()
	time.Sleep(10 * time.Millisecond)
	c.Wakeup()
	mu.Unlock()

	require.NoError(t, <-done)
}

func TestCtx_InterruptReturnsInterruptedError(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	c := NewCtx(&mu)

	done := make(chan error, 1)
	mu.Lock()
	go func() {
		mu.Lock()
		done <- c.Sleep(time.Time{})
		mu.Unlock()
	}()
	time.Sleep(10 * time.Millisecond)
	c.Interrupt()
	mu.Unlock()

	err := <-done
	require.True(t, stackerr.Is(err, stackerr.Interrupted))
}

func TestCtx_InterruptBeforeSleepReturnsImmediately(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	c := NewCtx(&mu)

	mu.Lock()
	c.Interrupt()
	err := c.Sleep(time.Time{})
	mu.Unlock()

	require.True(t, stackerr.Is(err, stackerr.Interrupted))
}

func TestCtx_DestroyFailsWithWaiters(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	c := NewCtx(&mu)

	started := make(chan struct{})
	mu.Lock()
	go func() {
		mu.Lock()
		close(started)
		_ = c.Sleep(time.Time{})
		mu.Unlock()
	}()
	mu.Unlock()

	<-started
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	err := c.Destroy()
	c.Interrupt()
	mu.Unlock()
	require.Error(t, err)
}
