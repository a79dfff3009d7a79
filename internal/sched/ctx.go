// Package sched provides the blocking sleep/wake primitive and the single
// dedicated worker goroutine that the stack's protocol engine is built
// around (spec §4.1, §5).
//
// Ctx plays the role of the original implementation's sched_ctx: a
// condition variable plus an interrupted flag and waiter count, always
// used together with the lock of the table the waiting PCB belongs to.
package sched

import (
	"sync"
	"time"

	"github.com/nsheridan/uspnet/internal/stackerr"
)

// Ctx is a sleep/wake rendezvous point bound to an external lock (normally
// a PCB table's mutex). Sleep must be called with that lock held; it is
// released for the duration of the wait and reacquired before returning.
type Ctx struct {
	cond        *sync.Cond
	interrupted bool
	waiters     int
	destroyed   bool
}

// NewCtx binds a new Ctx to l. l must be the same lock held by every
// caller of Sleep on this Ctx.
func NewCtx(l sync.Locker) *Ctx {
	return &Ctx{cond: sync.NewCond(l)}
}

// Sleep blocks the calling goroutine until Wakeup, Interrupt, or deadline
// (if non-zero) elapses. Must be called with the bound lock held.
func (c *Ctx) Sleep(deadline time.Time) error {
	if c.interrupted {
		return stackerr.New("sched.Sleep", stackerr.Interrupted)
	}

	c.waiters++
	defer func() { c.waiters-- }()

	if deadline.IsZero() {
		c.cond.Wait()
	} else {
		c.waitUntil(deadline)
	}

	if c.interrupted {
		if c.waiters == 1 {
			// last waiter to observe the flag clears it
			c.interrupted = false
		}
		return stackerr.New("sched.Sleep", stackerr.Interrupted)
	}
	return nil
}

// waitUntil wakes cond.Wait at deadline even absent an explicit Wakeup,
// by arranging a timer that reacquires the lock to broadcast. The lock
// is released while blocked in Wait, so the timer goroutine can take it.
func (c *Ctx) waitUntil(deadline time.Time) {
	stop := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		c.cond.L.Lock()
		defer c.cond.L.Unlock()
		select {
		case <-stop:
		default:
			c.cond.Broadcast()
		}
	})
	defer func() {
		close(stop)
		timer.Stop()
	}()

	if time.Now().Before(deadline) && !c.interrupted {
		c.cond.Wait()
	}
}

// Wakeup broadcasts to every sleeper without setting the interrupted flag.
func (c *Ctx) Wakeup() {
	c.cond.Broadcast()
}

// Interrupt sets the interrupted flag and broadcasts. Every sleeper
// (current and future, until cleared) observes an interrupted-error
// result from Sleep.
func (c *Ctx) Interrupt() {
	c.interrupted = true
	c.cond.Broadcast()
}

// Destroy fails while waiters remain; callers must Interrupt and let
// them drain first.
func (c *Ctx) Destroy() error {
	if c.waiters > 0 {
		return stackerr.New("sched.Destroy", stackerr.InvalidState)
	}
	c.destroyed = true
	return nil
}
