package sched

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Worker is the single dedicated goroutine that drives all protocol
// processing, replacing the original's signal-wait loop over a fixed
// signal set (IRQ, soft-IRQ, event, alarm, hangup) with channel-driven
// equivalents, per spec §9 "Signal-driven I/O". Device driver goroutines
// deliver frames by calling RaiseSoftIRQ after a bounded copy+enqueue;
// all parsing and protocol-state mutation happens here, on Worker's
// goroutine, eliminating re-entrancy between delivery and protocol state.
type Worker struct {
	log *slog.Logger

	drain      func()        // soft-IRQ handler: drains every protocol's input queue
	alarmEvery time.Duration // period of the periodic timer signal
	onAlarm    []func(time.Time)
	onEvent    []func()

	softIRQ chan struct{}
	mu      sync.Mutex // guards onAlarm/onEvent registration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker constructs a Worker whose soft-IRQ handler is drain and whose
// alarm signal fires every alarmEvery (spec default: 1ms).
func NewWorker(log *slog.Logger, drain func(), alarmEvery time.Duration) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		log:        log,
		drain:      drain,
		alarmEvery: alarmEvery,
		softIRQ:    make(chan struct{}, 1),
	}
}

// RegisterTimer adds fn to the set invoked on every alarm tick.
func (w *Worker) RegisterTimer(fn func(time.Time)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onAlarm = append(w.onAlarm, fn)
}

// RegisterEventHandler adds fn to the set invoked by Event. Transports
// register here to interrupt every active PCB's sched.Ctx on shutdown.
func (w *Worker) RegisterEventHandler(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onEvent = append(w.onEvent, fn)
}

// RaiseSoftIRQ schedules a drain pass. Coalescing: if one is already
// pending, this is a no-op, matching a level-triggered soft-IRQ.
func (w *Worker) RaiseSoftIRQ() {
	select {
	case w.softIRQ <- struct{}{}:
	default:
	}
}

// Event fires the stack-wide cancellation broadcast: every registered
// handler (one per transport) is invoked, which in turn interrupts every
// active PCB's sleep context.
func (w *Worker) Event() {
	w.mu.Lock()
	handlers := append([]func(){}, w.onEvent...)
	w.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// IsRunning reports whether the worker loop is active.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Start launches the worker loop if not already running.
func (w *Worker) Start(ctx context.Context) {
	if w.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop terminates the worker loop (the "hangup" signal) and blocks until
// it has exited.
func (w *Worker) Stop() {
	if !w.running.Load() {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.running.Store(false)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if w.alarmEvery > 0 {
		ticker = time.NewTicker(w.alarmEvery)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	w.log.Debug("sched: worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("sched: worker stopped")
			return
		case <-w.softIRQ:
			if w.drain != nil {
				w.drain()
			}
		case now := <-tickCh:
			w.mu.Lock()
			timers := append([]func(time.Time){}, w.onAlarm...)
			w.mu.Unlock()
			for _, fn := range timers {
				fn(now)
			}
		}
	}
}
