// Package timer implements the deadline scheduler that drives every
// time-based action in the switch: transaction retransmissions, transaction
// expiry, lingering sweeps and scripted waits.
//
// The engine is the single source of time-based concurrency. Components never
// block; they register a deadline and are called back from the dispatch loop.
// All callbacks run on the loop goroutine, so engine users share one logical
// thread of control and need no locking between themselves.
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handle identifies a scheduled deadline. The zero Handle is never issued.
type Handle struct {
	id uint64
}

// Valid reports whether the handle was issued by an engine.
func (h Handle) Valid() bool { return h.id != 0 }

type entry struct {
	id       uint64
	deadline time.Time
	interval time.Duration // > 0 for repeating entries
	fn       func()
	index    int // heap index, -1 when popped
}

// entryHeap orders entries by deadline, earliest first.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Engine schedules one-shot and repeating deadlines and dispatches them from
// a single loop. Handlers may schedule or cancel other deadlines reentrantly,
// including their own.
type Engine struct {
	mu     sync.Mutex
	heap   entryHeap
	byID   map[uint64]*entry
	nextID uint64
	posted []func()
	wake   chan struct{}
	now    func() time.Time
	log    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, used by tests to advance time manually.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an idle engine. Call Run to start dispatching, or drive it
// manually with Advance in tests.
func New(opts ...Option) *Engine {
	e := &Engine{
		byID: make(map[uint64]*entry),
		wake: make(chan struct{}, 1),
		now:  time.Now,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time from the configured clock.
func (e *Engine) Now() time.Time { return e.now() }

// Schedule registers fn to run once after delay. A non-positive delay makes
// the entry due on the next dispatch.
func (e *Engine) Schedule(delay time.Duration, fn func()) Handle {
	return e.schedule(delay, 0, fn)
}

// ScheduleRepeating registers fn to run every interval. The next deadline is
// always computed from the previous deadline, not from the dispatch time, so
// a slow loop iteration does not accumulate drift beyond one tick.
func (e *Engine) ScheduleRepeating(interval time.Duration, fn func()) Handle {
	if interval <= 0 {
		panic("timer: repeating interval must be positive")
	}
	return e.schedule(interval, interval, fn)
}

func (e *Engine) schedule(delay, interval time.Duration, fn func()) Handle {
	e.mu.Lock()
	e.nextID++
	ent := &entry{
		id:       e.nextID,
		deadline: e.now().Add(delay),
		interval: interval,
		fn:       fn,
	}
	e.byID[ent.id] = ent
	heap.Push(&e.heap, ent)
	e.mu.Unlock()
	e.kick()
	return Handle{id: ent.id}
}

// Cancel removes a scheduled deadline. Cancelling a handle that already fired
// or was already cancelled is a no-op and returns false.
func (e *Engine) Cancel(h Handle) bool {
	if !h.Valid() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.byID[h.id]
	if !ok {
		return false
	}
	delete(e.byID, h.id)
	if ent.index >= 0 {
		heap.Remove(&e.heap, ent.index)
	}
	return true
}

// Post queues fn to run on the dispatch loop as soon as possible. It is the
// entry point for I/O readiness events from other goroutines.
func (e *Engine) Post(fn func()) {
	e.mu.Lock()
	e.posted = append(e.posted, fn)
	e.mu.Unlock()
	e.kick()
}

// NextDeadline returns the earliest outstanding deadline, if any.
func (e *Engine) NextDeadline() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.heap) == 0 {
		return time.Time{}, false
	}
	return e.heap[0].deadline, true
}

// Advance dispatches every entry due at now plus all posted closures, and
// returns the number of handler invocations. The due set is snapshotted
// before any handler runs: a handler cancelling another due entry does not
// suppress that entry's invocation in this round, and entries registered by
// handlers are only considered on the next round.
func (e *Engine) Advance(now time.Time) int {
	e.mu.Lock()
	posted := e.posted
	e.posted = nil

	var due []func()
	for len(e.heap) > 0 && !e.heap[0].deadline.After(now) {
		ent := e.heap[0]
		if ent.interval > 0 {
			// One invocation per elapsed period. The deadline walks
			// forward by whole intervals so it stays phase-locked to
			// the original schedule.
			due = append(due, ent.fn)
			ent.deadline = ent.deadline.Add(ent.interval)
			heap.Fix(&e.heap, 0)
			continue
		}
		heap.Pop(&e.heap)
		delete(e.byID, ent.id)
		due = append(due, ent.fn)
	}
	e.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
	for _, fn := range due {
		fn()
	}
	return len(posted) + len(due)
}

// Run dispatches until ctx is cancelled. It sleeps until the earliest
// deadline or until a Schedule/Post call wakes it.
func (e *Engine) Run(ctx context.Context) error {
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for {
		var wait time.Duration
		if next, ok := e.NextDeadline(); ok {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
		case <-e.wake:
		}
		e.Advance(e.now())
	}
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
