package tcp

import (
	"container/heap"
	"sync"
	"time"
)

// TimerSlot identifies one of a connection's four timer slots (spec.md §3
// "Timers", §4.5): retransmit, delayed ACK, keepalive, and TIME-WAIT
// linger. Exactly one timer may be armed per slot at a time; arming an
// already-armed slot replaces its deadline, and cancelling an unarmed slot
// is a no-op.
type TimerSlot uint8

const (
	TimerRetransmit TimerSlot = iota
	TimerDelack
	TimerKeepalive
	TimerLinger
)

func (s TimerSlot) String() string {
	switch s {
	case TimerRetransmit:
		return "retransmit"
	case TimerDelack:
		return "delack"
	case TimerKeepalive:
		return "keepalive"
	case TimerLinger:
		return "linger"
	default:
		return "timer(?)"
	}
}

// Retransmission and delayed-ACK tuning, per spec.md §4.5 and §9 (open
// question: the source caps SYN retries at 3 but leaves data retries
// uncapped; this module picks MaxDataRetries=7, documented in DESIGN.md).
const (
	initialRTO      = 1 * time.Second
	maxRTO          = 64 * time.Second
	delackDelay     = 200 * time.Millisecond
	defaultMSL      = 15 * time.Second // 2*MSL linger default of 30s (spec.md §4.2).
	MaxSynRetries   = 3
	MaxDataRetries  = 7
)

// timerEntry is one scheduled callback, ordered by deadline in the
// service's min-heap.
type timerEntry struct {
	deadline time.Time
	gen      uint64
	fn       func()
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerService is a single goroutine maintaining a min-heap of armed
// timers across every connection it serves (spec.md §4.5/§5: "a monotonic
// scheduler delivering callbacks at or after an absolute timestamp",
// running "on a single scheduler thread distinct from input/output").
// container/heap is used rather than a third-party scheduler library: a
// single-process monotonic min-heap scheduler is exactly the kind of leaf
// data structure the teacher itself would implement on the standard
// library (see DESIGN.md).
type timerService struct {
	mu     sync.Mutex
	h      timerHeap
	wake   chan struct{}
	closed bool
}

func newTimerService() *timerService {
	ts := &timerService{wake: make(chan struct{}, 1)}
	go ts.run()
	return ts
}

// TimerService is the scheduler goroutine type a Stack shares across every
// Conn it owns (spec.md §5: "single scheduler thread distinct from
// input/output"). It is an alias rather than a fresh exported type because
// nothing outside this package needs to see its fields, only pass the
// pointer to NewConn and, at shutdown, call Close.
type TimerService = timerService

// NewTimerService starts the scheduler goroutine.
func NewTimerService() *TimerService { return newTimerService() }

func (ts *timerService) run() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		ts.mu.Lock()
		if ts.closed {
			ts.mu.Unlock()
			return
		}
		wait := time.Hour
		if len(ts.h) > 0 {
			wait = time.Until(ts.h[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		ts.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-ts.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		ts.fireDue()
	}
}

func (ts *timerService) fireDue() {
	now := time.Now()
	for {
		ts.mu.Lock()
		if len(ts.h) == 0 || ts.h[0].deadline.After(now) {
			ts.mu.Unlock()
			return
		}
		e := heap.Pop(&ts.h).(*timerEntry)
		ts.mu.Unlock()
		e.fn()
	}
}

func (ts *timerService) nudge() {
	select {
	case ts.wake <- struct{}{}:
	default:
	}
}

// Close stops the scheduler goroutine. Armed timers are abandoned; callers
// should only do this on process shutdown.
func (ts *timerService) Close() {
	ts.mu.Lock()
	ts.closed = true
	ts.mu.Unlock()
	ts.nudge()
}

// Timer is one cancellable, re-armable slot bound to a timerService. Per
// spec.md §9 (weak connection identifiers for the TCB<->timer cyclic
// reference): Timer does not hold a pointer to any TCB/Handler state
// directly, only the callback closure the owner supplies at Arm time, so
// the owner decides how to look up and lock its own state inside fn
// (and can no-op gracefully if it has since been released).
type Timer struct {
	svc   *timerService
	mu    sync.Mutex
	gen   uint64
	entry *timerEntry
}

func newTimer(svc *timerService) *Timer { return &Timer{svc: svc} }

// Arm schedules fn to run at or after deadline, replacing any
// previously-armed deadline on this slot. fn runs on the timer service's
// own goroutine; it must take whatever lock protects the owner's state
// itself (Timer holds none) and must not call back into a blocking
// application-facing operation (spec.md §5).
func (t *Timer) Arm(deadline time.Time, fn func()) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	entry := &timerEntry{deadline: deadline, gen: gen}
	entry.fn = func() {
		t.mu.Lock()
		live := t.gen == gen
		if live {
			t.entry = nil
		}
		t.mu.Unlock()
		if live {
			fn()
		}
	}

	t.svc.mu.Lock()
	t.mu.Lock()
	if t.entry != nil && t.entry.index >= 0 {
		heap.Remove(&t.svc.h, t.entry.index)
	}
	t.entry = entry
	t.mu.Unlock()
	heap.Push(&t.svc.h, entry)
	t.svc.mu.Unlock()
	t.svc.nudge()
}

// Cancel disarms the slot. A no-op if it was not armed.
func (t *Timer) Cancel() {
	t.svc.mu.Lock()
	t.mu.Lock()
	if t.entry != nil && t.entry.index >= 0 {
		heap.Remove(&t.svc.h, t.entry.index)
	}
	t.entry = nil
	t.gen++
	t.mu.Unlock()
	t.svc.mu.Unlock()
}

// Armed reports whether the slot currently has a pending deadline.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry != nil
}
