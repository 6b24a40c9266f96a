package tcp

import (
	"sync"
	"testing"
	"time"
)

func TestTimerFiresOnce(t *testing.T) {
	svc := newTimerService()
	defer svc.Close()

	timer := newTimer(svc)
	fired := make(chan struct{}, 1)
	timer.Arm(time.Now().Add(10*time.Millisecond), func() { fired <- struct{}{} })
	if !timer.Armed() {
		t.Fatalf("Armed() = false right after Arm")
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire within 1s")
	}
}

func TestTimerCancelPreventsFire(t *testing.T) {
	svc := newTimerService()
	defer svc.Close()

	timer := newTimer(svc)
	var fired bool
	var mu sync.Mutex
	timer.Arm(time.Now().Add(30*time.Millisecond), func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	timer.Cancel()
	if timer.Armed() {
		t.Fatalf("Armed() = true right after Cancel")
	}
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	got := fired
	mu.Unlock()
	if got {
		t.Fatalf("cancelled timer fired anyway")
	}
}

func TestTimerRearmReplacesDeadline(t *testing.T) {
	svc := newTimerService()
	defer svc.Close()

	timer := newTimer(svc)
	order := make(chan int, 2)
	timer.Arm(time.Now().Add(200*time.Millisecond), func() { order <- 1 })
	// Re-arming before the first deadline must cancel it outright: only
	// the second callback should ever run.
	timer.Arm(time.Now().Add(10*time.Millisecond), func() { order <- 2 })

	select {
	case got := <-order:
		if got != 2 {
			t.Fatalf("first fire = %d, want 2 (the re-armed deadline)", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("re-armed timer never fired")
	}

	select {
	case got := <-order:
		t.Fatalf("stale deadline fired too, got %d", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTimerServiceOrdersMultipleTimers(t *testing.T) {
	svc := newTimerService()
	defer svc.Close()

	var mu sync.Mutex
	var fireOrder []int
	record := func(id int) func() {
		return func() {
			mu.Lock()
			fireOrder = append(fireOrder, id)
			mu.Unlock()
		}
	}

	a := newTimer(svc)
	b := newTimer(svc)
	c := newTimer(svc)
	now := time.Now()
	// Armed out of deadline order; they must fire in deadline order.
	b.Arm(now.Add(60*time.Millisecond), record(2))
	a.Arm(now.Add(20*time.Millisecond), record(1))
	c.Arm(now.Add(100*time.Millisecond), record(3))

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	got := append([]int(nil), fireOrder...)
	mu.Unlock()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", got)
	}
}
