package clock

import (
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order (registration order on
// ties), with Now() reporting the deadline being fired. A callback that
// schedules a new timer therefore anchors it at its own fire time, so a
// chain of one-second ticks started at t=0 fires at 1s, 2s, 3s during a
// single Advance(3 * time.Second).
//
// Do not call Advance from inside a callback.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	seq      uint64
	fn       func()
	ch       chan time.Time
	interval time.Duration
	done     bool
}

func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	w := c.addLocked(d, 0)
	w.fn = f
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(w) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	w := c.addLocked(d, d)
	w.ch = ch
	c.mu.Unlock()
	return &Ticker{C: ch, stop: func() { c.cancel(w) }}
}

func (c *FakeClock) addLocked(d, interval time.Duration) *waiter {
	c.seq++
	w := &waiter{deadline: c.now.Add(d), seq: c.seq, interval: interval}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	return w
}

func (c *FakeClock) cancel(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	c.pruneLocked()
	return true
}

// Advance moves time forward by d, firing every timer and ticker whose
// deadline falls inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.deadline
		firedAt := c.now
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.done = true
			c.pruneLocked()
		}
		c.mu.Unlock()

		if next.fn != nil {
			next.fn()
		} else if next.ch != nil {
			select {
			case next.ch <- firedAt:
			default:
			}
		}
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *waiter {
	var best *waiter
	for _, w := range c.waiters {
		if w.done || w.deadline.After(target) {
			continue
		}
		if best == nil || w.deadline.Before(best.deadline) ||
			(w.deadline.Equal(best.deadline) && w.seq < best.seq) {
			best = w
		}
	}
	return best
}

func (c *FakeClock) pruneLocked() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = kept
}

// Pending returns the number of live timers and tickers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForTimers blocks until at least n timers or tickers are live. Use it
// before Advance when another goroutine is expected to register one.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}
