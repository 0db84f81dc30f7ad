// Package alert repeats an audible alert while critical orders are waiting.
package alert

import (
	"sync"
	"time"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/notify"
)

// Loop plays notify.SoundAlert every interval while it is enabled. The
// first alert comes one interval after enabling, never immediately.
type Loop struct {
	clk      clock.Clock
	interval time.Duration
	player   notify.Player

	mu      sync.Mutex
	running bool
	gen     uint64
	timer   *clock.Timer
}

func New(clk clock.Clock, interval time.Duration, player notify.Player) *Loop {
	return &Loop{clk: clk, interval: interval, player: player}
}

// Update starts the loop when there are critical orders and sound is on,
// and stops it at once otherwise. Repeated calls with the same inputs keep
// the current rhythm.
func (l *Loop) Update(criticalCount int, soundEnabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	want := criticalCount > 0 && soundEnabled
	switch {
	case want && !l.running:
		l.running = true
		l.gen++
		l.scheduleLocked(l.gen)
	case !want && l.running:
		l.stopLocked()
	}
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stop silences the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	l.running = false
	l.gen++
	l.timer.Stop()
	l.timer = nil
}

func (l *Loop) scheduleLocked(gen uint64) {
	l.timer = l.clk.AfterFunc(l.interval, func() { l.fire(gen) })
}

func (l *Loop) fire(gen uint64) {
	l.mu.Lock()
	if !l.running || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.scheduleLocked(gen)
	l.mu.Unlock()
	l.player.Play(notify.SoundAlert)
}
