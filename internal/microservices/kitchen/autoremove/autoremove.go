// Package autoremove counts down and removes orders whose items are all
// done. Timer fires never touch machine state directly: they are posted as
// events to the owning loop, tagged with the generation that armed them.
package autoremove

import (
	"time"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/domain"
)

type Config struct {
	// Delay is the time from the guard becoming true to the exit animation.
	Delay time.Duration
	// ExitDelay is the exit animation length before completion.
	ExitDelay time.Duration
}

func DefaultConfig() Config {
	return Config{Delay: 5 * time.Second, ExitDelay: 300 * time.Millisecond}
}

const tick = time.Second

// State is the view a display renders.
type State struct {
	IsCountingDown bool `json:"is_counting_down"`
	IsExiting      bool `json:"is_exiting"`
	IsCompleted    bool `json:"is_completed"`
	IsCancelled    bool `json:"is_cancelled"`
	TimeRemaining  int  `json:"time_remaining"`
}

type EventKind int

const (
	EventTick EventKind = iota
	EventExit
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventExit:
		return "exit"
	case EventComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event is a timer fire addressed to one machine.
type Event struct {
	OrderID string
	Gen     uint64
	Kind    EventKind
}

// Post hands an event to the goroutine that owns the machines. It must not
// call back into the machine synchronously from another goroutine.
type Post func(Event)

type phase int

const (
	phaseIdle phase = iota
	phaseCounting
	phaseExiting
	phaseCompleted
)

// Machine is the auto-remove state for one order on one station. It is not
// safe for concurrent use.
type Machine struct {
	orderID    string
	station    domain.Station
	cfg        Config
	clk        clock.Clock
	post       Post
	onComplete func(orderID string)

	phase     phase
	cancelled bool
	torn      bool
	remaining int
	gen       uint64

	tickT, exitT, completeT *clock.Timer
}

func New(orderID string, station domain.Station, cfg Config, clk clock.Clock, post Post, onComplete func(string)) *Machine {
	m := &Machine{
		orderID:    orderID,
		station:    station,
		cfg:        cfg,
		clk:        clk,
		post:       post,
		onComplete: onComplete,
	}
	m.remaining = m.fullSeconds()
	return m
}

func (m *Machine) fullSeconds() int { return int(m.cfg.Delay / time.Second) }

func (m *Machine) State() State {
	return State{
		IsCountingDown: m.phase == phaseCounting,
		IsExiting:      m.phase == phaseExiting,
		IsCompleted:    m.phase == phaseCompleted,
		IsCancelled:    m.cancelled,
		TimeRemaining:  m.remaining,
	}
}

// Evaluate applies the guard for the order's current items. Counting starts
// when every item relevant to the station is done. When the guard drops
// the machine goes back to idle and a previous cancel is forgotten.
func (m *Machine) Evaluate(o domain.Order) {
	if m.torn || m.phase == phaseCompleted {
		return
	}
	ready := !m.station.IsAll() && o.AllReadyFor(m.station)
	switch {
	case !ready:
		m.cancelled = false
		if m.phase != phaseIdle {
			m.reset()
		}
	case m.cancelled:
	case m.phase == phaseIdle:
		m.startCounting()
	}
}

func (m *Machine) startCounting() {
	m.stopTimers()
	m.gen++
	m.phase = phaseCounting
	m.remaining = m.fullSeconds()
	m.tickT = m.schedule(tick, EventTick)
	m.exitT = m.schedule(m.cfg.Delay, EventExit)
}

func (m *Machine) schedule(d time.Duration, kind EventKind) *clock.Timer {
	ev := Event{OrderID: m.orderID, Gen: m.gen, Kind: kind}
	return m.clk.AfterFunc(d, func() { m.post(ev) })
}

// Handle applies a posted timer event. Events from an earlier generation
// are dropped.
func (m *Machine) Handle(ev Event) {
	if m.torn || ev.Gen != m.gen {
		return
	}
	switch ev.Kind {
	case EventTick:
		if m.phase != phaseCounting {
			return
		}
		m.remaining = max(m.remaining-1, 0)
		m.tickT = m.schedule(tick, EventTick)
	case EventExit:
		if m.phase != phaseCounting {
			return
		}
		m.tickT.Stop()
		m.phase = phaseExiting
		m.remaining = 0
		m.completeT = m.schedule(m.cfg.ExitDelay, EventComplete)
	case EventComplete:
		if m.phase != phaseExiting {
			return
		}
		m.phase = phaseCompleted
		m.stopTimers()
		if m.onComplete != nil {
			m.onComplete(m.orderID)
		}
	}
}

// Cancel stops a running countdown and keeps the machine idle until the
// guard drops and rises again.
func (m *Machine) Cancel() {
	if m.torn || m.phase == phaseCompleted {
		return
	}
	m.reset()
	m.cancelled = true
}

func (m *Machine) reset() {
	m.stopTimers()
	m.gen++
	m.phase = phaseIdle
	m.remaining = m.fullSeconds()
}

// Teardown stops every timer. The machine ignores all later calls.
func (m *Machine) Teardown() {
	m.stopTimers()
	m.gen++
	m.torn = true
}

func (m *Machine) stopTimers() {
	m.tickT.Stop()
	m.exitT.Stop()
	m.completeT.Stop()
	m.tickT, m.exitT, m.completeT = nil, nil, nil
}
