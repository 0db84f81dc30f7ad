package lan

import (
	"context"
	"fmt"
	"sync"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/codec"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/domain"
)

// Hub is an in-process LAN segment. Every frame sent by one endpoint is
// delivered to every other joined endpoint.
type Hub struct {
	codec codec.Codec
	clk   clock.Clock

	mu        sync.Mutex
	active    bool
	endpoints map[*MemoryChannel]struct{}
	sendErr   error
	failNext  int
}

func NewHub(c codec.Codec, clk clock.Clock) *Hub {
	if c == nil {
		c = codec.JSON{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{codec: c, clk: clk, active: true, endpoints: make(map[*MemoryChannel]struct{})}
}

// Join attaches a device to the hub. Close detaches it.
func (h *Hub) Join(deviceID string, log *logger.Logger) *MemoryChannel {
	if log == nil {
		log = logger.New("lan")
	}
	m := &MemoryChannel{
		hub:      h,
		deviceID: deviceID,
		reg:      newRegistry(log),
		inbox:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.endpoints[m] = struct{}{}
	h.mu.Unlock()
	go m.loop()
	return m
}

// SetActive toggles connectivity for every endpoint and notifies listeners
// when the state actually changes.
func (h *Hub) SetActive(active bool) {
	h.mu.Lock()
	if h.active == active {
		h.mu.Unlock()
		return
	}
	h.active = active
	eps := h.snapshotLocked()
	h.mu.Unlock()
	for _, ep := range eps {
		ep.reg.notifyState(active)
	}
}

// FailNext makes the next n sends fail with err while staying active.
func (h *Hub) FailNext(n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext = n
	h.sendErr = err
}

func (h *Hub) snapshotLocked() []*MemoryChannel {
	out := make([]*MemoryChannel, 0, len(h.endpoints))
	for ep := range h.endpoints {
		out = append(out, ep)
	}
	return out
}

func (h *Hub) isActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Hub) publish(from *MemoryChannel, body []byte) error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return domain.ErrChannelInactive
	}
	if h.failNext > 0 {
		h.failNext--
		err := h.sendErr
		h.mu.Unlock()
		return err
	}
	eps := h.snapshotLocked()
	h.mu.Unlock()

	for _, ep := range eps {
		if ep == from {
			continue
		}
		ep.deliver(body)
	}
	return nil
}

// MemoryChannel is one device's endpoint on a Hub.
type MemoryChannel struct {
	hub      *Hub
	deviceID string
	reg      *registry

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ Channel = (*MemoryChannel)(nil)

func (m *MemoryChannel) Send(ctx context.Context, msgType string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(m.hub.codec, m.deviceID, msgType, payload, m.hub.clk.Now())
	if err != nil {
		return err
	}
	if err := m.hub.publish(m, body); err != nil {
		return fmt.Errorf("lan: send %s: %w", msgType, err)
	}
	return nil
}

func (m *MemoryChannel) On(msgType string, h Handler) func() { return m.reg.on(msgType, h) }

func (m *MemoryChannel) IsActive() bool { return m.hub.isActive() }

func (m *MemoryChannel) OnStateChange(fn func(bool)) func() { return m.reg.onState(fn) }

// Close detaches the endpoint and stops its delivery loop.
func (m *MemoryChannel) Close() {
	m.closeOnce.Do(func() {
		m.hub.mu.Lock()
		delete(m.hub.endpoints, m)
		m.hub.mu.Unlock()
		close(m.done)
	})
}

func (m *MemoryChannel) deliver(body []byte) {
	select {
	case m.inbox <- body:
	case <-m.done:
	}
}

func (m *MemoryChannel) loop() {
	for {
		select {
		case <-m.done:
			return
		case body := <-m.inbox:
			msg, err := decode(m.hub.codec, body)
			if err != nil {
				m.reg.log.Error("lan_frame_dropped", err, nil)
				continue
			}
			m.reg.dispatch(msg)
		}
	}
}
