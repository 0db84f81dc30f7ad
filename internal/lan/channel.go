// Package lan is the boundary to the local-network message channel between
// the POS and the station displays. Frames are LanMessage envelopes keyed by
// message type; delivery is best effort and the dispatch layer retries.
package lan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bakery-kds/internal/common/codec"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/domain"
)

// Channel is implemented by MemoryChannel and AMQPChannel.
type Channel interface {
	// Send wraps payload in an envelope and publishes it. It fails with
	// domain.ErrChannelInactive while disconnected.
	Send(ctx context.Context, msgType string, payload any) error
	// On registers h for msgType and returns its unsubscribe func.
	On(msgType string, h Handler) func()
	IsActive() bool
	// OnStateChange registers fn for connect/disconnect transitions.
	OnStateChange(fn func(active bool)) func()
}

type Handler func(msg Message)

// Message is a received frame. The payload is decoded on demand so a
// handler can pick the concrete LanMessage type.
type Message struct {
	ID        string
	Type      string
	From      string
	Timestamp time.Time

	body  []byte
	codec codec.Codec
}

// Decode decodes the whole envelope into v, typically a
// *domain.LanMessage[P].
func (m Message) Decode(v any) error {
	if err := m.codec.Unmarshal(m.body, v); err != nil {
		return fmt.Errorf("lan: decode %s frame %s: %w", m.Type, m.ID, err)
	}
	return nil
}

// header is the envelope without its payload.
type header struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

func encode(c codec.Codec, from, msgType string, payload any, now time.Time) ([]byte, error) {
	env := domain.LanMessage[any]{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      from,
		Timestamp: now.UTC(),
		Payload:   payload,
	}
	body, err := c.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("lan: encode %s: %w", msgType, err)
	}
	return body, nil
}

func decode(c codec.Codec, body []byte) (Message, error) {
	var h header
	if err := c.Unmarshal(body, &h); err != nil {
		return Message{}, fmt.Errorf("lan: decode header: %w", err)
	}
	if h.Type == "" {
		return Message{}, fmt.Errorf("lan: frame %q has no type", h.ID)
	}
	return Message{ID: h.ID, Type: h.Type, From: h.From, Timestamp: h.Timestamp, body: body, codec: c}, nil
}

// registry holds handlers and state listeners. Dispatch isolates each
// handler so a panic never reaches the transport loop.
type registry struct {
	log *logger.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
	states   map[uint64]func(bool)
}

func newRegistry(log *logger.Logger) *registry {
	return &registry{
		log:      log,
		handlers: make(map[string]map[uint64]Handler),
		states:   make(map[uint64]func(bool)),
	}
}

func (r *registry) on(msgType string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	if r.handlers[msgType] == nil {
		r.handlers[msgType] = make(map[uint64]Handler)
	}
	r.handlers[msgType][id] = h
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers[msgType], id)
	}
}

func (r *registry) onState(fn func(bool)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.states[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.states, id)
	}
}

func (r *registry) dispatch(msg Message) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.handlers[msg.Type]))
	for id := range r.handlers[msg.Type] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, r.handlers[msg.Type][id])
	}
	r.mu.Unlock()

	if len(hs) == 0 {
		r.log.Debug("lan_frame_unhandled", map[string]any{"type": msg.Type, "message_id": msg.ID})
		return
	}
	for _, h := range hs {
		r.call(h, msg)
	}
}

func (r *registry) call(h Handler, msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("lan_handler_panic", fmt.Errorf("%v", p), map[string]any{
				"type":       msg.Type,
				"message_id": msg.ID,
			})
		}
	}()
	h(msg)
}

func (r *registry) notifyState(active bool) {
	r.mu.Lock()
	fns := make([]func(bool), 0, len(r.states))
	for _, fn := range r.states {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("lan_state_listener_panic", fmt.Errorf("%v", p), nil)
				}
			}()
			fn(active)
		}()
	}
}
