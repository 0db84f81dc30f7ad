// Package receiver turns kds_new_order frames into displayed orders and
// acknowledges them to the sender.
package receiver

import (
	"context"
	"time"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/lan"
)

type Options struct {
	// DeviceID is reported in acknowledgements.
	DeviceID     string
	SoundEnabled bool
	PlaySound    func()
	// ExistingOrderIDs lists orders already on the display. Frames for
	// them are ignored and not acknowledged again.
	ExistingOrderIDs func() []string
	AckTimeout       time.Duration
	Clock            clock.Clock
	Log              *logger.Logger
}

// OnNewOrder receives a frame accepted for this station. A non-nil error
// means the order is not on the display, and the frame is not acknowledged.
type OnNewOrder func(p domain.NewOrderPayload, source domain.Source) error

// Subscribe listens for new orders addressed to station. The returned func
// unsubscribes. The receiver keeps no order state of its own.
func Subscribe(ch lan.Channel, station domain.Station, onNewOrder OnNewOrder, opts Options) func() {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Log == nil {
		opts.Log = logger.New("receiver")
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	r := &receiver{ch: ch, station: station, onNewOrder: onNewOrder, opts: opts}
	return ch.On(domain.TypeNewOrder, r.handle)
}

type receiver struct {
	ch         lan.Channel
	station    domain.Station
	onNewOrder OnNewOrder
	opts       Options
}

func (r *receiver) handle(msg lan.Message) {
	log := r.opts.Log
	var env domain.LanMessage[domain.NewOrderPayload]
	if err := msg.Decode(&env); err != nil {
		log.Error("new_order_malformed", err, map[string]any{"message_id": msg.ID})
		return
	}
	p := env.Payload
	if p.OrderID == "" || p.Station == "" {
		log.Warn("new_order_malformed", map[string]any{"message_id": msg.ID, "reason": "missing order_id or station"})
		return
	}
	if !r.station.Accepts(p.Station) {
		log.Debug("new_order_other_station", map[string]any{"order_id": p.OrderID, "station": p.Station})
		return
	}
	if r.known(p.OrderID) {
		log.Debug("new_order_duplicate", map[string]any{"order_id": p.OrderID, "from": env.From})
		return
	}

	if err := r.onNewOrder(p, domain.SourceLAN); err != nil {
		// Left unacknowledged so the sender keeps it queued and alerts.
		log.Warn("new_order_rejected", map[string]any{"order_id": p.OrderID, "from": env.From, "error": err.Error()})
		return
	}
	if r.opts.SoundEnabled && r.opts.PlaySound != nil {
		r.opts.PlaySound()
	}
	log.Info("new_order_received", map[string]any{
		"order_id": p.OrderID,
		"station":  p.Station,
		"items":    len(p.Items),
		"from":     env.From,
	})

	go r.ack(domain.OrderAckPayload{
		OrderID:        p.OrderID,
		Station:        p.Station,
		DeviceID:       r.opts.DeviceID,
		AcknowledgedAt: r.opts.Clock.Now(),
	})
}

func (r *receiver) known(orderID string) bool {
	if r.opts.ExistingOrderIDs == nil {
		return false
	}
	for _, id := range r.opts.ExistingOrderIDs() {
		if id == orderID {
			return true
		}
	}
	return false
}

// ack is sent once. The dispatcher resends the order if the ACK is lost,
// and that resend is acknowledged only if the order is gone by then.
func (r *receiver) ack(p domain.OrderAckPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.AckTimeout)
	defer cancel()
	if err := r.ch.Send(ctx, domain.TypeOrderAck, p); err != nil {
		r.opts.Log.Error("ack_send_failed", err, map[string]any{"order_id": p.OrderID, "station": p.Station})
	}
}
