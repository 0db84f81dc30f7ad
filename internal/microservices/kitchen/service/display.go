package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/microservices/kitchen/alert"
	"bakery-kds/internal/microservices/kitchen/autoremove"
	"bakery-kds/internal/microservices/kitchen/queue"
	"bakery-kds/internal/notify"
)

var ErrDisplayStopped = errors.New("display loop stopped")

// handleTimeout bounds how long a LAN frame waits for the display loop.
const handleTimeout = 2 * time.Second

type Config struct {
	Station           domain.Station
	Queue             queue.Config
	RecomputeInterval time.Duration
	AutoRemove        autoremove.Config
	AlertInterval     time.Duration
	SoundEnabled      bool
}

type OrderView struct {
	domain.Order
	Urgent     bool             `json:"urgent"`
	AutoRemove autoremove.State `json:"auto_remove"`
}

// Snapshot is everything a station screen renders.
type Snapshot struct {
	Station       domain.Station `json:"station"`
	Orders        []OrderView    `json:"orders"`
	UrgentOrders  []OrderView    `json:"urgent_orders"`
	NormalOrders  []OrderView    `json:"normal_orders"`
	UrgentCount   int            `json:"urgent_count"`
	CriticalCount int            `json:"critical_count"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

type DisplayServiceInterface interface {
	AddOrder(ctx context.Context, o domain.Order) (bool, error)
	SetOrders(ctx context.Context, orders []domain.Order) ([]string, error)
	UpdateOrder(ctx context.Context, id string, p domain.OrderPatch) error
	UpdateOrderItem(ctx context.Context, orderID, itemID string, p domain.ItemPatch) error
	RemoveOrder(ctx context.Context, id string) (bool, error)
	ClearOrders(ctx context.Context) error
	CancelAutoRemove(ctx context.Context, id string) error
	AutoRemoveState(ctx context.Context, id string) (autoremove.State, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Subscribe() (<-chan Snapshot, func())
}

// Display owns a station's order queue, its auto-remove machines and the
// alert loop. All of them are touched only from the Run goroutine; other
// goroutines reach them through Do and Post.
type Display struct {
	cfg    Config
	clk    clock.Clock
	player notify.Player
	log    *logger.Logger

	store    *queue.Store
	machines map[string]*autoremove.Machine
	alert    *alert.Loop

	recompute *clock.Timer
	ops       chan func()
	stopped   chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

var _ DisplayServiceInterface = (*Display)(nil)

func NewDisplay(cfg Config, clk clock.Clock, player notify.Player, log *logger.Logger) *Display {
	d := &Display{
		cfg:      cfg,
		clk:      clk,
		player:   player,
		log:      log,
		machines: make(map[string]*autoremove.Machine),
		alert:    alert.New(clk, cfg.AlertInterval, player),
		ops:      make(chan func(), 64),
		stopped:  make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
	}
	d.store = queue.NewStore(cfg.Queue, clk, d.onUrgent)
	return d
}

// Run executes posted work until ctx is done. It must be called once.
func (d *Display) Run(ctx context.Context) error {
	defer close(d.stopped)
	defer d.teardown()

	d.scheduleRecompute()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-d.ops:
			fn()
		}
	}
}

// scheduleRecompute arms the next urgency recompute. The fire is posted to
// the loop like any other timer event.
func (d *Display) scheduleRecompute() {
	d.recompute = d.clk.AfterFunc(d.cfg.RecomputeInterval, func() {
		d.Post(func() {
			d.scheduleRecompute()
			d.store.Recompute()
			d.changed()
		})
	})
}

func (d *Display) teardown() {
	d.recompute.Stop()
	for id, m := range d.machines {
		m.Teardown()
		delete(d.machines, id)
	}
	d.alert.Stop()
}

// Post queues fn for the display loop without waiting for it to run.
func (d *Display) Post(fn func()) {
	select {
	case d.ops <- fn:
	case <-d.stopped:
	}
}

// Do runs fn on the display loop and waits for it.
func (d *Display) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case d.ops <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrDisplayStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrDisplayStopped
	}
}

func query[T any](ctx context.Context, d *Display, fn func() T) (T, error) {
	res := make(chan T, 1)
	if err := d.Do(ctx, func() { res <- fn() }); err != nil {
		var zero T
		return zero, err
	}
	return <-res, nil
}

type result[T any] struct {
	v   T
	err error
}

func mutate[T any](ctx context.Context, d *Display, fn func() (T, error)) (T, error) {
	r, err := query(ctx, d, func() result[T] {
		v, err := fn()
		d.changed()
		return result[T]{v, err}
	})
	if err != nil {
		return r.v, err
	}
	return r.v, r.err
}

// HandleNewOrder is the receiver callback. It returns once the order is on
// the display, or the reason it is not.
func (d *Display) HandleNewOrder(p domain.NewOrderPayload, src domain.Source) error {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	_, err := mutate(ctx, d, func() (bool, error) { return d.store.AddOrder(p.Order(src)) })
	if err != nil {
		d.log.Warn("new_order_rejected", map[string]any{"order_id": p.OrderID, "error": err.Error()})
	}
	return err
}

// OrderIDs lists the orders on the display. It returns nil if the loop does
// not answer within a second.
func (d *Display) OrderIDs() []string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids, err := query(ctx, d, d.store.IDs)
	if err != nil {
		d.log.Warn("order_ids_unavailable", map[string]any{"error": err.Error()})
	}
	return ids
}

// PlayNewOrder is the receiver's sound hook.
func (d *Display) PlayNewOrder() { d.player.Play(notify.SoundNewOrder) }

func (d *Display) AddOrder(ctx context.Context, o domain.Order) (bool, error) {
	return mutate(ctx, d, func() (bool, error) { return d.store.AddOrder(o) })
}

func (d *Display) SetOrders(ctx context.Context, orders []domain.Order) ([]string, error) {
	return mutate(ctx, d, func() ([]string, error) { return d.store.SetOrders(orders), nil })
}

func (d *Display) UpdateOrder(ctx context.Context, id string, p domain.OrderPatch) error {
	_, err := mutate(ctx, d, func() (struct{}, error) { return struct{}{}, d.store.UpdateOrder(id, p) })
	return err
}

func (d *Display) UpdateOrderItem(ctx context.Context, orderID, itemID string, p domain.ItemPatch) error {
	_, err := mutate(ctx, d, func() (struct{}, error) {
		return struct{}{}, d.store.UpdateOrderItem(orderID, itemID, p)
	})
	return err
}

func (d *Display) RemoveOrder(ctx context.Context, id string) (bool, error) {
	return mutate(ctx, d, func() (bool, error) { return d.store.RemoveOrder(id), nil })
}

func (d *Display) ClearOrders(ctx context.Context) error {
	_, err := mutate(ctx, d, func() (struct{}, error) {
		d.store.ClearOrders()
		return struct{}{}, nil
	})
	return err
}

func (d *Display) CancelAutoRemove(ctx context.Context, id string) error {
	_, err := mutate(ctx, d, func() (struct{}, error) {
		m, ok := d.machines[id]
		if !ok {
			return struct{}{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
		}
		m.Cancel()
		return struct{}{}, nil
	})
	return err
}

func (d *Display) AutoRemoveState(ctx context.Context, id string) (autoremove.State, error) {
	r, err := query(ctx, d, func() result[autoremove.State] {
		m, ok := d.machines[id]
		if !ok {
			return result[autoremove.State]{err: fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)}
		}
		return result[autoremove.State]{v: m.State()}
	})
	if err != nil {
		return autoremove.State{}, err
	}
	return r.v, r.err
}

func (d *Display) Snapshot(ctx context.Context) (Snapshot, error) {
	return query(ctx, d, d.snapshot)
}

// Subscribe returns a feed of snapshots taken after every change. A slow
// reader only ever sees the latest one.
func (d *Display) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	d.subsMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subsMu.Unlock()
	return ch, func() {
		d.subsMu.Lock()
		delete(d.subs, id)
		d.subsMu.Unlock()
	}
}

// changed brings machines and the alert loop in line with the store and
// pushes a snapshot.
func (d *Display) changed() {
	for id, m := range d.machines {
		if !d.store.Contains(id) {
			m.Teardown()
			delete(d.machines, id)
		}
	}
	for _, o := range d.store.Orders() {
		m, ok := d.machines[o.ID]
		if !ok {
			m = autoremove.New(o.ID, d.cfg.Station, d.cfg.AutoRemove, d.clk, d.postTimer, d.autoRemoved)
			d.machines[o.ID] = m
		}
		m.Evaluate(o)
	}
	d.alert.Update(d.store.CriticalCount(), d.cfg.SoundEnabled)
	d.publish(d.snapshot())
}

func (d *Display) postTimer(ev autoremove.Event) {
	d.Post(func() {
		m, ok := d.machines[ev.OrderID]
		if !ok {
			return
		}
		m.Handle(ev)
		d.changed()
	})
}

func (d *Display) autoRemoved(orderID string) {
	if d.store.RemoveOrder(orderID) {
		d.log.Info("order_auto_removed", map[string]any{"order_id": orderID, "station": d.cfg.Station})
	}
}

func (d *Display) onUrgent(o domain.Order) {
	d.log.Info("order_urgent", map[string]any{
		"order_id":    o.ID,
		"order_type":  o.OrderType,
		"age_seconds": int(d.clk.Now().Sub(o.CreatedAt).Seconds()),
	})
	if d.cfg.SoundEnabled {
		d.player.Play(notify.SoundUrgent)
	}
}

func (d *Display) snapshot() Snapshot {
	views := func(orders []domain.Order) []OrderView {
		out := make([]OrderView, 0, len(orders))
		for _, o := range orders {
			v := OrderView{Order: o, Urgent: d.store.IsUrgent(o.ID)}
			if m, ok := d.machines[o.ID]; ok {
				v.AutoRemove = m.State()
			}
			out = append(out, v)
		}
		return out
	}
	return Snapshot{
		Station:       d.cfg.Station,
		Orders:        views(d.store.Orders()),
		UrgentOrders:  views(d.store.UrgentOrders()),
		NormalOrders:  views(d.store.NormalOrders()),
		UrgentCount:   d.store.UrgentCount(),
		CriticalCount: d.store.CriticalCount(),
		GeneratedAt:   d.clk.Now(),
	}
}

func (d *Display) publish(s Snapshot) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
