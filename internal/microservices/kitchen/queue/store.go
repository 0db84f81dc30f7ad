// Package queue holds a station display's live orders. A Store is owned by
// a single goroutine and does no locking.
package queue

import (
	"fmt"
	"sort"
	"time"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/domain"
)

type Config struct {
	UrgentAfter   time.Duration
	CriticalAfter time.Duration
}

// Store keeps orders sorted oldest first and tracks which of them are
// urgent. onUrgent runs once each time an order enters the urgent set.
type Store struct {
	cfg      Config
	clk      clock.Clock
	onUrgent func(domain.Order)

	orders []domain.Order
	urgent map[string]bool
}

func NewStore(cfg Config, clk clock.Clock, onUrgent func(domain.Order)) *Store {
	if onUrgent == nil {
		onUrgent = func(domain.Order) {}
	}
	return &Store{cfg: cfg, clk: clk, onUrgent: onUrgent, urgent: make(map[string]bool)}
}

func (s *Store) index(id string) int {
	for i := range s.orders {
		if s.orders[i].ID == id {
			return i
		}
	}
	return -1
}

// changed re-sorts and re-evaluates urgency. Every mutation ends here.
func (s *Store) changed() {
	sort.SliceStable(s.orders, func(i, j int) bool {
		return s.orders[i].CreatedAt.Before(s.orders[j].CreatedAt)
	})
	s.Recompute()
}

// AddOrder inserts o unless an order with the same id is present. It
// reports whether the order was added.
func (s *Store) AddOrder(o domain.Order) (bool, error) {
	if err := o.Validate(); err != nil {
		return false, err
	}
	if s.index(o.ID) >= 0 {
		return false, nil
	}
	s.orders = append(s.orders, o.Clone())
	s.changed()
	return true, nil
}

func (s *Store) UpdateOrder(id string, p domain.OrderPatch) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	s.orders[i] = p.Apply(s.orders[i])
	s.changed()
	return nil
}

// UpdateOrderItem patches one item of one order. The order's item slice is
// replaced, never modified in place.
func (s *Store) UpdateOrderItem(orderID, itemID string, p domain.ItemPatch) error {
	i := s.index(orderID)
	if i < 0 {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	o := s.orders[i].Clone()
	for j := range o.Items {
		if o.Items[j].ID != itemID {
			continue
		}
		it, err := p.Apply(o.Items[j])
		if err != nil {
			return fmt.Errorf("order %s item %s: %w", orderID, itemID, err)
		}
		o.Items[j] = it
		s.orders[i] = o
		s.changed()
		return nil
	}
	return fmt.Errorf("%w: %s in order %s", domain.ErrItemNotFound, itemID, orderID)
}

func (s *Store) RemoveOrder(id string) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	s.orders = append(s.orders[:i:i], s.orders[i+1:]...)
	s.changed()
	return true
}

// SetOrders replaces the whole queue. Orders that fail validation or repeat
// an earlier id are dropped and returned as rejected.
func (s *Store) SetOrders(orders []domain.Order) (rejected []string) {
	seen := make(map[string]bool, len(orders))
	next := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.Validate() != nil || seen[o.ID] {
			rejected = append(rejected, o.ID)
			continue
		}
		seen[o.ID] = true
		next = append(next, o.Clone())
	}
	s.orders = next
	s.changed()
	return rejected
}

func (s *Store) ClearOrders() {
	s.orders = nil
	s.changed()
}

// Recompute re-evaluates urgency against the clock and fires onUrgent for
// orders that newly crossed the threshold.
func (s *Store) Recompute() {
	now := s.clk.Now()
	next := make(map[string]bool, len(s.urgent))
	var entered []domain.Order
	for _, o := range s.orders {
		if !s.isUrgent(o, now) {
			continue
		}
		next[o.ID] = true
		if !s.urgent[o.ID] {
			entered = append(entered, o.Clone())
		}
	}
	s.urgent = next
	for _, o := range entered {
		s.onUrgent(o)
	}
}

func (s *Store) isUrgent(o domain.Order, now time.Time) bool {
	return now.Sub(o.CreatedAt) > s.cfg.UrgentAfter
}

func (s *Store) isCritical(o domain.Order, now time.Time) bool {
	return s.cfg.CriticalAfter > 0 && now.Sub(o.CreatedAt) > s.cfg.CriticalAfter
}

func (s *Store) Orders() []domain.Order {
	out := make([]domain.Order, len(s.orders))
	for i, o := range s.orders {
		out[i] = o.Clone()
	}
	return out
}

// UrgentOrders and NormalOrders split Orders by the last recomputed urgent
// set, keeping the sort order.
func (s *Store) UrgentOrders() []domain.Order {
	return s.filter(func(o domain.Order) bool { return s.urgent[o.ID] })
}

func (s *Store) NormalOrders() []domain.Order {
	return s.filter(func(o domain.Order) bool { return !s.urgent[o.ID] })
}

func (s *Store) filter(keep func(domain.Order) bool) []domain.Order {
	out := []domain.Order{}
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	return out
}

func (s *Store) UrgentCount() int { return len(s.urgent) }

// CriticalCount counts orders older than CriticalAfter right now.
func (s *Store) CriticalCount() int {
	now := s.clk.Now()
	n := 0
	for _, o := range s.orders {
		if s.isCritical(o, now) {
			n++
		}
	}
	return n
}

func (s *Store) Get(id string) (domain.Order, bool) {
	i := s.index(id)
	if i < 0 {
		return domain.Order{}, false
	}
	return s.orders[i].Clone(), true
}

func (s *Store) Contains(id string) bool { return s.index(id) >= 0 }

func (s *Store) IsUrgent(id string) bool { return s.urgent[id] }

func (s *Store) Len() int { return len(s.orders) }

// IDs returns the ids of all orders in sort order.
func (s *Store) IDs() []string {
	out := make([]string, len(s.orders))
	for i, o := range s.orders {
		out[i] = o.ID
	}
	return out
}
