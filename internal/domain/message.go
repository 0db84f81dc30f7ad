package domain

import (
	"strings"
	"time"
)

// LAN message types. These are the only two types carried on the channel.
const (
	TypeNewOrder = "kds_new_order"
	TypeOrderAck = "kds_order_ack"
)

// LanMessage is the wire envelope shared by every LAN frame.
type LanMessage[T any] struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
	Payload   T         `json:"payload"`
}

type NewOrderItem struct {
	ID         string     `json:"id"`
	ProductID  string     `json:"product_id"`
	Name       string     `json:"name"`
	Quantity   int        `json:"quantity"`
	Modifiers  []string   `json:"modifiers"`
	Notes      *string    `json:"notes"`
	CategoryID string     `json:"category_id"`
	ItemStatus ItemStatus `json:"item_status,omitempty"`
	IsHeld     bool       `json:"is_held,omitempty"`
}

type NewOrderPayload struct {
	OrderID      string         `json:"order_id"`
	OrderNumber  string         `json:"order_number"`
	TableNumber  string         `json:"table_number,omitempty"`
	CustomerName string         `json:"customer_name,omitempty"`
	OrderType    OrderType      `json:"order_type"`
	Items        []NewOrderItem `json:"items"`
	Station      Station        `json:"station"`
	Timestamp    time.Time      `json:"timestamp"`
}

type OrderAckPayload struct {
	OrderID        string    `json:"order_id"`
	Station        Station   `json:"station"`
	DeviceID       string    `json:"device_id,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

const modifierSep = ", "

// NewOrderPayloadFor builds the dispatch payload for one station. Only the
// items routed to station are included.
func NewOrderPayloadFor(o Order, station Station, now time.Time) NewOrderPayload {
	p := NewOrderPayload{
		OrderID:      o.ID,
		OrderNumber:  o.OrderNumber,
		TableNumber:  o.TableName,
		CustomerName: o.CustomerName,
		OrderType:    o.OrderType,
		Station:      station,
		Timestamp:    o.CreatedAt,
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	for _, it := range o.ItemsFor(station) {
		ni := NewOrderItem{
			ID:         it.ID,
			ProductID:  it.ProductID,
			Name:       it.ProductName,
			Quantity:   it.Quantity,
			Modifiers:  splitModifiers(it.Modifiers),
			CategoryID: it.CategoryID,
			ItemStatus: it.ItemStatus,
			IsHeld:     it.IsHeld,
		}
		if it.Notes != "" {
			notes := it.Notes
			ni.Notes = &notes
		}
		p.Items = append(p.Items, ni)
	}
	return p
}

// Order converts a received payload into a displayable order. Items take the
// payload's station as their dispatch station.
func (p NewOrderPayload) Order(source Source) Order {
	o := Order{
		ID:           p.OrderID,
		OrderNumber:  p.OrderNumber,
		OrderType:    p.OrderType,
		TableName:    p.TableNumber,
		CustomerName: p.CustomerName,
		CreatedAt:    p.Timestamp,
		Status:       "pending",
		Source:       source,
		Items:        make([]OrderItem, 0, len(p.Items)),
	}
	for _, ni := range p.Items {
		it := OrderItem{
			ID:              ni.ID,
			ProductID:       ni.ProductID,
			ProductName:     ni.Name,
			CategoryID:      ni.CategoryID,
			Quantity:        ni.Quantity,
			Modifiers:       strings.Join(ni.Modifiers, modifierSep),
			ItemStatus:      ni.ItemStatus,
			DispatchStation: p.Station.String(),
			IsHeld:          ni.IsHeld,
		}
		if it.ItemStatus == "" {
			it.ItemStatus = ItemNew
		}
		if ni.Notes != nil {
			it.Notes = *ni.Notes
		}
		o.Items = append(o.Items, it)
	}
	return o
}

func splitModifiers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
