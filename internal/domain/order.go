package domain

import (
	"fmt"
	"time"
)

type OrderType string

const (
	OrderDineIn   OrderType = "dine_in"
	OrderTakeaway OrderType = "takeaway"
	OrderDelivery OrderType = "delivery"
	OrderB2B      OrderType = "b2b"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderDineIn, OrderTakeaway, OrderDelivery, OrderB2B:
		return true
	}
	return false
}

type Source string

const (
	SourcePOS    Source = "pos"
	SourceMobile Source = "mobile"
	SourceWeb    Source = "web"
	SourceLAN    Source = "lan"
)

type ItemStatus string

const (
	ItemNew       ItemStatus = "new"
	ItemPreparing ItemStatus = "preparing"
	ItemReady     ItemStatus = "ready"
	ItemServed    ItemStatus = "served"
)

func (s ItemStatus) rank() int {
	switch s {
	case ItemNew:
		return 0
	case ItemPreparing:
		return 1
	case ItemReady:
		return 2
	case ItemServed:
		return 3
	}
	return -1
}

func (s ItemStatus) Valid() bool { return s.rank() >= 0 }

// Done reports whether the item needs no more kitchen work.
func (s ItemStatus) Done() bool { return s == ItemReady || s == ItemServed }

// CanAdvanceTo reports whether next is the same or a later status.
func (s ItemStatus) CanAdvanceTo(next ItemStatus) bool {
	return next.Valid() && next.rank() >= s.rank()
}

type OrderItem struct {
	ID              string     `json:"id"`
	ProductID       string     `json:"product_id,omitempty"`
	ProductName     string     `json:"product_name"`
	CategoryID      string     `json:"category_id,omitempty"`
	Quantity        int        `json:"quantity"`
	Modifiers       string     `json:"modifiers,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	ItemStatus      ItemStatus `json:"item_status"`
	DispatchStation string     `json:"dispatch_station"`
	IsHeld          bool       `json:"is_held"`
}

type Order struct {
	ID           string      `json:"id"`
	OrderNumber  string      `json:"order_number"`
	OrderType    OrderType   `json:"order_type"`
	TableName    string      `json:"table_name,omitempty"`
	CustomerName string      `json:"customer_name,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	Status       string      `json:"status"`
	Source       Source      `json:"source"`
	Items        []OrderItem `json:"items"`
}

// Clone copies the order and its item slice.
func (o Order) Clone() Order {
	o.Items = append([]OrderItem(nil), o.Items...)
	return o
}

// ItemsFor returns the items routed to station.
func (o Order) ItemsFor(station Station) []OrderItem {
	var out []OrderItem
	for _, it := range o.Items {
		if station.Handles(it.DispatchStation) {
			out = append(out, it)
		}
	}
	return out
}

// AllReadyFor reports whether every item relevant to station is ready or
// served. An order with no relevant items is not ready.
func (o Order) AllReadyFor(station Station) bool {
	items := o.ItemsFor(station)
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !it.ItemStatus.Done() {
			return false
		}
	}
	return true
}

func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: order id", ErrMissingField)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order %s", ErrNoItems, o.ID)
	}
	for _, it := range o.Items {
		if it.ID == "" {
			return fmt.Errorf("%w: item id in order %s", ErrMissingField, o.ID)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %s quantity %d", ErrInvalidQuantity, it.ID, it.Quantity)
		}
		if it.ItemStatus != "" && !it.ItemStatus.Valid() {
			return fmt.Errorf("%w: item %s status %q", ErrInvalidStatus, it.ID, it.ItemStatus)
		}
	}
	return nil
}

// OrderPatch updates order-level fields. Nil fields are left unchanged.
type OrderPatch struct {
	OrderNumber  *string `json:"order_number,omitempty"`
	TableName    *string `json:"table_name,omitempty"`
	CustomerName *string `json:"customer_name,omitempty"`
	Status       *string `json:"status,omitempty"`
}

func (p OrderPatch) Apply(o Order) Order {
	if p.OrderNumber != nil {
		o.OrderNumber = *p.OrderNumber
	}
	if p.TableName != nil {
		o.TableName = *p.TableName
	}
	if p.CustomerName != nil {
		o.CustomerName = *p.CustomerName
	}
	if p.Status != nil {
		o.Status = *p.Status
	}
	return o
}

// ItemPatch updates one item. Status moves forward only unless Correct is
// set by an operator.
type ItemPatch struct {
	ItemStatus *ItemStatus `json:"item_status,omitempty"`
	IsHeld     *bool       `json:"is_held,omitempty"`
	Notes      *string     `json:"notes,omitempty"`
	Correct    bool        `json:"correct,omitempty"`
}

func (p ItemPatch) Apply(it OrderItem) (OrderItem, error) {
	if p.ItemStatus != nil {
		next := *p.ItemStatus
		if !next.Valid() {
			return it, fmt.Errorf("%w: %q", ErrInvalidStatus, next)
		}
		current := it.ItemStatus
		if current == "" {
			current = ItemNew
		}
		if !p.Correct && !current.CanAdvanceTo(next) {
			return it, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, current, next)
		}
		it.ItemStatus = next
	}
	if p.IsHeld != nil {
		it.IsHeld = *p.IsHeld
	}
	if p.Notes != nil {
		it.Notes = *p.Notes
	}
	return it, nil
}
