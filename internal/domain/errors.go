package domain

import "errors"

var (
	ErrUnknownStation   = errors.New("unknown station")
	ErrMissingField     = errors.New("missing field")
	ErrNoItems          = errors.New("order has no items")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrInvalidStatus    = errors.New("invalid item status")
	ErrStatusRegression = errors.New("item status cannot move backwards")
	ErrOrderNotFound    = errors.New("order not found")
	ErrItemNotFound     = errors.New("item not found")
	ErrEntryNotFound    = errors.New("dispatch entry not found")
	ErrChannelInactive  = errors.New("lan channel inactive")
)
