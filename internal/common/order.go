package common

import (
	"fmt"

	"github.com/google/uuid"
)

// Order is a single order request. Everything but Quantity is fixed once the
// engine has accepted it; Quantity only ever decreases, through fills.
type Order struct {
	ID            uuid.UUID `json:"id"`             // Engine assigned order id
	Side          Side      `json:"side"`           // Order side
	Type          OrderType `json:"order_type"`     //
	Price         uint64    `json:"price"`          // Limit price in smallest currency units, 0 for market orders
	Quantity      uint64    `json:"quantity"`       // Remaining quantity
	TotalQuantity uint64    `json:"total_quantity"` // Total volume requested
	Timestamp     uint64    `json:"timestamp"`      // Engine sequence at arrival, only relative order matters
	Owner         string    `json:"owner,omitempty"`
}

// Filled is the quantity executed so far.
func (order Order) Filled() uint64 {
	return order.TotalQuantity - order.Quantity
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:            %v
Side:          %v
OrderType:     %v
Price:         %d
Quantity:      %d (Total: %d)
Timestamp:     %d
Owner:         %s`,
		order.ID,
		order.Side,
		order.Type,
		order.Price,
		order.Quantity,
		order.TotalQuantity,
		order.Timestamp,
		order.Owner,
	)
}
