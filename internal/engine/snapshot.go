package engine

import "github.com/google/uuid"

type OrderSummary struct {
	ID            uuid.UUID `json:"id"`
	Quantity      uint64    `json:"quantity"`
	TotalQuantity uint64    `json:"total_quantity"`
	Timestamp     uint64    `json:"timestamp"`
	Owner         string    `json:"owner,omitempty"`
}

// LevelSnapshot is a price level with its aggregate quantity and its orders
// in time priority.
type LevelSnapshot struct {
	Price    uint64         `json:"price"`
	Quantity uint64         `json:"quantity"`
	Orders   []OrderSummary `json:"orders"`
}

// BookSnapshot is a read-only copy of both sides of the book. Bids are
// ordered highest price first, asks lowest price first.
type BookSnapshot struct {
	Bids []LevelSnapshot `json:"bids"`
	Asks []LevelSnapshot `json:"asks"`
}

// BestBid returns the top bid level, if any.
func (s BookSnapshot) BestBid() (LevelSnapshot, bool) {
	if len(s.Bids) == 0 {
		return LevelSnapshot{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (s BookSnapshot) BestAsk() (LevelSnapshot, bool) {
	if len(s.Asks) == 0 {
		return LevelSnapshot{}, false
	}
	return s.Asks[0], true
}

// Contains reports whether an order id appears on either side.
func (s BookSnapshot) Contains(id uuid.UUID) bool {
	for _, levels := range [][]LevelSnapshot{s.Bids, s.Asks} {
		for _, level := range levels {
			for _, order := range level.Orders {
				if order.ID == id {
					return true
				}
			}
		}
	}
	return false
}
