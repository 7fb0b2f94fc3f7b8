package common

import (
	"fmt"

	"github.com/google/uuid"
)

// Trade is a single execution between the order resting in the book (maker)
// and the incoming order (taker). Price is always the maker's price.
type Trade struct {
	MakerID   uuid.UUID `json:"maker_id"`
	TakerID   uuid.UUID `json:"taker_id"`
	TakerSide Side      `json:"taker_side"`
	Price     uint64    `json:"price"`
	Quantity  uint64    `json:"quantity"`
	Timestamp uint64    `json:"timestamp"`

	// Quantities left on each order once this execution was applied.
	MakerRemaining uint64 `json:"maker_remaining"`
	TakerRemaining uint64 `json:"taker_remaining"`

	// Owners of both orders, so reports can be addressed to each party.
	MakerOwner string `json:"maker_owner,omitempty"`
	TakerOwner string `json:"taker_owner,omitempty"`
}

// BuyOrderID returns whichever of maker and taker was the buyer.
func (t Trade) BuyOrderID() uuid.UUID {
	if t.TakerSide == Buy {
		return t.TakerID
	}
	return t.MakerID
}

// SellOrderID returns whichever of maker and taker was the seller.
func (t Trade) SellOrderID() uuid.UUID {
	if t.TakerSide == Sell {
		return t.TakerID
	}
	return t.MakerID
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`Maker:          %v
Taker:          %v (%v)
Timestamp:      %d
Quantity:       %d
Price:          %d`,
		t.MakerID,
		t.TakerID,
		t.TakerSide,
		t.Timestamp,
		t.Quantity,
		t.Price,
	)
}
