package engine

import (
	"errors"
	"matchbook/internal/common"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateID means an insert was attempted with an id that is already
	// resident in the book. Under engine generated ids this is unreachable.
	ErrDuplicateID = errors.New("duplicate order id")
	// ErrNotFound means the order id is unknown, or was already filled or cancelled.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidOrder means the order was rejected before entering the matching loop.
	ErrInvalidOrder = errors.New("invalid order")
)

// SubmitRequest is what a caller hands the engine. The engine assigns the id
// and the timestamp.
type SubmitRequest struct {
	Side      common.Side
	OrderType common.OrderType
	// Price in smallest currency units. Required for limit orders, ignored
	// for market orders.
	Price    uint64
	Quantity uint64
	Owner    string
}

type Status uint8

const (
	// Resting: no fills, the whole order rests in the book.
	Resting Status = iota
	// PartiallyFilled: some fills, the limit remainder rests in the book.
	PartiallyFilled
	// Filled: fully executed, nothing rests.
	Filled
	// Cancelled: a market order whose remainder was discarded, possibly all of it.
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Resting:
		return "resting"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LevelUpdate is the state of one price level after a submit touched it.
// Quantity and Orders are zero when the level was removed.
type LevelUpdate struct {
	Side     common.Side `json:"side"`
	Price    uint64      `json:"price"`
	Quantity uint64      `json:"quantity"`
	Orders   int         `json:"orders"`
}

type SubmitResult struct {
	Order  common.Order   // Final state of the submitted order
	Status Status         //
	Trades []common.Trade // Executions in the order they happened
	// Completed holds the resting orders this submit fully filled, and so
	// removed from the book.
	Completed []uuid.UUID
	Delta     []LevelUpdate
}

// Reporter receives engine events as they are committed. Calls happen while
// the engine lock is held and in execution order, implementations must not
// block or call back into the engine.
type Reporter interface {
	ReportTrade(trade common.Trade) error
	ReportCancel(order common.Order) error
}
