package engine

import (
	"container/list"
	"fmt"
	"math"
	"matchbook/internal/common"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// PriceLevel holds every resting order of one side at one price, oldest at the
// front. All orders in a level share its price, so time is the only ordering
// inside it.
type PriceLevel struct {
	side     common.Side
	price    uint64
	quantity uint64     // Aggregate remaining quantity of the level
	orders   *list.List // *common.Order, front is the oldest
}

func newPriceLevel(side common.Side, price uint64) *PriceLevel {
	return &PriceLevel{
		side:   side,
		price:  price,
		orders: list.New(),
	}
}

func (level *PriceLevel) Side() common.Side { return level.side }
func (level *PriceLevel) Price() uint64     { return level.price }
func (level *PriceLevel) Quantity() uint64  { return level.quantity }
func (level *PriceLevel) Len() int          { return level.orders.Len() }

// Orders returns copies of the level's orders in time priority.
func (level *PriceLevel) Orders() []common.Order {
	orders := make([]common.Order, 0, level.orders.Len())
	for e := level.orders.Front(); e != nil; e = e.Next() {
		orders = append(orders, *e.Value.(*common.Order))
	}
	return orders
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// orderLocation is where a resting order lives, so that it can be unlinked
// without scanning.
type orderLocation struct {
	level   *PriceLevel
	element *list.Element
}

// OrderBook is a single instrument book. It is not safe for concurrent use,
// the owning Engine serializes access.
type OrderBook struct {
	// Price levels in priority order, each holding its orders in arrival
	// order as they are push-back'd.
	bids *PriceLevels
	asks *PriceLevels

	index map[uuid.UUID]orderLocation

	// Some book keeping
	nBuyOrders   uint64 // Track the number of bids in the book.
	nSellOrders  uint64 // Track the number of asks in the book.
	buyQuantity  uint64 // Track the bid-side liquidity of the book.
	sellQuantity uint64 // Track the ask-side liquidity of the book.
}

func NewOrderBook() *OrderBook {
	opts := btree.Options{NoLocks: true}
	// Sorted greatest first.
	bids := btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
		return a.price > b.price
	}, opts)
	// Sorted least first.
	asks := btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
		return a.price < b.price
	}, opts)
	return &OrderBook{
		bids:  bids,
		asks:  asks,
		index: make(map[uuid.UUID]orderLocation),
	}
}

func (book *OrderBook) levels(side common.Side) *PriceLevels {
	if side == common.Buy {
		return book.bids
	}
	return book.asks
}

// Insert rests a limit order at the tail of its price level, creating the
// level if needed. The book takes ownership of the pointer. Nothing is
// mutated when an error is returned.
func (book *OrderBook) Insert(order *common.Order) error {
	switch {
	case order.Type != common.LimitOrder:
		return fmt.Errorf("%w: only limit orders rest in the book", ErrInvalidOrder)
	case !order.Side.Valid():
		return fmt.Errorf("%w: %v", ErrInvalidOrder, order.Side)
	case order.Quantity == 0:
		return fmt.Errorf("%w: zero quantity", ErrInvalidOrder)
	case order.Price == 0:
		return fmt.Errorf("%w: limit order without a price", ErrInvalidOrder)
	}
	if _, ok := book.index[order.ID]; ok {
		return ErrDuplicateID
	}
	if _, resting := book.Liquidity(order.Side); resting > math.MaxUint64-order.Quantity {
		return fmt.Errorf("%w: quantity overflows resting %v liquidity", ErrInvalidOrder, order.Side)
	}

	levels := book.levels(order.Side)
	// Levels comparator only accounts for prices, so a bare level works as
	// the search key.
	level, ok := levels.GetMut(&PriceLevel{price: order.Price})
	if !ok {
		level = newPriceLevel(order.Side, order.Price)
		levels.Set(level)
	}

	element := level.orders.PushBack(order)
	level.quantity += order.Quantity
	book.index[order.ID] = orderLocation{level: level, element: element}
	book.addLiquidity(order.Side, 1, order.Quantity)
	return nil
}

// BestOpposingLevel returns the level an incoming order of the given side
// matches against first: the lowest ask for a buy, the highest bid for a sell.
func (book *OrderBook) BestOpposingLevel(side common.Side) (*PriceLevel, bool) {
	return book.BestLevel(side.Opposite())
}

// BestLevel returns the top of book level of the given side.
func (book *OrderBook) BestLevel(side common.Side) (*PriceLevel, bool) {
	// Min here accounts for bids and asks being in inverse order, based on
	// their comparison method.
	return book.levels(side).MinMut()
}

// Level returns the level at an exact price, if one exists.
func (book *OrderBook) Level(side common.Side, price uint64) (*PriceLevel, bool) {
	return book.levels(side).GetMut(&PriceLevel{price: price})
}

// PeekHead returns the oldest order of the level. The pointer is the book's
// own, quantities must only be changed through Fill.
func (book *OrderBook) PeekHead(level *PriceLevel) *common.Order {
	front := level.orders.Front()
	if front == nil {
		panic(fmt.Sprintf("engine: empty price level %d left in the %v book", level.price, level.side))
	}
	return front.Value.(*common.Order)
}

// Fill executes quantity against the head of the level and returns it. The
// head is left in place even when it reaches zero, PopIfFilled removes it.
func (book *OrderBook) Fill(level *PriceLevel, quantity uint64) *common.Order {
	head := book.PeekHead(level)
	if quantity > head.Quantity {
		panic(fmt.Sprintf("engine: fill of %d exceeds resting quantity %d of %v", quantity, head.Quantity, head.ID))
	}
	head.Quantity -= quantity
	level.quantity -= quantity
	book.removeLiquidity(level.side, 0, quantity)
	return head
}

// PopIfFilled removes the head of the level when it has nothing left, and the
// level itself when that empties it. Reports whether the head was removed.
func (book *OrderBook) PopIfFilled(level *PriceLevel) bool {
	front := level.orders.Front()
	if front == nil || front.Value.(*common.Order).Quantity > 0 {
		return false
	}
	book.unlink(orderLocation{level: level, element: front})
	return true
}

// Cancel removes a resting order immediately and returns it as it was at the
// time of cancellation.
func (book *OrderBook) Cancel(id uuid.UUID) (common.Order, error) {
	location, ok := book.index[id]
	if !ok {
		return common.Order{}, ErrNotFound
	}
	order := *location.element.Value.(*common.Order)
	book.unlink(location)
	return order, nil
}

// unlink drops an order from its level queue and the index in one step,
// along with the level if it is now empty.
func (book *OrderBook) unlink(location orderLocation) {
	order := location.level.orders.Remove(location.element).(*common.Order)
	delete(book.index, order.ID)

	level := location.level
	level.quantity -= order.Quantity
	book.removeLiquidity(level.side, 1, order.Quantity)

	if level.orders.Len() == 0 {
		if _, ok := book.levels(level.side).Delete(level); !ok {
			panic(fmt.Sprintf("engine: price level %d missing from the %v book", level.price, level.side))
		}
	}
}

func (book *OrderBook) addLiquidity(side common.Side, orders, quantity uint64) {
	if side == common.Buy {
		book.nBuyOrders += orders
		book.buyQuantity += quantity
		return
	}
	book.nSellOrders += orders
	book.sellQuantity += quantity
}

func (book *OrderBook) removeLiquidity(side common.Side, orders, quantity uint64) {
	if side == common.Buy {
		book.nBuyOrders -= orders
		book.buyQuantity -= quantity
		return
	}
	book.nSellOrders -= orders
	book.sellQuantity -= quantity
}

// Contains reports whether the id is resting in the book.
func (book *OrderBook) Contains(id uuid.UUID) bool {
	_, ok := book.index[id]
	return ok
}

// Get returns a copy of a resting order.
func (book *OrderBook) Get(id uuid.UUID) (common.Order, bool) {
	location, ok := book.index[id]
	if !ok {
		return common.Order{}, false
	}
	return *location.element.Value.(*common.Order), true
}

// Len is the number of resting orders on both sides.
func (book *OrderBook) Len() int {
	return len(book.index)
}

// Depth is the number of price levels on a side.
func (book *OrderBook) Depth(side common.Side) int {
	return book.levels(side).Len()
}

// Liquidity returns the number of resting orders and their total quantity
// on a side.
func (book *OrderBook) Liquidity(side common.Side) (orders uint64, quantity uint64) {
	if side == common.Buy {
		return book.nBuyOrders, book.buyQuantity
	}
	return book.nSellOrders, book.sellQuantity
}

// Snapshot copies both sides in priority order. The book is not modified.
func (book *OrderBook) Snapshot() BookSnapshot {
	return BookSnapshot{
		Bids: snapshotLevels(book.bids),
		Asks: snapshotLevels(book.asks),
	}
}

func snapshotLevels(levels *PriceLevels) []LevelSnapshot {
	snapshots := make([]LevelSnapshot, 0, levels.Len())
	levels.Scan(func(level *PriceLevel) bool {
		snapshot := LevelSnapshot{
			Price:    level.price,
			Quantity: level.quantity,
			Orders:   make([]OrderSummary, 0, level.orders.Len()),
		}
		for e := level.orders.Front(); e != nil; e = e.Next() {
			order := e.Value.(*common.Order)
			snapshot.Orders = append(snapshot.Orders, OrderSummary{
				ID:            order.ID,
				Quantity:      order.Quantity,
				TotalQuantity: order.TotalQuantity,
				Timestamp:     order.Timestamp,
				Owner:         order.Owner,
			})
		}
		snapshots = append(snapshots, snapshot)
		return true
	})
	return snapshots
}
