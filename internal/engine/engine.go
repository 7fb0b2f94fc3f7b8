package engine

import (
	"fmt"
	"math/bits"
	"matchbook/internal/common"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// This is the main matching engine. It owns the book of a single instrument
// and the ledger of its recent trades. Every Submit and Cancel runs under one
// exclusive lock from start to finish, so matches are never observed half
// applied; Snapshot and RecentTrades share a read lock.
type Engine struct {
	mu        sync.RWMutex
	book      *OrderBook
	ledger    *TradeLedger
	seq       *Sequencer
	newID     func() uuid.UUID
	reporters []Reporter
}

type Option func(*Engine)

// WithIDSource replaces the uuid generator used for new orders.
func WithIDSource(newID func() uuid.UUID) Option {
	return func(engine *Engine) {
		engine.newID = newID
	}
}

// WithSequencer replaces the timestamp source.
func WithSequencer(seq *Sequencer) Option {
	return func(engine *Engine) {
		engine.seq = seq
	}
}

func WithReporter(reporter Reporter) Option {
	return func(engine *Engine) {
		engine.reporters = append(engine.reporters, reporter)
	}
}

func New(opts ...Option) *Engine {
	engine := &Engine{
		book:   NewOrderBook(),
		ledger: NewTradeLedger(TradeLedgerCapacity),
		seq:    NewSequencer(0),
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// AddReporter registers a reporter for all subsequent trades and cancels.
func (engine *Engine) AddReporter(reporter Reporter) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	engine.reporters = append(engine.reporters, reporter)
}

// validate rejects a request before it can touch any state.
func (req SubmitRequest) validate() error {
	switch {
	case !req.Side.Valid():
		return fmt.Errorf("%w: unknown side %d", ErrInvalidOrder, req.Side)
	case !req.OrderType.Valid():
		return fmt.Errorf("%w: unknown order type %d", ErrInvalidOrder, req.OrderType)
	case req.Quantity == 0:
		return fmt.Errorf("%w: zero quantity", ErrInvalidOrder)
	case req.OrderType == common.LimitOrder && req.Price == 0:
		return fmt.Errorf("%w: limit order without a price", ErrInvalidOrder)
	}
	return nil
}

// Submit creates an order from the request and matches it against the book in
// price-time priority. Trades execute at the resting order's price. A limit
// remainder rests in the book; a market remainder is cancelled, which covers
// a market order arriving at an empty opposing side.
//
// A rejected request returns an error wrapping ErrInvalidOrder (or
// ErrDuplicateID) and leaves the book and the ledger untouched.
func (engine *Engine) Submit(req SubmitRequest) (SubmitResult, error) {
	if err := req.validate(); err != nil {
		log.Debug().Err(err).Msg("order rejected")
		return SubmitResult{}, err
	}

	// Market orders execute at the makers' prices only.
	if req.OrderType == common.MarketOrder {
		req.Price = 0
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()

	if err := engine.checkCapacity(req); err != nil {
		log.Debug().Err(err).Msg("order rejected")
		return SubmitResult{}, err
	}

	order := &common.Order{
		ID:            engine.newID(),
		Side:          req.Side,
		Type:          req.OrderType,
		Price:         req.Price,
		Quantity:      req.Quantity,
		TotalQuantity: req.Quantity,
		Timestamp:     engine.seq.Next(),
		Owner:         req.Owner,
	}
	if engine.book.Contains(order.ID) {
		log.Error().Str("id", order.ID.String()).Msg("generated order id already resident")
		return SubmitResult{}, ErrDuplicateID
	}

	result := engine.match(order)
	for _, trade := range result.Trades {
		engine.report(func(r Reporter) error { return r.ReportTrade(trade) })
	}

	log.Debug().
		Str("id", order.ID.String()).
		Str("side", order.Side.String()).
		Str("type", order.Type.String()).
		Uint64("price", order.Price).
		Uint64("quantity", order.TotalQuantity).
		Uint64("remaining", order.Quantity).
		Int("trades", len(result.Trades)).
		Str("status", result.Status.String()).
		Msg("order processed")
	return result, nil
}

// checkCapacity rejects a limit order whose quantity could not be added to
// the resting total of its side. A level never holds more than its side, so
// this bounds the level totals as well. Must be called with the lock held.
func (engine *Engine) checkCapacity(req SubmitRequest) error {
	if req.OrderType != common.LimitOrder {
		return nil
	}
	_, resting := engine.book.Liquidity(req.Side)
	if _, carry := bits.Add64(resting, req.Quantity, 0); carry != 0 {
		return fmt.Errorf("%w: quantity overflows resting %v liquidity", ErrInvalidOrder, req.Side)
	}
	return nil
}

// match runs the matching loop for a freshly created order and settles its
// remainder. Must be called with the write lock held.
func (engine *Engine) match(order *common.Order) SubmitResult {
	var (
		result  SubmitResult
		touched levelTracker
	)

	for order.Quantity > 0 {
		level, ok := engine.book.BestOpposingLevel(order.Side)
		if !ok {
			break
		}
		if order.Type == common.LimitOrder && !crosses(order, level.Price()) {
			break
		}
		touched.add(level.Side(), level.Price())

		// Consume the head of the level as much as possible.
		quantity := min(order.Quantity, engine.book.PeekHead(level).Quantity)
		maker := engine.book.Fill(level, quantity)
		order.Quantity -= quantity

		trade := common.Trade{
			MakerID:        maker.ID,
			TakerID:        order.ID,
			TakerSide:      order.Side,
			Price:          maker.Price,
			Quantity:       quantity,
			Timestamp:      engine.seq.Next(),
			MakerRemaining: maker.Quantity,
			TakerRemaining: order.Quantity,
			MakerOwner:     maker.Owner,
			TakerOwner:     order.Owner,
		}
		engine.ledger.Record(trade)
		result.Trades = append(result.Trades, trade)

		if engine.book.PopIfFilled(level) {
			result.Completed = append(result.Completed, maker.ID)
		}
	}

	switch {
	case order.Quantity == 0:
		result.Status = Filled
	case order.Type == common.MarketOrder:
		// Market orders never rest.
		result.Status = Cancelled
	default:
		if err := engine.book.Insert(order); err != nil {
			// Validation and the duplicate check already ran, so this
			// is a broken invariant rather than a rejection.
			panic(fmt.Sprintf("engine: resting order %v: %v", order.ID, err))
		}
		touched.add(order.Side, order.Price)
		result.Status = Resting
		if len(result.Trades) > 0 {
			result.Status = PartiallyFilled
		}
	}

	result.Order = *order
	result.Delta = touched.updates(engine.book)
	return result
}

// crosses reports whether a limit order may trade at the given resting price.
func crosses(order *common.Order, price uint64) bool {
	if order.Side == common.Buy {
		return order.Price >= price
	}
	return order.Price <= price
}

// Cancel removes a resting order from the book. Unknown, filled and already
// cancelled ids return ErrNotFound.
func (engine *Engine) Cancel(id uuid.UUID) (common.Order, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	order, err := engine.book.Cancel(id)
	if err != nil {
		return common.Order{}, err
	}
	engine.report(func(r Reporter) error { return r.ReportCancel(order) })

	log.Debug().
		Str("id", id.String()).
		Uint64("remaining", order.Quantity).
		Msg("order cancelled")
	return order, nil
}

// Snapshot returns an ordered copy of both sides of the book.
func (engine *Engine) Snapshot() BookSnapshot {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.Snapshot()
}

// RecentTrades returns up to TradeLedgerCapacity trades, oldest first.
func (engine *Engine) RecentTrades() []common.Trade {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.ledger.Recent()
}

// Order returns a resting order by id.
func (engine *Engine) Order(id uuid.UUID) (common.Order, bool) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.Get(id)
}

// Stats is a summary of the book and ledger sizes.
type Stats struct {
	BidOrders   uint64 `json:"bid_orders"`
	BidQuantity uint64 `json:"bid_quantity"`
	BidLevels   int    `json:"bid_levels"`
	AskOrders   uint64 `json:"ask_orders"`
	AskQuantity uint64 `json:"ask_quantity"`
	AskLevels   int    `json:"ask_levels"`
	Trades      uint64 `json:"trades"`
}

func (engine *Engine) Stats() Stats {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	stats := Stats{
		BidLevels: engine.book.Depth(common.Buy),
		AskLevels: engine.book.Depth(common.Sell),
		Trades:    engine.ledger.Total(),
	}
	stats.BidOrders, stats.BidQuantity = engine.book.Liquidity(common.Buy)
	stats.AskOrders, stats.AskQuantity = engine.book.Liquidity(common.Sell)
	return stats
}

func (engine *Engine) report(send func(Reporter) error) {
	for _, reporter := range engine.reporters {
		if err := send(reporter); err != nil {
			log.Error().Err(err).Msg("unable to report engine event")
		}
	}
}

type levelKey struct {
	side  common.Side
	price uint64
}

// levelTracker remembers the levels a submit touched, in first-touch order.
type levelTracker struct {
	keys []levelKey
	seen map[levelKey]struct{}
}

func (t *levelTracker) add(side common.Side, price uint64) {
	key := levelKey{side: side, price: price}
	if _, ok := t.seen[key]; ok {
		return
	}
	if t.seen == nil {
		t.seen = make(map[levelKey]struct{})
	}
	t.seen[key] = struct{}{}
	t.keys = append(t.keys, key)
}

func (t *levelTracker) updates(book *OrderBook) []LevelUpdate {
	updates := make([]LevelUpdate, 0, len(t.keys))
	for _, key := range t.keys {
		update := LevelUpdate{Side: key.side, Price: key.price}
		if level, ok := book.Level(key.side, key.price); ok {
			update.Quantity = level.Quantity()
			update.Orders = level.Len()
		}
		updates = append(updates, update)
	}
	return updates
}
