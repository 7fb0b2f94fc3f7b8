package httpapi

import (
	"matchbook/internal/common"
	"sync"

	"github.com/rs/zerolog/log"
)

type subscription[T any] struct {
	ch chan T
}

// hub fans values out to subscribers. Slow subscribers miss values rather
// than hold up Broadcast.
type hub[T any] struct {
	mu     sync.RWMutex
	subs   map[*subscription[T]]struct{}
	closed bool
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[*subscription[T]]struct{})}
}

// Subscribe returns nil once the hub is closed.
func (h *hub[T]) Subscribe(buffer int) *subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	sub := &subscription[T]{ch: make(chan T, buffer)}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *hub[T]) Unsubscribe(sub *subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

func (h *hub[T]) Broadcast(value T) (dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- value:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// streamEvent is one websocket message.
type streamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TradeStream is the engine reporter feeding the websocket clients.
type TradeStream struct {
	hub *hub[streamEvent]
}

func NewTradeStream() *TradeStream {
	return &TradeStream{hub: newHub[streamEvent]()}
}

func (s *TradeStream) ReportTrade(trade common.Trade) error {
	if dropped := s.hub.Broadcast(streamEvent{Type: "trade", Data: trade}); dropped > 0 {
		log.Debug().
			Str("taker", trade.TakerID.String()).
			Int("subscribers", dropped).
			Msg("trade not delivered to slow subscribers")
	}
	return nil
}

func (s *TradeStream) ReportCancel(order common.Order) error {
	s.hub.Broadcast(streamEvent{Type: "cancel", Data: order})
	return nil
}

func (s *TradeStream) Close() {
	s.hub.Close()
}
