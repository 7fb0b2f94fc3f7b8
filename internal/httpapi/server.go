package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"matchbook/internal/common"
	"matchbook/internal/engine"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	streamBuffer    = 64
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 10 * time.Second
)

type Config struct {
	Address string
}

// Server is the JSON HTTP front end of the engine, with a websocket stream of
// trades and cancels.
type Server struct {
	address  string
	engine   *engine.Engine
	stream   *TradeStream
	upgrader websocket.Upgrader
}

// New creates the server and registers its trade stream with the engine.
func New(cfg Config, eng *engine.Engine) *Server {
	s := &Server{
		address:  cfg.Address,
		engine:   eng,
		stream:   NewTradeStream(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	eng.AddReporter(s.stream)
	return s
}

type orderRequest struct {
	Side      *common.Side      `json:"side"`
	OrderType *common.OrderType `json:"order_type"`
	// Price in smallest currency units, ignored for market orders.
	Price    *uint64 `json:"price,omitempty"`
	Quantity uint64  `json:"quantity"`
	Owner    string  `json:"owner,omitempty"`
}

type orderResponse struct {
	Order     common.Order         `json:"order"`
	Status    engine.Status        `json:"status"`
	Trades    []common.Trade       `json:"trades"`
	Completed []uuid.UUID          `json:"completed"`
	Delta     []engine.LevelUpdate `json:"delta"`
	OrderBook engine.BookSnapshot  `json:"orderbook"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", s.handleOrder)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancel)
	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /orderbook", s.handleSnapshot)
	mux.HandleFunc("GET /trades", s.handleTrades)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /ws/trades", s.handleTradeStream)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		log.Error().Err(err).Msg("unable to start http listener")
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	t.Go(func() error {
		log.Info().Str("address", listener.Addr().String()).Msg("http server running")
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	t.Go(func() error {
		<-t.Dying()
		// Websocket connections are hijacked, Shutdown does not wait for them.
		s.stream.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = t.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}

	if req.Side == nil || req.OrderType == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: side and order_type are required", engine.ErrInvalidOrder))
		return
	}

	submit := engine.SubmitRequest{
		Side:      *req.Side,
		OrderType: *req.OrderType,
		Quantity:  req.Quantity,
		Owner:     req.Owner,
	}
	if req.Price != nil {
		submit.Price = *req.Price
	}

	result, err := s.engine.Submit(submit)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, orderResponse{
		Order:     result.Order,
		Status:    result.Status,
		Trades:    nonNil(result.Trades),
		Completed: nonNil(result.Completed),
		Delta:     nonNil(result.Delta),
		OrderBook: s.engine.Snapshot(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid order id: %w", err))
		return
	}

	order, err := s.engine.Cancel(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid order id: %w", err))
		return
	}

	order, ok := s.engine.Order(id)
	if !ok {
		writeEngineError(w, engine.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.engine.RecentTrades()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleTradeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.stream.hub.Subscribe(streamBuffer)
	if sub == nil {
		return
	}
	defer s.stream.hub.Unsubscribe(sub)
	log.Info().Str("address", r.RemoteAddr).Msg("trade stream subscriber added")

	// Nothing is expected from the client, reading only notices it leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Info().Str("address", r.RemoteAddr).Msg("trade stream subscriber left")
			return
		case event, ok := <-sub.ch:
			if !ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(time.Second),
				)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				log.Debug().Err(err).Str("address", r.RemoteAddr).Msg("trade stream write failed")
				return
			}
		}
	}
}

// writeEngineError maps the engine's errors onto status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrDuplicateID):
		writeError(w, http.StatusConflict, err)
	default:
		log.Error().Err(err).Msg("unexpected engine error")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// nonNil keeps empty lists as [] rather than null in responses.
func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
