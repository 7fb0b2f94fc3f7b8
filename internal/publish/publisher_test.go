package publish

import (
	"context"
	"encoding/json"
	"errors"
	"matchbook/internal/common"
	"matchbook/internal/engine"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func decode(t *testing.T, msg kafka.Message) Event {
	t.Helper()
	var event Event
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	return event
}

func runPublisher(t *testing.T, p *Publisher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("publisher did not stop")
		}
	}
}

// --- Tests ------------------------------------------------------------------

func TestPublisher_EngineEventsInOrder(t *testing.T) {
	writer := &fakeWriter{}
	p := newPublisher(writer, 0)
	eng := engine.New(engine.WithReporter(p))
	stop := runPublisher(t, p)

	maker, err := eng.Submit(engine.SubmitRequest{Side: common.Sell, OrderType: common.LimitOrder, Price: 1000, Quantity: 10})
	require.NoError(t, err)
	other, err := eng.Submit(engine.SubmitRequest{Side: common.Sell, OrderType: common.LimitOrder, Price: 1010, Quantity: 10})
	require.NoError(t, err)
	taker, err := eng.Submit(engine.SubmitRequest{Side: common.Buy, OrderType: common.MarketOrder, Quantity: 12})
	require.NoError(t, err)
	_, err = eng.Cancel(other.Order.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(writer.messages()) == 3 }, 5*time.Second, 10*time.Millisecond)
	stop()

	msgs := writer.messages()
	first, second, third := decode(t, msgs[0]), decode(t, msgs[1]), decode(t, msgs[2])

	assert.Equal(t, TradeEvent, first.Type)
	assert.Equal(t, maker.Order.ID, first.Trade.MakerID)
	assert.Equal(t, uint64(10), first.Trade.Quantity)
	assert.Equal(t, []byte(taker.Order.ID.String()), msgs[0].Key)

	assert.Equal(t, TradeEvent, second.Type)
	assert.Equal(t, other.Order.ID, second.Trade.MakerID)
	assert.Equal(t, uint64(2), second.Trade.Quantity)

	assert.Equal(t, CancelEvent, third.Type)
	assert.Equal(t, other.Order.ID, third.Cancel.ID)
	assert.Equal(t, uint64(8), third.Cancel.Quantity)
	assert.Equal(t, []byte(other.Order.ID.String()), msgs[2].Key)

	assert.Equal(t, uint64(3), p.Published())
	assert.Zero(t, p.Dropped())
	assert.True(t, writer.closed)
}

func TestPublisher_QueueFull(t *testing.T) {
	p := newPublisher(&fakeWriter{}, 2)

	require.NoError(t, p.ReportTrade(common.Trade{TakerID: uuid.New()}))
	require.NoError(t, p.ReportTrade(common.Trade{TakerID: uuid.New()}))
	assert.ErrorIs(t, p.ReportTrade(common.Trade{TakerID: uuid.New()}), ErrQueueFull)
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestPublisher_FlushesOnStop(t *testing.T) {
	writer := &fakeWriter{}
	p := newPublisher(writer, 0)
	for range 10 {
		require.NoError(t, p.ReportCancel(common.Order{ID: uuid.New()}))
	}

	// Cancelled before it starts: everything queued is still written.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	assert.Len(t, writer.messages(), 10)
	assert.Equal(t, uint64(10), p.Published())
	assert.True(t, writer.closed)
}

func TestPublisher_WriteFailureIsCounted(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker unavailable")}
	p := newPublisher(writer, 0)
	require.NoError(t, p.ReportTrade(common.Trade{TakerID: uuid.New()}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	assert.Zero(t, p.Published())
	assert.Equal(t, uint64(1), p.Dropped())
}
