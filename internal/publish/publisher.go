package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"matchbook/internal/common"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultQueueSize = 4096
	maxBatchSize     = 256
	writeTimeout     = 10 * time.Second
)

var ErrQueueFull = errors.New("publish queue full")

type EventType string

const (
	TradeEvent  EventType = "trade"
	CancelEvent EventType = "cancel"
)

// Event is the JSON value of every published message.
type Event struct {
	Type   EventType     `json:"type"`
	Trade  *common.Trade `json:"trade,omitempty"`
	Cancel *common.Order `json:"cancel,omitempty"`
}

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers   []string
	Topic     string
	QueueSize int
}

// Publisher forwards engine events to a Kafka topic. Events are queued
// without blocking the engine and written by a single goroutine, in the order
// the engine produced them.
type Publisher struct {
	writer    messageWriter
	queue     chan kafka.Message
	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewPublisher(cfg Config) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, cfg.QueueSize)
}

func newPublisher(writer messageWriter, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Publisher{
		writer: writer,
		queue:  make(chan kafka.Message, queueSize),
	}
}

// ReportTrade queues a trade keyed by the taker order id, so the executions
// of one submission share a partition.
func (p *Publisher) ReportTrade(trade common.Trade) error {
	return p.enqueue(trade.TakerID.String(), Event{Type: TradeEvent, Trade: &trade})
}

func (p *Publisher) ReportCancel(order common.Order) error {
	return p.enqueue(order.ID.String(), Event{Type: CancelEvent, Cancel: &order})
}

func (p *Publisher) enqueue(key string, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("unable to encode %s event: %w", event.Type, err)
	}

	select {
	case p.queue <- kafka.Message{Key: []byte(key), Value: value}:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("%w: dropped %s event %s", ErrQueueFull, event.Type, key)
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is left
// and closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	t, _ := tomb.WithContext(ctx)
	t.Go(func() error {
		for {
			select {
			case <-t.Dying():
				return nil
			case msg := <-p.queue:
				p.write(p.batch(msg))
			}
		}
	})

	err := t.Wait()
	p.flush()
	if closeErr := p.writer.Close(); closeErr != nil {
		log.Error().Err(closeErr).Msg("unable to close kafka writer")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// batch collects whatever else is already queued behind first.
func (p *Publisher) batch(first kafka.Message) []kafka.Message {
	msgs := []kafka.Message{first}
	for len(msgs) < maxBatchSize {
		select {
		case msg := <-p.queue:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
	return msgs
}

func (p *Publisher) flush() {
	for {
		select {
		case msg := <-p.queue:
			p.write(p.batch(msg))
		default:
			return
		}
	}
}

// write is not tied to Run's context, a write in flight at shutdown still
// gets its full timeout.
func (p *Publisher) write(msgs []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.dropped.Add(uint64(len(msgs)))
		log.Error().Err(err).Int("messages", len(msgs)).Msg("unable to publish events")
		return
	}
	p.published.Add(uint64(len(msgs)))
}

// Published is the number of events the writer accepted.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Dropped counts events lost to a full queue or a failed write.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}
