package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"matchbook/internal/common"
	"matchbook/internal/engine"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrFrameTooLarge      = errors.New("frame too large")
	ErrInvalidUUID        = errors.New("invalid uuid")
)

// Every message in either direction travels in a frame: a big endian uint16
// body length followed by the body.
const (
	FrameHeaderLen = 2
	MaxFrameLen    = 1<<16 - 1
)

// ReadFrame reads one frame body. Frames longer than limit are rejected.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var header [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(header[:]))
	if n > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, limit)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body as a single frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, FrameHeaderLen+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(body)))
	copy(buf[FrameHeaderLen:], body)
	_, err := w.Write(buf)
	return err
}

// --- Client -> server -------------------------------------------------------

type MessageType uint16

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
	LogBook
)

type Message interface {
	GetType() MessageType
	Serialize() []byte
}

// Message format constants
const (
	BaseMessageHeaderLen        = 2
	NewOrderMessageHeaderLen    = 2 + 1 + 8 + 8 + 1
	CancelOrderMessageHeaderLen = 16
)

// Generic message type, also the whole of heartbeat and log book requests.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

func (m BaseMessage) Serialize() []byte {
	buf := make([]byte, BaseMessageHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.TypeOf))
	return buf
}

// ParseMessage decodes a frame body sent by a client.
func ParseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return nil, fmt.Errorf("%w: no header", ErrMessageTooShort)
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	msg = msg[BaseMessageHeaderLen:]
	switch typeOf {
	case Heartbeat, LogBook:
		return BaseMessage{TypeOf: typeOf}, nil
	case NewOrder:
		return parseNewOrder(msg)
	case CancelOrder:
		return parseCancelOrder(msg)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMessageType, typeOf)
	}
}

type NewOrderMessage struct {
	BaseMessage
	OrderType common.OrderType // 2 bytes
	Side      common.Side      // 1 byte
	Price     uint64           // 8 bytes, smallest currency unit
	Quantity  uint64           // 8 bytes
	OwnerLen  uint8            // 1 byte
	Owner     string           // n bytes
}

func NewOrderMsg(orderType common.OrderType, side common.Side, price, quantity uint64, owner string) *NewOrderMessage {
	if len(owner) > 255 {
		// Cut on a rune boundary.
		n := 255
		for n > 0 && !utf8.RuneStart(owner[n]) {
			n--
		}
		owner = owner[:n]
	}
	return &NewOrderMessage{
		BaseMessage: BaseMessage{TypeOf: NewOrder},
		OrderType:   orderType,
		Side:        side,
		Price:       price,
		Quantity:    quantity,
		OwnerLen:    uint8(len(owner)),
		Owner:       owner,
	}
}

// Request converts the message into an engine submission.
func (m *NewOrderMessage) Request() engine.SubmitRequest {
	return engine.SubmitRequest{
		Side:      m.Side,
		OrderType: m.OrderType,
		Price:     m.Price,
		Quantity:  m.Quantity,
		Owner:     m.Owner,
	}
}

func (m *NewOrderMessage) Serialize() []byte {
	buf := make([]byte, BaseMessageHeaderLen+NewOrderMessageHeaderLen+len(m.Owner))
	binary.BigEndian.PutUint16(buf[0:2], uint16(NewOrder))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.OrderType))
	buf[4] = byte(m.Side)
	binary.BigEndian.PutUint64(buf[5:13], m.Price)
	binary.BigEndian.PutUint64(buf[13:21], m.Quantity)
	buf[21] = uint8(len(m.Owner))
	copy(buf[22:], m.Owner)
	return buf
}

func parseNewOrder(msg []byte) (*NewOrderMessage, error) {
	if len(msg) < NewOrderMessageHeaderLen {
		return nil, fmt.Errorf("%w: new order header", ErrMessageTooShort)
	}
	m := &NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}

	m.OrderType = common.OrderType(binary.BigEndian.Uint16(msg[0:2]))
	m.Side = common.Side(msg[2])
	m.Price = binary.BigEndian.Uint64(msg[3:11])
	m.Quantity = binary.BigEndian.Uint64(msg[11:19])
	m.OwnerLen = msg[19]

	// Calculate expected total length.
	expectedTotalLen := NewOrderMessageHeaderLen + int(m.OwnerLen)
	if len(msg) < expectedTotalLen {
		return nil, fmt.Errorf("%w: owner of %d bytes", ErrMessageTooShort, m.OwnerLen)
	}
	m.Owner = string(msg[NewOrderMessageHeaderLen:expectedTotalLen])

	return m, nil
}

type CancelOrderMessage struct {
	BaseMessage
	OrderID uuid.UUID // 16 bytes
}

func CancelOrderMsg(id uuid.UUID) *CancelOrderMessage {
	return &CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}, OrderID: id}
}

func (m *CancelOrderMessage) Serialize() []byte {
	buf := make([]byte, BaseMessageHeaderLen+CancelOrderMessageHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(CancelOrder))
	copy(buf[2:], m.OrderID[:])
	return buf
}

func parseCancelOrder(msg []byte) (*CancelOrderMessage, error) {
	if len(msg) < CancelOrderMessageHeaderLen {
		return nil, fmt.Errorf("%w: cancel order", ErrMessageTooShort)
	}
	id, err := uuid.FromBytes(msg[:CancelOrderMessageHeaderLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUUID, err)
	}
	return CancelOrderMsg(id), nil
}

// --- Server -> client -------------------------------------------------------

type ReportMessageType uint8

const (
	ExecutionReport ReportMessageType = iota
	ErrorReport
	AckReport
	CancelReport
	BookReport
	HeartbeatReport
)

func (t ReportMessageType) String() string {
	switch t {
	case ExecutionReport:
		return "execution"
	case ErrorReport:
		return "error"
	case AckReport:
		return "ack"
	case CancelReport:
		return "cancel"
	case BookReport:
		return "book"
	case HeartbeatReport:
		return "heartbeat"
	}
	return fmt.Sprintf("report(%d)", uint8(t))
}

// Liquidity says whether the recipient of an execution report was resting
// in the book or the aggressor.
type Liquidity uint8

const (
	Maker Liquidity = iota
	Taker
)

// MaxBookReportLevels caps the levels per side in a book report.
const MaxBookReportLevels = 100

type BookLevel struct {
	Price    uint64 // 8 bytes
	Quantity uint64 // 8 bytes
	Orders   uint32 // 4 bytes
}

const bookLevelLen = 8 + 8 + 4

// Report is everything the server sends back. Which fields are meaningful
// depends on MessageType:
//
//	AckReport:       Status, Side, OrderType, Price, Quantity (total), Remaining, Timestamp, OrderID
//	ExecutionReport: Side (recipient's), Liquidity, Price, Quantity, Remaining, Timestamp, OrderID, CounterpartyID
//	CancelReport:    Remaining, OrderID
//	ErrorReport:     Err
//	BookReport:      Bids, Asks
type Report struct {
	MessageType    ReportMessageType // 1 byte
	Status         engine.Status     // 1 byte
	Side           common.Side       // 1 byte
	OrderType      common.OrderType  // 1 byte
	Liquidity      Liquidity         // 1 byte
	Price          uint64            // 8 bytes
	Quantity       uint64            // 8 bytes
	Remaining      uint64            // 8 bytes
	Timestamp      uint64            // 8 bytes
	OrderID        uuid.UUID         // 16 bytes
	CounterpartyID uuid.UUID         // 16 bytes
	Err            string            // u32 length + n bytes
	Bids           []BookLevel       // u16 count + n levels
	Asks           []BookLevel       // u16 count + n levels
}

const reportFixedHeaderLen = 1 + 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8 + 16 + 16

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() []byte {
	switch r.MessageType {
	case ErrorReport:
		buf := make([]byte, 1+4+len(r.Err))
		buf[0] = byte(ErrorReport)
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(r.Err)))
		copy(buf[5:], r.Err)
		return buf
	case BookReport:
		bids, asks := r.Bids[:min(len(r.Bids), MaxBookReportLevels)], r.Asks[:min(len(r.Asks), MaxBookReportLevels)]
		buf := make([]byte, 1+2+2+bookLevelLen*(len(bids)+len(asks)))
		buf[0] = byte(BookReport)
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(bids)))
		binary.BigEndian.PutUint16(buf[3:5], uint16(len(asks)))
		offset := 5
		for _, level := range append(append([]BookLevel{}, bids...), asks...) {
			binary.BigEndian.PutUint64(buf[offset:], level.Price)
			binary.BigEndian.PutUint64(buf[offset+8:], level.Quantity)
			binary.BigEndian.PutUint32(buf[offset+16:], level.Orders)
			offset += bookLevelLen
		}
		return buf
	case HeartbeatReport:
		return []byte{byte(HeartbeatReport)}
	}

	buf := make([]byte, reportFixedHeaderLen)
	buf[0] = byte(r.MessageType)
	buf[1] = byte(r.Status)
	buf[2] = byte(r.Side)
	buf[3] = byte(r.OrderType)
	buf[4] = byte(r.Liquidity)
	binary.BigEndian.PutUint64(buf[5:13], r.Price)
	binary.BigEndian.PutUint64(buf[13:21], r.Quantity)
	binary.BigEndian.PutUint64(buf[21:29], r.Remaining)
	binary.BigEndian.PutUint64(buf[29:37], r.Timestamp)
	copy(buf[37:53], r.OrderID[:])
	copy(buf[53:69], r.CounterpartyID[:])
	return buf
}

// ParseReport decodes a frame body sent by the server.
func ParseReport(msg []byte) (Report, error) {
	if len(msg) < 1 {
		return Report{}, fmt.Errorf("%w: empty report", ErrMessageTooShort)
	}
	r := Report{MessageType: ReportMessageType(msg[0])}

	switch r.MessageType {
	case ErrorReport:
		if len(msg) < 5 {
			return Report{}, fmt.Errorf("%w: error report", ErrMessageTooShort)
		}
		n := int(binary.BigEndian.Uint32(msg[1:5]))
		if len(msg) < 5+n {
			return Report{}, fmt.Errorf("%w: error string of %d bytes", ErrMessageTooShort, n)
		}
		r.Err = string(msg[5 : 5+n])
		return r, nil
	case BookReport:
		if len(msg) < 5 {
			return Report{}, fmt.Errorf("%w: book report", ErrMessageTooShort)
		}
		nBids := int(binary.BigEndian.Uint16(msg[1:3]))
		nAsks := int(binary.BigEndian.Uint16(msg[3:5]))
		if len(msg) < 5+bookLevelLen*(nBids+nAsks) {
			return Report{}, fmt.Errorf("%w: book levels", ErrMessageTooShort)
		}
		levels := make([]BookLevel, nBids+nAsks)
		offset := 5
		for i := range levels {
			levels[i] = BookLevel{
				Price:    binary.BigEndian.Uint64(msg[offset:]),
				Quantity: binary.BigEndian.Uint64(msg[offset+8:]),
				Orders:   binary.BigEndian.Uint32(msg[offset+16:]),
			}
			offset += bookLevelLen
		}
		r.Bids, r.Asks = levels[:nBids:nBids], levels[nBids:]
		return r, nil
	case HeartbeatReport:
		return r, nil
	case ExecutionReport, AckReport, CancelReport:
	default:
		return Report{}, fmt.Errorf("%w: report %d", ErrInvalidMessageType, msg[0])
	}

	if len(msg) < reportFixedHeaderLen {
		return Report{}, fmt.Errorf("%w: %v report", ErrMessageTooShort, r.MessageType)
	}
	r.Status = engine.Status(msg[1])
	r.Side = common.Side(msg[2])
	r.OrderType = common.OrderType(msg[3])
	r.Liquidity = Liquidity(msg[4])
	r.Price = binary.BigEndian.Uint64(msg[5:13])
	r.Quantity = binary.BigEndian.Uint64(msg[13:21])
	r.Remaining = binary.BigEndian.Uint64(msg[21:29])
	r.Timestamp = binary.BigEndian.Uint64(msg[29:37])
	copy(r.OrderID[:], msg[37:53])
	copy(r.CounterpartyID[:], msg[53:69])
	return r, nil
}

// newAckReport acknowledges an accepted order with its state after matching.
func newAckReport(result engine.SubmitResult) Report {
	return Report{
		MessageType: AckReport,
		Status:      result.Status,
		Side:        result.Order.Side,
		OrderType:   result.Order.Type,
		Price:       result.Order.Price,
		Quantity:    result.Order.TotalQuantity,
		Remaining:   result.Order.Quantity,
		Timestamp:   result.Order.Timestamp,
		OrderID:     result.Order.ID,
	}
}

// generateTradeReports generates both execution reports of a trade, each
// addressed to one of the parties.
func generateTradeReports(trade common.Trade) (maker Report, taker Report) {
	maker = Report{
		MessageType:    ExecutionReport,
		Side:           trade.TakerSide.Opposite(),
		Liquidity:      Maker,
		Price:          trade.Price,
		Quantity:       trade.Quantity,
		Remaining:      trade.MakerRemaining,
		Timestamp:      trade.Timestamp,
		OrderID:        trade.MakerID,
		CounterpartyID: trade.TakerID,
	}
	taker = maker
	taker.Side = trade.TakerSide
	taker.Liquidity = Taker
	taker.Remaining = trade.TakerRemaining
	taker.OrderID, taker.CounterpartyID = trade.TakerID, trade.MakerID
	return maker, taker
}

func newCancelReport(order common.Order) Report {
	return Report{
		MessageType: CancelReport,
		Side:        order.Side,
		OrderType:   order.Type,
		Price:       order.Price,
		Quantity:    order.TotalQuantity,
		Remaining:   order.Quantity,
		Timestamp:   order.Timestamp,
		OrderID:     order.ID,
	}
}

func newErrorReport(err error) Report {
	return Report{MessageType: ErrorReport, Err: err.Error()}
}

func newBookReport(snapshot engine.BookSnapshot) Report {
	convert := func(levels []engine.LevelSnapshot) []BookLevel {
		out := make([]BookLevel, 0, min(len(levels), MaxBookReportLevels))
		for _, level := range levels[:min(len(levels), MaxBookReportLevels)] {
			out = append(out, BookLevel{
				Price:    level.Price,
				Quantity: level.Quantity,
				Orders:   uint32(len(level.Orders)),
			})
		}
		return out
	}
	return Report{
		MessageType: BookReport,
		Bids:        convert(snapshot.Bids),
		Asks:        convert(snapshot.Asks),
	}
}
