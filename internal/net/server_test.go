package net

import (
	"context"
	"matchbook/internal/common"
	"matchbook/internal/engine"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func startTestServer(t *testing.T) (*engine.Engine, string) {
	t.Helper()

	eng := engine.New()
	srv := New(Config{Address: "127.0.0.1", Port: 0, Workers: 4, IdleTimeout: 5 * time.Second}, eng)
	eng.AddReporter(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	addr, err := srv.Addr(waitCtx)
	require.NoError(t, err)
	return eng, addr.String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(msg Message) {
	c.t.Helper()
	require.NoError(c.t, WriteFrame(c.conn, msg.Serialize()))
}

func (c *testClient) sendRaw(body []byte) {
	c.t.Helper()
	require.NoError(c.t, WriteFrame(c.conn, body))
}

func (c *testClient) read() Report {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	body, err := ReadFrame(c.conn, MaxFrameLen)
	require.NoError(c.t, err)
	report, err := ParseReport(body)
	require.NoError(c.t, err)
	return report
}

// --- Tests ------------------------------------------------------------------

func TestServer_Heartbeat(t *testing.T) {
	_, addr := startTestServer(t)
	client := dial(t, addr)

	client.send(BaseMessage{TypeOf: Heartbeat})
	assert.Equal(t, HeartbeatReport, client.read().MessageType)
}

func TestServer_RestingOrderAck(t *testing.T) {
	eng, addr := startTestServer(t)
	client := dial(t, addr)

	client.send(NewOrderMsg(common.LimitOrder, common.Buy, 950, 100, "alice"))
	ack := client.read()
	require.Equal(t, AckReport, ack.MessageType)
	assert.Equal(t, engine.Resting, ack.Status)
	assert.Equal(t, common.Buy, ack.Side)
	assert.Equal(t, uint64(950), ack.Price)
	assert.Equal(t, uint64(100), ack.Remaining)

	order, ok := eng.Order(ack.OrderID)
	require.True(t, ok)
	assert.Equal(t, "alice", order.Owner)
}

func TestServer_ExecutionReportsReachBothParties(t *testing.T) {
	_, addr := startTestServer(t)
	maker := dial(t, addr)
	taker := dial(t, addr)

	maker.send(NewOrderMsg(common.LimitOrder, common.Sell, 1000, 10, "alice"))
	resting := maker.read()
	require.Equal(t, AckReport, resting.MessageType)

	taker.send(NewOrderMsg(common.MarketOrder, common.Buy, 0, 4, "bob"))
	ack := taker.read()
	require.Equal(t, AckReport, ack.MessageType)
	assert.Equal(t, engine.Filled, ack.Status)

	takerExec := taker.read()
	require.Equal(t, ExecutionReport, takerExec.MessageType)
	assert.Equal(t, Taker, takerExec.Liquidity)
	assert.Equal(t, common.Buy, takerExec.Side)
	assert.Equal(t, ack.OrderID, takerExec.OrderID)
	assert.Equal(t, resting.OrderID, takerExec.CounterpartyID)
	assert.Equal(t, uint64(1000), takerExec.Price)
	assert.Equal(t, uint64(4), takerExec.Quantity)

	makerExec := maker.read()
	require.Equal(t, ExecutionReport, makerExec.MessageType)
	assert.Equal(t, Maker, makerExec.Liquidity)
	assert.Equal(t, common.Sell, makerExec.Side)
	assert.Equal(t, resting.OrderID, makerExec.OrderID)
	assert.Equal(t, ack.OrderID, makerExec.CounterpartyID)
	assert.Equal(t, uint64(6), makerExec.Remaining)
}

func TestServer_CancelReports(t *testing.T) {
	eng, addr := startTestServer(t)
	owner := dial(t, addr)
	other := dial(t, addr)

	owner.send(NewOrderMsg(common.LimitOrder, common.Sell, 1050, 25, "alice"))
	ack := owner.read()
	require.Equal(t, AckReport, ack.MessageType)

	// Another session cancels it: both hear about it.
	other.send(CancelOrderMsg(ack.OrderID))
	cancelled := other.read()
	require.Equal(t, CancelReport, cancelled.MessageType)
	assert.Equal(t, ack.OrderID, cancelled.OrderID)
	assert.Equal(t, uint64(25), cancelled.Remaining)

	notified := owner.read()
	require.Equal(t, CancelReport, notified.MessageType)
	assert.Equal(t, ack.OrderID, notified.OrderID)

	_, ok := eng.Order(ack.OrderID)
	assert.False(t, ok)

	// Second cancel is an error.
	other.send(CancelOrderMsg(ack.OrderID))
	failed := other.read()
	require.Equal(t, ErrorReport, failed.MessageType)
	assert.Contains(t, failed.Err, engine.ErrNotFound.Error())
}

func TestServer_OwnerCancelsOwnOrder(t *testing.T) {
	_, addr := startTestServer(t)
	client := dial(t, addr)

	client.send(NewOrderMsg(common.LimitOrder, common.Buy, 900, 5, "carol"))
	ack := client.read()

	// The owner gets a single cancel report. It is queued separately from
	// direct replies, so the order relative to the heartbeats is not fixed.
	client.send(CancelOrderMsg(ack.OrderID))
	client.send(BaseMessage{TypeOf: Heartbeat})
	client.send(BaseMessage{TypeOf: Heartbeat})

	counts := make(map[ReportMessageType]int)
	var cancelled Report
	for range 3 {
		report := client.read()
		counts[report.MessageType]++
		if report.MessageType == CancelReport {
			cancelled = report
		}
	}
	assert.Equal(t, map[ReportMessageType]int{CancelReport: 1, HeartbeatReport: 2}, counts)
	assert.Equal(t, ack.OrderID, cancelled.OrderID)
}

func TestServer_LogBook(t *testing.T) {
	eng, addr := startTestServer(t)
	for _, req := range []engine.SubmitRequest{
		{Side: common.Buy, OrderType: common.LimitOrder, Price: 950, Quantity: 100},
		{Side: common.Buy, OrderType: common.LimitOrder, Price: 900, Quantity: 100},
		{Side: common.Sell, OrderType: common.LimitOrder, Price: 1050, Quantity: 100},
		{Side: common.Sell, OrderType: common.LimitOrder, Price: 1000, Quantity: 100},
		{Side: common.Sell, OrderType: common.LimitOrder, Price: 1000, Quantity: 20},
	} {
		_, err := eng.Submit(req)
		require.NoError(t, err)
	}

	client := dial(t, addr)
	client.send(BaseMessage{TypeOf: LogBook})
	book := client.read()
	require.Equal(t, BookReport, book.MessageType)
	assert.Equal(t, []BookLevel{{950, 100, 1}, {900, 100, 1}}, book.Bids)
	assert.Equal(t, []BookLevel{{1000, 120, 2}, {1050, 100, 1}}, book.Asks)
}

func TestServer_RejectsInvalidInput(t *testing.T) {
	_, addr := startTestServer(t)
	client := dial(t, addr)

	// Unknown message type keeps the session open.
	client.sendRaw([]byte{0, 42})
	report := client.read()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ErrInvalidMessageType.Error())

	client.send(NewOrderMsg(common.LimitOrder, common.Buy, 100, 0, "dave"))
	report = client.read()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, engine.ErrInvalidOrder.Error())

	client.send(CancelOrderMsg(uuid.New()))
	report = client.read()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, engine.ErrNotFound.Error())

	client.send(BaseMessage{TypeOf: Heartbeat})
	assert.Equal(t, HeartbeatReport, client.read().MessageType)
}

func TestServer_OversizedFrameClosesSession(t *testing.T) {
	_, addr := startTestServer(t)
	client := dial(t, addr)

	// Only the header, announcing a body over the limit.
	_, err := client.conn.Write([]byte{byte((MAX_RECV_SIZE + 1) >> 8), byte(MAX_RECV_SIZE + 1)})
	require.NoError(t, err)
	report := client.read()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ErrFrameTooLarge.Error())

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = ReadFrame(client.conn, MaxFrameLen)
	assert.Error(t, err)
}

func TestServer_ReportRouting(t *testing.T) {
	eng := engine.New()
	srv := New(Config{}, eng)

	require.NoError(t, srv.ReportTrade(common.Trade{MakerOwner: "ghost"}))
	assert.ErrorIs(t, srv.sendToOwner("ghost", Report{MessageType: HeartbeatReport}), ErrClientDoesNotExist)
	assert.NoError(t, srv.ReportCancel(common.Order{}))
	assert.Len(t, srv.reports, 1)
}

func TestServer_ReportQueueFull(t *testing.T) {
	srv := New(Config{}, engine.New())
	for range reportQueueSize {
		require.NoError(t, srv.ReportCancel(common.Order{Owner: "alice"}))
	}
	assert.ErrorIs(t, srv.ReportCancel(common.Order{Owner: "alice"}), ErrReportQueueFull)
}
