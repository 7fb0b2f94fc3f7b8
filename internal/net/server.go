package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"matchbook/internal/common"
	"matchbook/internal/engine"
	"matchbook/internal/utils"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	MAX_RECV_SIZE      = 4 * 1024
	defaultNWorkers    = 64
	defaultIdleTimeout = 5 * time.Minute
	reportQueueSize    = 4096
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrClientDoesNotExist = errors.New("client does not exist")
	ErrReportQueueFull    = errors.New("report queue full")
)

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	conn      net.Conn
	writeLock sync.Mutex
	owners    map[string]struct{} // Owner names this session placed orders as
}

func (c *ClientSession) send(report Report) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return WriteFrame(c.conn, report.Serialize())
}

// ownerReport is a report addressed to whichever session last placed an
// order as owner.
type ownerReport struct {
	owner  string
	report Report
}

type Config struct {
	Address     string
	Port        int
	Workers     uint
	IdleTimeout time.Duration
}

// Server is the binary TCP front end of the engine. It also reports the
// engine's fills and cancels of resting orders back to their owners.
type Server struct {
	address     string
	port        int
	idleTimeout time.Duration
	engine      *engine.Engine
	pool        *utils.WorkerPool
	cancel      context.CancelFunc
	addr        chan net.Addr

	clientSessions     map[string]*ClientSession // by remote address
	ownerSessions      map[string]*ClientSession // by owner name
	clientSessionsLock sync.Mutex
	reports            chan ownerReport
}

func New(cfg Config, eng *engine.Engine) *Server {
	if cfg.Workers == 0 {
		cfg.Workers = defaultNWorkers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Server{
		address:        cfg.Address,
		port:           cfg.Port,
		idleTimeout:    cfg.IdleTimeout,
		engine:         eng,
		pool:           utils.NewWorkerPool(cfg.Workers),
		addr:           make(chan net.Addr, 1),
		clientSessions: make(map[string]*ClientSession),
		ownerSessions:  make(map[string]*ClientSession),
		reports:        make(chan ownerReport, reportQueueSize),
	}
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-s.addr:
		s.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
}

// Run serves until ctx is cancelled or a worker fails.
func (s *Server) Run(ctx context.Context) error {
	// Setup a cancel on the context for future shutdown.
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.Shutdown()
	t, ctx := tomb.WithContext(ctx)

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return err
	}
	s.addr <- listener.Addr()

	// Start the worker pool.
	s.pool.Setup(t, s.handleConnection)

	// Start the session handler.
	t.Go(func() error {
		return s.sessionHandler(t)
	})

	// Unblock Accept once we are dying.
	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeClientSessions()
		return nil
	})

	t.Go(func() error {
		return s.acceptLoop(t, listener)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("server running")
	<-t.Dying()
	err = t.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Msg("new client added")
		// Add the client to client sessions we are tracking.
		// We expect to potentially maintain a long TCP session.
		session := s.addClientSession(conn)

		// Pass over the session to be read from.
		if err := s.pool.AddTask(session); err != nil {
			_ = conn.Close()
			return nil
		}
	}
}

// ReportTrade queues the maker's execution report. The taker is answered on
// its own connection by the handler that submitted the order.
func (s *Server) ReportTrade(trade common.Trade) error {
	if trade.MakerOwner == "" {
		return nil
	}
	maker, _ := generateTradeReports(trade)
	return s.enqueue(ownerReport{owner: trade.MakerOwner, report: maker})
}

// ReportCancel tells the owner of a cancelled order about it.
func (s *Server) ReportCancel(order common.Order) error {
	if order.Owner == "" {
		return nil
	}
	return s.enqueue(ownerReport{owner: order.Owner, report: newCancelReport(order)})
}

// enqueue never blocks, it is called with the engine lock held.
func (s *Server) enqueue(report ownerReport) error {
	select {
	case s.reports <- report:
		return nil
	default:
		return fmt.Errorf("%w: dropped %v report for %s", ErrReportQueueFull, report.report.MessageType, report.owner)
	}
}

// sessionHandler delivers queued owner reports.
func (s *Server) sessionHandler(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case r := <-s.reports:
			if err := s.sendToOwner(r.owner, r.report); err != nil {
				log.Debug().
					Err(err).
					Str("owner", r.owner).
					Str("report", r.report.MessageType.String()).
					Msg("unable to deliver report")
			}
		}
	}
}

func (s *Server) sendToOwner(owner string, report Report) error {
	s.clientSessionsLock.Lock()
	session, ok := s.ownerSessions[owner]
	s.clientSessionsLock.Unlock()
	if !ok {
		return ErrClientDoesNotExist
	}

	if err := session.send(report); err != nil {
		s.deleteClientSession(session)
		return fmt.Errorf("unable to send report: %w", err)
	}
	return nil
}

// handleConnection serves one client session until it disconnects, idles out
// or the server dies. Each frame is answered on the same connection.
// Note, any error returned from here is fatal.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	session, ok := task.(*ClientSession)
	if !ok {
		return ErrImproperConversion
	}
	defer s.deleteClientSession(session)
	address := session.conn.RemoteAddr().String()

	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		// Set max read timeout.
		if err := session.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			log.Error().Str("address", address).Err(err).Msg("failed setting deadline for connection")
			return nil
		}

		body, err := ReadFrame(session.conn, MAX_RECV_SIZE)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			log.Info().Str("address", address).Msg("client disconnected")
			return nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			log.Info().Str("address", address).Msg("client idle, closing")
			return nil
		case errors.Is(err, ErrFrameTooLarge):
			// The stream is no longer in sync with the framing.
			log.Error().Err(err).Str("address", address).Msg("error reading from connection")
			_ = session.send(newErrorReport(err))
			return nil
		case !t.Alive():
			// Closed by the shutdown.
			return nil
		default:
			log.Error().Err(err).Str("address", address).Msg("error reading from connection")
			return nil
		}

		message, err := ParseMessage(body)
		if err != nil {
			log.Error().
				Err(err).
				Str("address", address).
				Msg("error parsing message")
			if err := session.send(newErrorReport(err)); err != nil {
				return nil
			}
			continue
		}

		if err := s.handleMessage(session, message); err != nil {
			log.Error().Err(err).Str("address", address).Msg("unable to answer client")
			return nil
		}
	}
}

// handleMessage runs one client request against the engine and writes the
// replies. Only write failures are returned.
func (s *Server) handleMessage(session *ClientSession, message Message) error {
	switch m := message.(type) {
	case *NewOrderMessage:
		if m.Owner != "" {
			s.bindOwner(session, m.Owner)
		}
		result, err := s.engine.Submit(m.Request())
		if err != nil {
			return session.send(newErrorReport(err))
		}
		if err := session.send(newAckReport(result)); err != nil {
			return err
		}
		for _, trade := range result.Trades {
			_, taker := generateTradeReports(trade)
			if err := session.send(taker); err != nil {
				return err
			}
		}
		return nil

	case *CancelOrderMessage:
		order, err := s.engine.Cancel(m.OrderID)
		if err != nil {
			return session.send(newErrorReport(fmt.Errorf("cancel %v: %w", m.OrderID, err)))
		}
		// The owner hears about it through ReportCancel.
		if order.Owner == "" || !s.ownedBy(session, order.Owner) {
			return session.send(newCancelReport(order))
		}
		return nil

	case BaseMessage:
		switch m.TypeOf {
		case LogBook:
			return session.send(newBookReport(s.engine.Snapshot()))
		case Heartbeat:
			return session.send(Report{MessageType: HeartbeatReport})
		}
	}
	return session.send(newErrorReport(fmt.Errorf("%w: %d", ErrInvalidMessageType, message.GetType())))
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) *ClientSession {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	session := &ClientSession{
		conn:   conn,
		owners: make(map[string]struct{}),
	}
	s.clientSessions[conn.RemoteAddr().String()] = session
	return session
}

// bindOwner routes reports for owner to this session from now on.
func (s *Server) bindOwner(session *ClientSession, owner string) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if previous, ok := s.ownerSessions[owner]; ok && previous != session {
		delete(previous.owners, owner)
	}
	session.owners[owner] = struct{}{}
	s.ownerSessions[owner] = session
}

func (s *Server) ownedBy(session *ClientSession, owner string) bool {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	_, ok := session.owners[owner]
	return ok
}

// deleteClientSession is an atomic map remove, and closes the connection.
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	address := session.conn.RemoteAddr().String()
	if current, ok := s.clientSessions[address]; !ok || current != session {
		return
	}
	delete(s.clientSessions, address)
	for owner := range session.owners {
		if s.ownerSessions[owner] == session {
			delete(s.ownerSessions, owner)
		}
	}
	if err := session.conn.Close(); err != nil {
		log.Error().Str("address", address).Err(err).Msg("unable to close connection")
	}
}

func (s *Server) closeClientSessions() {
	s.clientSessionsLock.Lock()
	sessions := make([]*ClientSession, 0, len(s.clientSessions))
	for _, session := range s.clientSessions {
		sessions = append(sessions, session)
	}
	s.clientSessionsLock.Unlock()

	for _, session := range sessions {
		s.deleteClientSession(session)
	}
}
