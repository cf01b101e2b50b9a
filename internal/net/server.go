package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"fillwatch/internal/estimate"
	"fillwatch/internal/metrics"
	"fillwatch/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers       = 10
	defaultMaxSessions    = 100
	defaultPollTimeout    = 50 * time.Millisecond
	defaultMessageTimeout = time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrServerBusy         = errors.New("server busy")
)

// Estimator prices a market order against the live book.
type Estimator interface {
	Estimate(size decimal.Decimal) (estimate.Fill, uint64, error)
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	id     uuid.UUID
	conn   net.Conn
	reader *bufio.Reader
}

// Server answers queries over long lived TCP sessions. At most maxSessions are
// open at once; each holds one slot of the pool queue while idle, so the queue is
// sized to match and a session can always be handed back.
type Server struct {
	address            string
	port               int
	estimator          Estimator
	pool               *utils.WorkerPool
	maxSessions        int
	clientSessions     map[uuid.UUID]*ClientSession
	clientSessionsLock sync.Mutex

	ready    chan struct{}
	shutdown chan struct{}
	stopOnce sync.Once
	addr     net.Addr
}

func New(address string, port int, estimator Estimator, workers, maxSessions uint) *Server {
	if workers == 0 {
		workers = defaultNWorkers
	}
	if maxSessions == 0 {
		maxSessions = defaultMaxSessions
	}
	return &Server{
		address:        address,
		port:           port,
		estimator:      estimator,
		pool:           utils.NewWorkerPool(workers, maxSessions),
		maxSessions:    int(maxSessions),
		clientSessions: make(map[uuid.UUID]*ClientSession),
		ready:          make(chan struct{}),
		shutdown:       make(chan struct{}),
	}
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound listener address. Only valid after Ready.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops Run. It is safe to call more than once, and before Run.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		log.Info().Msg("query server shutting down")
		close(s.shutdown)
	})
}

// Run serves queries until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	// Setup a cancel on the context for future shutdown.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t, ctx := tomb.WithContext(ctx)

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	s.addr = listener.Addr()

	// Start the worker pool.
	s.pool.Setup(t, s.handleConnection)

	// Close the listener on shutdown to unblock Accept.
	t.Go(func() error {
		select {
		case <-t.Dying():
		case <-s.shutdown:
			cancel()
		}
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		return nil
	})

	// Start accepting connections.
	t.Go(func() error {
		return s.accept(t, listener)
	})

	log.Info().Str("address", s.addr.String()).Msg("query server running")
	close(s.ready)

	<-t.Dying()
	err = t.Wait()
	s.closeAllSessions()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) accept(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		// Add the client to client sessions we are tracking.
		// We expect to potentially maintain a long TCP session.
		session, ok := s.addClientSession(conn)
		if !ok {
			log.Warn().
				Str("address", conn.RemoteAddr().String()).
				Int("max_sessions", s.maxSessions).
				Msg("session limit reached, refusing client")
			s.reject(session, ErrServerBusy)
			continue
		}
		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Stringer("session", session.id).
			Msg("new client added")

		// Pass over the session to be read from.
		if !s.pool.AddTask(session) {
			s.reject(session, ErrServerBusy)
		}
	}
}

// handleConnection is a short-lived worker method which services at most one
// message off the session, then hands the session back to the pool. An idle
// session is handed back after a short poll so a few workers can share many
// sessions.
// Note, any error returned from here is fatal.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	session, ok := task.(*ClientSession)
	if !ok {
		return ErrImproperConversion
	}

	select {
	case <-t.Dying():
		s.deleteClientSession(session)
		return nil
	default:
	}

	// Peek does not consume, so a timeout here leaves the stream intact.
	if err := session.conn.SetReadDeadline(time.Now().Add(defaultPollTimeout)); err != nil {
		s.deleteClientSession(session)
		return nil
	}
	if _, err := session.reader.Peek(BaseMessageHeaderLen); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.requeue(session)
			return nil
		}
		log.Debug().Err(err).Stringer("session", session.id).Msg("client disconnected")
		s.deleteClientSession(session)
		return nil
	}

	_ = session.conn.SetReadDeadline(time.Now().Add(defaultMessageTimeout))
	message, err := readMessage(session.reader)
	if err != nil {
		log.Error().Err(err).Stringer("session", session.id).Msg("error parsing message")
		s.reject(session, err)
		return nil
	}

	report := s.handleMessage(message)
	if err := s.send(session, report); err != nil {
		log.Error().Err(err).Stringer("session", session.id).Msg("unable to send report")
		s.deleteClientSession(session)
		return nil
	}

	// Push the client session back to handle the next message.
	s.requeue(session)
	return nil
}

func (s *Server) handleMessage(message Message) Report {
	id := uuid.New()
	switch m := message.(type) {
	case QueryMessage:
		size, err := m.OrderSize()
		if err != nil {
			metrics.Queries.WithLabelValues("invalid").Inc()
			return newErrorReport(id, 0, err)
		}
		fill, sequenceID, err := s.estimator.Estimate(size)
		if err != nil {
			metrics.Queries.WithLabelValues("invalid").Inc()
			return newErrorReport(id, sequenceID, err)
		}
		metrics.Queries.WithLabelValues("ok").Inc()
		log.Debug().Stringer("request", id).Stringer("fill", fill).Msg("answered query")
		return newFillReport(id, sequenceID, fill)
	default:
		return Report{
			MessageType: HeartbeatReport,
			Timestamp:   uint64(time.Now().UnixNano()),
			UUID:        id,
		}
	}
}

func (s *Server) send(session *ClientSession, report Report) error {
	buf, err := report.Serialize()
	if err != nil {
		return err
	}
	if err := session.conn.SetWriteDeadline(time.Now().Add(defaultMessageTimeout)); err != nil {
		return err
	}
	_, err = session.conn.Write(buf)
	return err
}

// reject answers with an error report, best effort, and drops the session.
func (s *Server) reject(session *ClientSession, err error) {
	metrics.Queries.WithLabelValues("rejected").Inc()
	if serr := s.send(session, newErrorReport(uuid.New(), 0, err)); serr != nil {
		log.Debug().Err(serr).Stringer("session", session.id).Msg("unable to send error report")
	}
	s.deleteClientSession(session)
}

func (s *Server) requeue(session *ClientSession) {
	if !s.pool.AddTask(session) {
		s.reject(session, ErrServerBusy)
	}
}

// addClientSession is an atomic map add. It reports false, leaving the session
// untracked, when the session limit is reached.
func (s *Server) addClientSession(conn net.Conn) (*ClientSession, bool) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	session := &ClientSession{
		id:     uuid.New(),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
	if len(s.clientSessions) >= s.maxSessions {
		return session, false
	}
	s.clientSessions[session.id] = session
	return session, true
}

// deleteClientSession is an atomic map remove. The connection is closed.
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if err := session.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Err(err).Stringer("session", session.id).Msg("unable to close connection")
	}
	delete(s.clientSessions, session.id)
}

func (s *Server) closeAllSessions() {
	s.pool.Drain()

	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	for id, session := range s.clientSessions {
		_ = session.conn.Close()
		delete(s.clientSessions, id)
	}
}

// Sessions is the number of connected clients.
func (s *Server) Sessions() int {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	return len(s.clientSessions)
}
