package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/protocol"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

var (
	// ErrUnknownAgent is returned when sending to an agent with no live session.
	ErrUnknownAgent = errors.New("transport: unknown agent")
	// ErrPayloadTooLarge is returned for payloads that do not fit the u16 length.
	ErrPayloadTooLarge = errors.New("transport: payload longer than 65535 bytes")
	// ErrReplaced is the disconnect cause of a session superseded by a new
	// connection from the same agent.
	ErrReplaced = errors.New("transport: replaced by a new connection")
	// ErrStopped is the disconnect cause of sessions closed by Stop.
	ErrStopped = errors.New("transport: server stopped")
)

const (
	// DefaultAddr listens on the PanL agent port 0xF7D1.
	DefaultAddr             = ":63441"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultKeepAlive        = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	readBufferSize = 4096
	eventBuffer    = 256
)

// AgentResolver maps the 64-bit id an agent sends in its handshake to the
// hub's agent number, creating one on first contact.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, uid [8]byte) (uint32, error)
}

// Handler processes decoded frames. It is called on the session's reader
// goroutine, so frames of one agent are handled in order.
type Handler interface {
	HandleFrame(ctx context.Context, ev protocol.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev protocol.Event) error

// HandleFrame calls f.
func (f HandlerFunc) HandleFrame(ctx context.Context, ev protocol.Event) error {
	return f(ctx, ev)
}

// Config holds server settings. Zero durations select the defaults.
type Config struct {
	Addr             string
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	// WriteTimeout bounds one write; an agent that stops reading is
	// disconnected when it expires.
	WriteTimeout time.Duration
	Logger       zerolog.Logger
	// Clock is handed to each session's parser.
	Clock func() time.Time
}

// Server accepts agent connections and multiplexes writes to them.
type Server struct {
	cfg      Config
	resolver AgentResolver
	log      zerolog.Logger

	ln     net.Listener
	events chan LifecycleEvent
	quit   chan struct{}

	mu       sync.Mutex
	sessions map[uint32]*session
	pending  map[net.Conn]struct{}

	wg          sync.WaitGroup
	stopOnce    sync.Once
	lastSession atomic.Uint64
}

// NewServer creates a server; call Start to accept connections.
func NewServer(cfg Config, resolver AgentResolver) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		cfg:      cfg,
		resolver: resolver,
		log:      cfg.Logger.With().Str("component", "transport").Logger(),
		events:   make(chan LifecycleEvent, eventBuffer),
		quit:     make(chan struct{}),
		sessions: make(map[uint32]*session),
		pending:  make(map[net.Conn]struct{}),
	}
}

// Start listens on the configured address and serves connections in the
// background until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, h Handler) error {
	lc := net.ListenConfig{KeepAlive: s.cfg.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Listening for agents")

	s.wg.Add(1)
	go s.serve(ctx, h)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.quit:
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Events returns the lifecycle event stream. It is closed after Stop once
// every session has finished.
func (s *Server) Events() <-chan LifecycleEvent {
	return s.events
}

// Stop closes the listener and every connection, then waits for all
// session goroutines to exit. Safe to call multiple times.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.ln != nil {
			_ = s.ln.Close()
		}

		s.mu.Lock()
		live := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			live = append(live, sess)
		}
		for conn := range s.pending {
			_ = conn.Close()
		}
		s.mu.Unlock()

		for _, sess := range live {
			s.finish(sess, ErrStopped)
		}
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

// Connected reports whether agent has a live session.
func (s *Server) Connected(agent uint32) bool {
	return s.lookup(agent) != nil
}

// Live reports whether session is the current connection of agent.
// Events of a replaced or closed connection fail this check.
func (s *Server) Live(agent uint32, session uint64) bool {
	sess := s.lookup(agent)
	return sess != nil && sess.id == session
}

// Agents returns the agents with a live session, ascending.
func (s *Server) Agents() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := make([]uint32, 0, len(s.sessions))
	for a := range s.sessions {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })
	return agents
}

// Send writes payload to path immediately. No Drained event follows.
func (s *Server) Send(path panl.Path, payload ...[]byte) error {
	return s.write(path, false, payload)
}

// SendTracked writes payload to path and emits Drained for its agent once
// the bytes have been handed to the socket.
func (s *Server) SendTracked(path panl.Path, payload ...[]byte) error {
	return s.write(path, true, payload)
}

// BroadcastAll writes payload to the broadcast address of every live agent.
func (s *Server) BroadcastAll(payload ...[]byte) error {
	s.mu.Lock()
	agents := make([]uint32, 0, len(s.sessions))
	for a := range s.sessions {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	var errs []error
	for _, a := range agents {
		if err := s.write(panl.NewPath(a, panl.BroadcastAddress), false, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) write(path panl.Path, tracked bool, payload [][]byte) error {
	total := 0
	for _, b := range payload {
		total += len(b)
	}
	header, err := protocol.AddressHeader(path.Address, total)
	if err != nil {
		return fmt.Errorf("%w: %d bytes to %s", ErrPayloadTooLarge, total, path)
	}

	sess := s.lookup(path.Agent)
	if sess == nil {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, path.Agent)
	}

	bufs := make(net.Buffers, 0, len(payload)+1)
	bufs = append(bufs, header)
	bufs = append(bufs, payload...)
	return sess.enqueue(outgoing{bufs: bufs, tracked: tracked})
}

func (s *Server) lookup(agent uint32) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[agent]
}

// emit delivers ev, dropping it only when the server is stopping and
// nobody drains the buffer.
func (s *Server) emit(ev LifecycleEvent) {
	select {
	case s.events <- ev:
	case <-s.quit:
		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *Server) serve(ctx context.Context, h Handler) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			continue
		}

		s.mu.Lock()
		select {
		case <-s.quit:
			s.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		s.pending[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(ctx, conn, h)
	}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conn)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, h Handler) {
	defer s.wg.Done()
	remote := conn.RemoteAddr().String()
	logger := s.log.With().Str("remote", remote).Logger()

	buf := make([]byte, readBufferSize)
	agent, err := s.handshake(ctx, conn, buf)
	if err != nil {
		logger.Warn().Err(err).Msg("Handshake failed")
		s.untrack(conn)
		_ = conn.Close()
		return
	}

	sess := newSession(s.lastSession.Add(1), agent, conn)
	if !s.register(sess) {
		_ = conn.Close()
		return
	}
	logger = logger.With().Uint32("agent", agent).Logger()
	logger.Info().Msg("Agent connected")

	s.wg.Add(1)
	go s.writeLoop(sess)

	parser := protocol.NewParser(agent).WithClock(s.cfg.Clock)
	dispatch := func(ev protocol.Event) {
		if err := h.HandleFrame(ctx, ev); err != nil {
			logger.Error().Err(err).
				Str("command", ev.Command().String()).
				Str("path", ev.Source().String()).
				Msg("Frame handler failed")
		}
	}

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if perr := parser.Feed(buf[:n], dispatch); perr != nil {
				logger.Warn().Err(perr).Msg("Protocol violation, closing connection")
				s.finish(sess, perr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			s.finish(sess, err)
			return
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn net.Conn, buf []byte) (uint32, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return 0, fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("failed to read handshake: %w", err)
	}
	uid, err := protocol.ParseHandshake(buf[:n])
	if err != nil {
		return 0, err
	}
	agent, err := s.resolver.ResolveAgent(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve agent: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}
	return agent, nil
}

// register makes sess the live session of its agent. A previous session of
// the same agent is closed and reported disconnected first.
func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	select {
	case <-s.quit:
		delete(s.pending, sess.conn)
		s.mu.Unlock()
		return false
	default:
	}
	delete(s.pending, sess.conn)
	old := s.sessions[sess.agent]
	s.sessions[sess.agent] = sess
	s.mu.Unlock()

	if old != nil {
		s.log.Warn().Uint32("agent", sess.agent).Msg("Agent reconnected, closing previous session")
		s.finish(old, ErrReplaced)
	}
	s.emit(LifecycleEvent{Kind: Connected, Agent: sess.agent, Session: sess.id})
	return true
}

// finish closes sess and, once per session, removes it from the live table
// and emits Disconnected.
func (s *Server) finish(sess *session, cause error) {
	sess.close()
	sess.finished.Do(func() {
		s.mu.Lock()
		if s.sessions[sess.agent] == sess {
			delete(s.sessions, sess.agent)
		}
		s.mu.Unlock()

		ev := s.log.Info().Uint32("agent", sess.agent)
		if cause != nil {
			ev = ev.Err(cause)
		}
		ev.Msg("Agent disconnected")
		s.emit(LifecycleEvent{Kind: Disconnected, Agent: sess.agent, Session: sess.id, Err: cause})
	})
}

func (s *Server) writeLoop(sess *session) {
	defer s.wg.Done()
	for {
		select {
		case <-sess.done:
			return
		case w := <-sess.out:
			if err := sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.finish(sess, fmt.Errorf("failed to set write deadline: %w", err))
				return
			}
			if _, err := w.bufs.WriteTo(sess.conn); err != nil {
				s.finish(sess, fmt.Errorf("failed to write: %w", err))
				return
			}
			if w.tracked && !sess.closed() {
				s.emit(LifecycleEvent{Kind: Drained, Agent: sess.agent, Session: sess.id})
			}
		}
	}
}
