package transport

import (
	"fmt"
	"net"
	"sync"
)

// EventKind classifies lifecycle events.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	// Drained follows a tracked write once it reached the socket.
	Drained
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Drained:
		return "drained"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// LifecycleEvent reports a change of an agent session. Err holds the cause
// of a Disconnected event; nil means the peer closed cleanly. Session
// identifies the connection; a reconnecting agent gets a new one.
type LifecycleEvent struct {
	Kind    EventKind
	Agent   uint32
	Session uint64
	Err     error
}

const outgoingBuffer = 256

type outgoing struct {
	bufs    net.Buffers
	tracked bool
}

type session struct {
	id    uint64
	agent uint32
	conn  net.Conn
	out   chan outgoing
	done  chan struct{}

	closeOnce sync.Once
	finished  sync.Once
}

func newSession(id uint64, agent uint32, conn net.Conn) *session {
	return &session{
		id:    id,
		agent: agent,
		conn:  conn,
		out:   make(chan outgoing, outgoingBuffer),
		done:  make(chan struct{}),
	}
}

func (s *session) enqueue(w outgoing) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %d", ErrUnknownAgent, s.agent)
	default:
	}
	select {
	case s.out <- w:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %d", ErrUnknownAgent, s.agent)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
