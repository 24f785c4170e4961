// Package transmit serializes writes per agent so that a slow agent only
// ever has one tracked write in flight.
package transmit

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/transport"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// Transport is the subset of transport.Server the queue writes through.
type Transport interface {
	Send(path panl.Path, payload ...[]byte) error
	SendTracked(path panl.Path, payload ...[]byte) error
	BroadcastAll(payload ...[]byte) error
}

type item struct {
	path    panl.Path
	payload [][]byte
}

// destination is the per-agent socket state.
type destination struct {
	busy bool
	fifo []item
}

// Queue dispatches tracked writes one at a time per agent. The next queued
// write goes out when the transport reports the previous one drained.
type Queue struct {
	t   Transport
	log zerolog.Logger

	mu    sync.Mutex
	dests map[uint32]*destination
}

// New creates a queue writing through t.
func New(t Transport, logger zerolog.Logger) *Queue {
	return &Queue{
		t:     t,
		log:   logger.With().Str("component", "transmit").Logger(),
		dests: make(map[uint32]*destination),
	}
}

// Send dispatches payload to path if its agent is idle, otherwise appends
// it to the agent's FIFO.
func (q *Queue) Send(path panl.Path, payload ...[]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := q.dests[path.Agent]
	if d == nil {
		d = &destination{}
		q.dests[path.Agent] = d
	}
	if d.busy {
		d.fifo = append(d.fifo, item{path: path, payload: payload})
		return nil
	}
	if err := q.t.SendTracked(path, payload...); err != nil {
		return err
	}
	d.busy = true
	return nil
}

// Broadcast queues payload for every panel behind agent.
func (q *Queue) Broadcast(agent uint32, payload ...[]byte) error {
	return q.Send(panl.NewPath(agent, panl.BroadcastAddress), payload...)
}

// SendImmediately bypasses the queue. Reserved for single latency-critical
// frames.
func (q *Queue) SendImmediately(path panl.Path, payload ...[]byte) error {
	return q.t.Send(path, payload...)
}

// BroadcastImmediately writes payload to every panel behind agent, bypassing the queue.
func (q *Queue) BroadcastImmediately(agent uint32, payload ...[]byte) error {
	return q.t.Send(panl.NewPath(agent, panl.BroadcastAddress), payload...)
}

// BroadcastToAll writes payload to every panel of every live agent immediately.
func (q *Queue) BroadcastToAll(payload ...[]byte) error {
	return q.t.BroadcastAll(payload...)
}

// OnDrain dispatches the agent's next queued write, or marks the agent idle
// when nothing is queued.
func (q *Queue) OnDrain(agent uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := q.dests[agent]
	if d == nil {
		return
	}
	for len(d.fifo) > 0 {
		next := d.fifo[0]
		d.fifo[0] = item{}
		d.fifo = d.fifo[1:]

		err := q.t.SendTracked(next.path, next.payload...)
		if err == nil {
			return
		}
		if errors.Is(err, transport.ErrUnknownAgent) {
			q.log.Warn().Uint32("agent", agent).Int("dropped", len(d.fifo)+1).Msg("Agent gone, discarding queued writes")
			delete(q.dests, agent)
			return
		}
		q.log.Error().Err(err).Str("path", next.path.String()).Msg("Dropping queued write")
	}
	d.busy = false
}

// Discard forgets the agent's queue and busy flag.
func (q *Queue) Discard(agent uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d := q.dests[agent]; d != nil && len(d.fifo) > 0 {
		q.log.Debug().Uint32("agent", agent).Int("dropped", len(d.fifo)).Msg("Discarding queued writes")
	}
	delete(q.dests, agent)
}

// Pending returns the number of writes waiting behind the in-flight one.
func (q *Queue) Pending(agent uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d := q.dests[agent]; d != nil {
		return len(d.fifo)
	}
	return 0
}

// Busy reports whether agent has a tracked write in flight.
func (q *Queue) Busy(agent uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.dests[agent]
	return d != nil && d.busy
}
