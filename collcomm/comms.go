// Package collcomm implements blocking collective
// operations (broadcast, variable scatter, reduce and
// barrier) for a fixed group of workers that communicate
// over a point-to-point Transport.
//
// Every worker must call the same collectives, with
// matching arguments, in the same order.
// A worker that hits a fatal error aborts the whole group
// instead of leaving its peers blocked.
package collcomm

import (
	"errors"
	"fmt"
	"time"

	"github.com/unixpickle/dist-sum/internal/logging"
)

// A Channel is one worker's handle on the group's
// collective operations.
type Channel interface {
	// Group returns the caller's rank and the group size.
	Group() Group

	// Broadcast returns root's data on every rank.
	Broadcast(root int, data []int64) ([]int64, error)

	// ScatterVariable sends counts[r] elements of root's
	// source, starting at displs[r], to every rank r.
	// The counts, displs and source arguments are only
	// read on root.
	// Each rank's recvCount must equal its counts entry.
	ScatterVariable(root int, source []int64, counts, displs []int, recvCount int) ([]int64, error)

	// Reduce combines every rank's data with fn and returns
	// the result on root.
	// Non-root ranks get a nil result.
	Reduce(root int, data []int64, fn ReduceFn) ([]int64, error)

	// Barrier blocks until every rank has called Barrier.
	Barrier() error

	// Abort signals a group-wide abort caused by err.
	// It always returns a non-nil *AbortError.
	Abort(err error) error

	// Close releases the underlying transport.
	Close() error
}

// An Option configures a Comms.
type Option func(c *Comms)

// WithLogger sets the logger used for aborts and contract
// violations.
func WithLogger(l logging.Logger) Option {
	return func(c *Comms) {
		c.logger = logging.OrNop(l)
	}
}

// WithMetrics sets the collector that observes every
// collective call.
func WithMetrics(m Metrics) Option {
	return func(c *Comms) {
		if m == nil {
			m = nopMetrics{}
		}
		c.metrics = m
	}
}

// Comms implements Channel with flat, root-based
// algorithms on top of a Transport.
//
// A Comms belongs to a single Goroutine.
type Comms struct {
	group     Group
	transport Transport
	logger    logging.Logger
	metrics   Metrics

	// seq counts collective calls made so far.
	seq uint64

	// pending holds messages that arrived before the call
	// they belong to.
	pending map[pendingKey]*Message

	aborted *AbortError
	closed  bool
}

type pendingKey struct {
	source int
	seq    uint64
}

var _ Channel = (*Comms)(nil)

// NewComms creates a Channel for one member of a group.
func NewComms(g Group, t Transport, opts ...Option) *Comms {
	c := &Comms{
		group:     g,
		transport: t,
		logger:    logging.NewNop(),
		metrics:   nopMetrics{},
		pending:   map[pendingKey]*Message{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Group returns the caller's place in the group.
func (c *Comms) Group() Group {
	return c.group
}

// Abort marks the group as aborted and notifies every
// other rank.
//
// Calling Abort again, or on a rank that already received
// an abort, returns the original AbortError.
func (c *Comms) Abort(err error) error {
	if c.aborted != nil {
		return c.aborted
	}
	if err == nil {
		err = errors.New("aborted")
	}
	var peerAbort *AbortError
	if errors.As(err, &peerAbort) {
		c.aborted = peerAbort
		return peerAbort
	}

	rank := c.group.Rank()
	c.aborted = &AbortError{
		Rank:   rank,
		Class:  ClassOf(err),
		Reason: err.Error(),
		cause:  err,
	}
	c.logger.Error("aborting group", "rank", rank, "class", c.aborted.Class, "error", err)
	c.metrics.RecordAbort(rank)

	if c.closed {
		return c.aborted
	}
	msg := &Message{
		Kind:   KindAbort,
		Source: rank,
		Seq:    c.seq,
		Class:  c.aborted.Class,
		Reason: c.aborted.Reason,
	}
	for dst := 0; dst < c.group.Size(); dst++ {
		if dst == rank {
			continue
		}
		if sendErr := c.transport.Send(dst, msg); sendErr != nil {
			c.logger.Warn("abort not delivered", "rank", rank, "dest", dst, "error", sendErr)
		}
	}
	return c.aborted
}

// Close closes the transport.
// Messages that were never received are dropped.
func (c *Comms) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	return c.transport.Close()
}

// begin starts a new collective call.
func (c *Comms) begin() error {
	if c.aborted != nil {
		return c.aborted
	}
	if c.closed {
		return ErrClosed
	}
	c.seq++
	return nil
}

func (c *Comms) observe(op string, start time.Time, elements int, err error) {
	c.metrics.ObserveCollective(op, elements, time.Since(start), err)
}

func (c *Comms) send(dst int, msg *Message) error {
	if err := c.transport.Send(dst, msg); err != nil {
		return c.fail(fmt.Errorf("send %s to rank %d: %w", msg.Kind, dst, err))
	}
	return nil
}

// recv waits for the message of the current call that
// source sends to this rank.
//
// Messages for later calls, or from other sources, are
// kept for later.
func (c *Comms) recv(kind Kind, source, root int) (*Message, error) {
	key := pendingKey{source: source, seq: c.seq}
	if msg, ok := c.pending[key]; ok {
		delete(c.pending, key)
		if err := c.checkMessage(msg, kind, root); err != nil {
			return nil, err
		}
		return msg, nil
	}
	for {
		msg, err := c.transport.Recv()
		if err != nil {
			if c.aborted != nil {
				return nil, c.aborted
			}
			return nil, c.fail(fmt.Errorf("receive %s from rank %d: %w", kind, source, err))
		}
		if msg.Kind == KindAbort {
			return nil, c.peerAborted(msg)
		}
		if msg.Seq < c.seq {
			return nil, c.violation("stale %s message from rank %d for call %d during call %d",
				msg.Kind, msg.Source, msg.Seq, c.seq)
		}
		if msg.Seq == c.seq {
			if err := c.checkMessage(msg, kind, root); err != nil {
				return nil, err
			}
			if msg.Source == source {
				return msg, nil
			}
		}
		k := pendingKey{source: msg.Source, seq: msg.Seq}
		if _, ok := c.pending[k]; ok {
			return nil, c.violation("duplicate message from rank %d for call %d", msg.Source, msg.Seq)
		}
		c.pending[k] = msg
	}
}

// checkMessage makes sure that a message belonging to the
// current call was sent by a rank making the same call.
func (c *Comms) checkMessage(msg *Message, kind Kind, root int) error {
	if msg.Kind != kind {
		return c.violation("call %d: expected %s but rank %d sent %s",
			c.seq, kind, msg.Source, msg.Kind)
	}
	if msg.Root != root {
		return c.violation("call %d: %s with root %d but rank %d used root %d",
			c.seq, kind, root, msg.Source, msg.Root)
	}
	return nil
}

func (c *Comms) peerAborted(msg *Message) error {
	c.aborted = &AbortError{Rank: msg.Source, Class: msg.Class, Reason: msg.Reason}
	c.metrics.RecordAbort(msg.Source)
	c.logger.Warn("group aborted by peer", "rank", c.group.Rank(), "origin", msg.Source,
		"class", msg.Class, "reason", msg.Reason)
	return c.aborted
}

func (c *Comms) violation(format string, args ...any) error {
	return c.fail(fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...)))
}

// fail aborts the group because of a local error.
func (c *Comms) fail(err error) error {
	c.logger.Error("collective failed", "rank", c.group.Rank(), "call", c.seq, "error", err)
	return c.Abort(err)
}
