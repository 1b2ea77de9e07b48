// Package memcomm connects the ranks of a group that live
// in one process, each on its own Goroutine.
package memcomm

import (
	"fmt"
	"sync"

	"github.com/unixpickle/dist-sum/collcomm"
)

// A Hub holds one mailbox per rank.
type Hub struct {
	boxes []*mailbox
}

// NewHub creates a Hub for a group of the given size.
func NewHub(size int) *Hub {
	h := &Hub{boxes: make([]*mailbox, size)}
	for i := range h.boxes {
		h.boxes[i] = newMailbox()
	}
	return h
}

// Size returns the number of ranks the hub connects.
func (h *Hub) Size() int {
	return len(h.boxes)
}

// Transport returns the Transport for the given rank.
func (h *Hub) Transport(rank int) *Transport {
	return &Transport{hub: h, rank: rank}
}

// Spawn creates a Comms for every rank and calls f for
// each one in its own Goroutine.
// It returns once every call has returned and every Comms
// has been closed.
func Spawn(size int, f func(c *collcomm.Comms), opts ...collcomm.Option) {
	hub := NewHub(size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		group, err := collcomm.NewGroup(rank, size)
		if err != nil {
			panic(err)
		}
		c := collcomm.NewComms(group, hub.Transport(rank), opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			f(c)
		}()
	}
	wg.Wait()
}

// A Transport delivers messages through a Hub.
//
// Messages between a pair of ranks arrive in the order
// they were sent.
type Transport struct {
	hub  *Hub
	rank int
}

// Send copies msg into dst's mailbox.
// Messages to a closed mailbox are dropped.
func (t *Transport) Send(dst int, msg *collcomm.Message) error {
	if dst < 0 || dst >= t.hub.Size() {
		return fmt.Errorf("%w: no rank %d in a group of %d", collcomm.ErrPrecondition, dst, t.hub.Size())
	}
	t.hub.boxes[dst].push(msg.Clone())
	return nil
}

// Recv waits for the next message addressed to this rank.
func (t *Transport) Recv() (*collcomm.Message, error) {
	return t.hub.boxes[t.rank].pop()
}

// Close closes this rank's mailbox.
func (t *Transport) Close() error {
	t.hub.boxes[t.rank].close()
	return nil
}

// mailbox is an unbounded FIFO queue.
type mailbox struct {
	lock   sync.Mutex
	cond   *sync.Cond
	queue  []*collcomm.Message
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.lock)
	return m
}

func (m *mailbox) push(msg *collcomm.Message) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, msg)
	m.cond.Signal()
}

func (m *mailbox) pop() (*collcomm.Message, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, collcomm.ErrClosed
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return msg, nil
}

func (m *mailbox) close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	m.queue = nil
	m.cond.Broadcast()
}
