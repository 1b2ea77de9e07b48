package simulator

import (
	"fmt"
	"math/rand"
	"sync"
)

// A Node represents a machine on a virtual network.
type Node struct {
	unused int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// NewNodes creates n unique Nodes.
func NewNodes(n int) []*Node {
	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = NewNode()
	}
	return nodes
}

// Port creates a new Port connected to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port identifies a point of communication on a Node.
// Data is sent from Ports and received on Ports.
type Port struct {
	// The Node to which the Port is attached.
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv receives the next message.
//
// It fails with ErrDeadlock if no message can ever arrive.
func (p *Port) Recv(h *Handle) (*Message, error) {
	event, err := h.Poll(p.Incoming)
	if err != nil {
		return nil, err
	}
	return event.Message.(*Message), nil
}

// A Message is a chunk of data sent between nodes over a
// network.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}
	Size    float64
}

// A Network represents an abstract way of communicating
// between nodes.
type Network interface {
	// Send message objects from one node to another.
	// The message will arrive on the receiving port's
	// incoming EventStream.
	//
	// This is a non-blocking operation.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork is a network that assigns random delays
// to every message.
//
// Two messages between the same pair of ports may arrive
// in either order.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64())
	}
}

// An OrderedNetwork delivers the messages sent to a node in
// the order they were sent, while still adding a random
// amount of latency to each one.
//
// Every node receives data at Rate bytes per unit of
// virtual time, so large messages delay the ones queued
// behind them.
type OrderedNetwork struct {
	Rate             float64
	MaxRandomLatency float64

	lock      sync.Mutex
	nextTimes map[*Node]float64
}

// NewOrderedNetwork creates an OrderedNetwork.
//
// The rate must be positive.
func NewOrderedNetwork(rate float64, maxRandomLatency float64) *OrderedNetwork {
	if rate <= 0 {
		panic(fmt.Sprintf("invalid data rate: %f", rate))
	}
	return &OrderedNetwork{
		Rate:             rate,
		MaxRandomLatency: maxRandomLatency,
		nextTimes:        map[*Node]float64{},
	}
}

// Send sends the messages over the network in order.
func (o *OrderedNetwork) Send(h *Handle, msgs ...*Message) {
	o.lock.Lock()
	defer o.lock.Unlock()

	curTime := h.Time()
	for _, msg := range msgs {
		dest := msg.Dest.Node
		delay := rand.Float64()*o.MaxRandomLatency + msg.Size/o.Rate
		if t, ok := o.nextTimes[dest]; ok && t > curTime {
			delay += t - curTime
		}
		h.Schedule(msg.Dest.Incoming, msg, delay)
		o.nextTimes[dest] = curTime + delay
	}
}
