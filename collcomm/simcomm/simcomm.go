// Package simcomm runs a group on a simulated network, so
// that collectives can be timed in virtual time and tested
// under random message delays.
package simcomm

import (
	"errors"
	"fmt"

	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/simulator"
)

// Spawn creates a Comms for every node of a simulated
// network and calls f for each one in its own Goroutine.
//
// It runs the loop until every call has returned.
// If the group deadlocked, the blocked ranks fail with a
// contract violation and Spawn returns
// simulator.ErrDeadlock.
func Spawn(loop *simulator.EventLoop, network simulator.Network, size int,
	f func(c *collcomm.Comms), opts ...collcomm.Option) error {
	if size < 1 {
		return fmt.Errorf("%w: group size %d", collcomm.ErrPrecondition, size)
	}
	ports := make([]*simulator.Port, size)
	for i, node := range simulator.NewNodes(size) {
		ports[i] = node.Port(loop)
	}
	for rank := range ports {
		rank := rank
		group, err := collcomm.NewGroup(rank, size)
		if err != nil {
			return err
		}
		loop.Go(func(h *simulator.Handle) {
			c := collcomm.NewComms(group, &Transport{
				Handle:  h,
				Port:    ports[rank],
				Ports:   ports,
				Network: network,
			}, opts...)
			defer c.Close()
			f(c)
		})
	}
	return loop.Run()
}

// A Transport sends messages through a simulated Network.
//
// Delivery order between two ranks depends on the Network.
type Transport struct {
	Handle  *simulator.Handle
	Port    *simulator.Port
	Ports   []*simulator.Port
	Network simulator.Network

	closed bool
}

// Send schedules the delivery of a copy of msg.
func (t *Transport) Send(dst int, msg *collcomm.Message) error {
	if dst < 0 || dst >= len(t.Ports) {
		return fmt.Errorf("%w: no rank %d in a group of %d", collcomm.ErrPrecondition, dst, len(t.Ports))
	}
	t.Network.Send(t.Handle, &simulator.Message{
		Source:  t.Port,
		Dest:    t.Ports[dst],
		Message: msg.Clone(),
		Size:    msg.Size(),
	})
	return nil
}

// Recv waits, in virtual time, for the next message.
//
// A deadlocked group is reported as a contract violation,
// since it can only happen when the ranks disagree about
// which collectives to call.
func (t *Transport) Recv() (*collcomm.Message, error) {
	if t.closed {
		return nil, collcomm.ErrClosed
	}
	msg, err := t.Port.Recv(t.Handle)
	if err != nil {
		if errors.Is(err, simulator.ErrDeadlock) {
			return nil, fmt.Errorf("%w: %w", collcomm.ErrContractViolation, err)
		}
		return nil, err
	}
	return msg.Message.(*collcomm.Message), nil
}

// Close stops the transport from receiving.
func (t *Transport) Close() error {
	t.closed = true
	return nil
}
