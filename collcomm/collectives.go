package collcomm

import (
	"fmt"
	"time"
)

// barrierRoot gathers arrivals and releases the group.
const barrierRoot = 0

// Broadcast sends root's data to every other rank.
func (c *Comms) Broadcast(root int, data []int64) (res []int64, err error) {
	start := time.Now()
	defer func() { c.observe("broadcast", start, len(res), err) }()

	if err := c.begin(); err != nil {
		return nil, err
	}
	if err := c.checkRoot(KindBroadcast, root); err != nil {
		return nil, err
	}

	if c.group.Rank() == root {
		msg := &Message{Kind: KindBroadcast, Source: root, Seq: c.seq, Root: root, Payload: data}
		for dst := 0; dst < c.group.Size(); dst++ {
			if dst == root {
				continue
			}
			if err := c.send(dst, msg); err != nil {
				return nil, err
			}
		}
		return data, nil
	}

	msg, err := c.recv(KindBroadcast, root, root)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// ScatterVariable distributes contiguous runs of root's
// source buffer.
//
// On root, the plan is validated before anything is sent;
// an invalid plan aborts the group.
func (c *Comms) ScatterVariable(root int, source []int64, counts, displs []int,
	recvCount int) (res []int64, err error) {
	start := time.Now()
	defer func() { c.observe("scatter", start, len(res), err) }()

	if err := c.begin(); err != nil {
		return nil, err
	}
	if err := c.checkRoot(KindScatter, root); err != nil {
		return nil, err
	}
	if recvCount < 0 {
		return nil, c.violation("negative receive count %d", recvCount)
	}

	if c.group.Rank() != root {
		msg, err := c.recv(KindScatter, root, root)
		if err != nil {
			return nil, err
		}
		if len(msg.Payload) != recvCount {
			return nil, c.violation("scatter delivered %d elements but rank %d expected %d",
				len(msg.Payload), c.group.Rank(), recvCount)
		}
		return msg.Payload, nil
	}

	if err := checkScatterPlan(c.group.Size(), len(source), counts, displs); err != nil {
		return nil, c.violation("%s", err)
	}
	if counts[root] != recvCount {
		return nil, c.violation("root receive count %d does not match send count %d",
			recvCount, counts[root])
	}
	for dst := 0; dst < c.group.Size(); dst++ {
		if dst == root {
			continue
		}
		msg := &Message{
			Kind:    KindScatter,
			Source:  root,
			Seq:     c.seq,
			Root:    root,
			Payload: source[displs[dst] : displs[dst]+counts[dst]],
		}
		if err := c.send(dst, msg); err != nil {
			return nil, err
		}
	}
	local := make([]int64, recvCount)
	copy(local, source[displs[root]:])
	return local, nil
}

// Reduce gathers every rank's vector on root and combines
// them with fn, in rank order.
func (c *Comms) Reduce(root int, data []int64, fn ReduceFn) (res []int64, err error) {
	start := time.Now()
	defer func() { c.observe("reduce", start, len(data), err) }()

	if err := c.begin(); err != nil {
		return nil, err
	}
	if err := c.checkRoot(KindReduce, root); err != nil {
		return nil, err
	}

	if c.group.Rank() != root {
		msg := &Message{Kind: KindReduce, Source: c.group.Rank(), Seq: c.seq, Root: root, Payload: data}
		return nil, c.send(root, msg)
	}

	vecs := make([][]int64, c.group.Size())
	vecs[root] = data
	for src := range vecs {
		if src == root {
			continue
		}
		msg, err := c.recv(KindReduce, src, root)
		if err != nil {
			return nil, err
		}
		if len(msg.Payload) != len(data) {
			return nil, c.violation("reduce: rank %d sent %d elements but root has %d",
				src, len(msg.Payload), len(data))
		}
		vecs[src] = msg.Payload
	}
	return fn(vecs...), nil
}

// Barrier waits until every rank has reached the barrier.
//
// Every rank reports to rank 0, which releases the group
// once all of them have arrived.
func (c *Comms) Barrier() (err error) {
	start := time.Now()
	defer func() { c.observe("barrier", start, 0, err) }()

	if err := c.begin(); err != nil {
		return err
	}

	if c.group.Rank() != barrierRoot {
		arrive := &Message{Kind: KindArrive, Source: c.group.Rank(), Seq: c.seq, Root: barrierRoot}
		if err := c.send(barrierRoot, arrive); err != nil {
			return err
		}
		_, err := c.recv(KindRelease, barrierRoot, barrierRoot)
		return err
	}

	for src := 1; src < c.group.Size(); src++ {
		if _, err := c.recv(KindArrive, src, barrierRoot); err != nil {
			return err
		}
	}
	release := &Message{Kind: KindRelease, Source: barrierRoot, Seq: c.seq, Root: barrierRoot}
	for dst := 1; dst < c.group.Size(); dst++ {
		if err := c.send(dst, release); err != nil {
			return err
		}
	}
	return nil
}

func (c *Comms) checkRoot(kind Kind, root int) error {
	if !c.group.Contains(root) {
		return c.violation("%s with root %d in a group of %d", kind, root, c.group.Size())
	}
	return nil
}

// checkScatterPlan verifies that counts and displs select
// non-overlapping, in-order runs of a buffer of length n.
func checkScatterPlan(size, n int, counts, displs []int) error {
	if len(counts) != size || len(displs) != size {
		return fmt.Errorf("scatter plan has %d counts and %d displacements for %d ranks",
			len(counts), len(displs), size)
	}
	end := 0
	for r := range counts {
		if counts[r] < 0 {
			return fmt.Errorf("negative count %d for rank %d", counts[r], r)
		}
		if displs[r] < end {
			return fmt.Errorf("displacement %d for rank %d overlaps previous run ending at %d",
				displs[r], r, end)
		}
		end = displs[r] + counts[r]
		if end > n {
			return fmt.Errorf("run for rank %d ends at %d past buffer length %d", r, end, n)
		}
	}
	return nil
}
