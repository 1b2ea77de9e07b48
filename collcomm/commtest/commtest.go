// Package commtest provides a battery of tests that any
// collcomm transport should pass.
package commtest

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/partition"
)

// A SpawnFunc runs f once per rank of a group of the given
// size, each on its own Goroutine, and returns when every
// call has finished.
type SpawnFunc func(t *testing.T, size int, f func(c collcomm.Channel))

// Sizes are the group sizes exercised by the battery.
var Sizes = []int{1, 2, 3, 7, 16}

// RunChannelTests runs every test in the battery.
//
// TestMismatchedOperations relies on messages between any
// two ranks arriving in the order they were sent; use
// RunDeliveryTests for transports that reorder them.
func RunChannelTests(t *testing.T, spawn SpawnFunc) {
	RunDeliveryTests(t, spawn)
	t.Run("MismatchedOperations", func(t *testing.T) { TestMismatchedOperations(t, spawn) })
}

// RunDeliveryTests runs the tests that hold no matter how
// the transport orders messages.
func RunDeliveryTests(t *testing.T, spawn SpawnFunc) {
	t.Run("Broadcast", func(t *testing.T) { TestBroadcast(t, spawn) })
	t.Run("BroadcastNonZeroRoot", func(t *testing.T) { TestBroadcastNonZeroRoot(t, spawn) })
	t.Run("ScatterVariable", func(t *testing.T) { TestScatterVariable(t, spawn) })
	t.Run("Reduce", func(t *testing.T) { TestReduce(t, spawn) })
	t.Run("Barrier", func(t *testing.T) { TestBarrier(t, spawn) })
	t.Run("Sequence", func(t *testing.T) { TestSequence(t, spawn) })
	t.Run("Abort", func(t *testing.T) { TestAbort(t, spawn) })
	t.Run("ReceiveCountMismatch", func(t *testing.T) { TestReceiveCountMismatch(t, spawn) })
	t.Run("BadScatterPlan", func(t *testing.T) { TestBadScatterPlan(t, spawn) })
}

// TestBroadcast checks that every rank sees root's value,
// for every possible root.
func TestBroadcast(t *testing.T, spawn SpawnFunc) {
	for _, size := range Sizes {
		for root := 0; root < size; root++ {
			root := root
			results := make([][]int64, size)
			errs := make([]error, size)
			spawn(t, size, func(c collcomm.Channel) {
				rank := c.Group().Rank()
				var value []int64
				if rank == root {
					value = []int64{int64(root*100 + 7), -3}
				}
				results[rank], errs[rank] = c.Broadcast(root, value)
			})
			for rank := range results {
				require.NoError(t, errs[rank], "size=%d root=%d rank=%d", size, root, rank)
				require.Equal(t, []int64{int64(root*100 + 7), -3}, results[rank],
					"size=%d root=%d rank=%d", size, root, rank)
			}
		}
	}
}

// TestBroadcastNonZeroRoot is the four worker broadcast of
// 22 from rank 2.
func TestBroadcastNonZeroRoot(t *testing.T, spawn SpawnFunc) {
	const size, root = 4, 2
	results := make([][]int64, size)
	errs := make([]error, size)
	spawn(t, size, func(c collcomm.Channel) {
		rank := c.Group().Rank()
		value := []int64{0}
		if rank == root {
			value[0] = 22
		}
		results[rank], errs[rank] = c.Broadcast(root, value)
	})
	for rank := range results {
		require.NoError(t, errs[rank])
		require.Equal(t, []int64{22}, results[rank], "rank %d", rank)
	}
}

// TestScatterVariable scatters uneven partitions from
// several roots and checks every rank's slice.
func TestScatterVariable(t *testing.T, spawn SpawnFunc) {
	for _, size := range Sizes {
		size := size
		for _, total := range []int{0, 1, 12, 1337} {
			total := total
			root := size / 2
			data := make([]int64, total)
			for i := range data {
				data[i] = int64(i*3 + 1)
			}
			results := make([][]int64, size)
			errs := make([]error, size)
			spawn(t, size, func(c collcomm.Channel) {
				rank := c.Group().Rank()
				p := partition.Compute(total, size, rank)
				var source []int64
				var counts, displs []int
				if rank == root {
					source = data
					counts, displs = partition.Plan(total, size)
				}
				results[rank], errs[rank] = c.ScatterVariable(root, source, counts, displs, p.Count)
			})
			for rank, res := range results {
				require.NoError(t, errs[rank], "size=%d total=%d rank=%d", size, total, rank)
				p := partition.Compute(total, size, rank)
				require.Len(t, res, p.Count, "size=%d total=%d rank=%d", size, total, rank)
				if p.Count > 0 {
					require.Equal(t, p.Slice(data), res, "size=%d total=%d rank=%d", size, total, rank)
				}
			}
		}
	}
}

// TestReduce checks Sum, Max and Min against a sequential
// computation.
func TestReduce(t *testing.T, spawn SpawnFunc) {
	const vecSize = 5
	for _, size := range Sizes {
		vecs := make([][]int64, size)
		for i := range vecs {
			vecs[i] = make([]int64, vecSize)
			for j := range vecs[i] {
				vecs[i][j] = rand.Int63n(2000) - 1000
			}
		}
		root := size - 1
		fns := map[string]collcomm.ReduceFn{
			"sum": collcomm.Sum,
			"max": collcomm.Max,
			"min": collcomm.Min,
		}
		for name, fn := range fns {
			fn := fn
			expected := fn(vecs...)
			results := make([][]int64, size)
			errs := make([]error, size)
			spawn(t, size, func(c collcomm.Channel) {
				rank := c.Group().Rank()
				results[rank], errs[rank] = c.Reduce(root, vecs[rank], fn)
			})
			for rank, res := range results {
				require.NoError(t, errs[rank], "%s size=%d rank=%d", name, size, rank)
				if rank == root {
					require.Equal(t, expected, res, "%s size=%d", name, size)
				} else {
					require.Nil(t, res, "%s size=%d rank=%d", name, size, rank)
				}
			}
		}
	}
}

// TestBarrier checks that no rank leaves a barrier before
// every rank has entered it.
func TestBarrier(t *testing.T, spawn SpawnFunc) {
	for _, size := range Sizes {
		size := size
		var arrived atomic.Int64
		early := make([]bool, size)
		errs := make([]error, size)
		spawn(t, size, func(c collcomm.Channel) {
			rank := c.Group().Rank()
			for round := 1; round <= 3; round++ {
				arrived.Add(1)
				if errs[rank] = c.Barrier(); errs[rank] != nil {
					return
				}
				if arrived.Load() < int64(round*size) {
					early[rank] = true
				}
				// Keep the next round from starting before
				// everyone has checked the counter.
				if errs[rank] = c.Barrier(); errs[rank] != nil {
					return
				}
			}
		})
		for rank, e := range early {
			require.NoError(t, errs[rank], "size=%d rank=%d", size, rank)
			require.False(t, e, "size=%d: rank %d left the barrier early", size, rank)
		}
	}
}

// TestSequence interleaves collectives with rotating
// roots, so that messages from different calls are in
// flight at the same time.
func TestSequence(t *testing.T, spawn SpawnFunc) {
	const size, rounds = 5, 10
	var lock sync.Mutex
	sums := make([]int64, rounds)
	var failures []error
	fail := func(err error) {
		lock.Lock()
		failures = append(failures, err)
		lock.Unlock()
	}
	spawn(t, size, func(c collcomm.Channel) {
		rank := c.Group().Rank()
		for round := 0; round < rounds; round++ {
			root := round % size
			v, err := c.Broadcast(root, []int64{int64(round)})
			if err != nil {
				fail(err)
				return
			} else if len(v) != 1 || v[0] != int64(round) {
				fail(fmt.Errorf("rank %d round %d: broadcast gave %v", rank, round, v))
			}

			res, err := c.Reduce(root, []int64{int64(rank + round)}, collcomm.Sum)
			if err != nil {
				fail(err)
				return
			}
			if rank == root {
				sums[round] = res[0]
			}
			if err := c.Barrier(); err != nil {
				fail(err)
				return
			}
		}
	})
	require.Empty(t, failures)
	for round, sum := range sums {
		require.Equal(t, int64(size*(size-1)/2+size*round), sum, "round %d", round)
	}
}

// TestAbort checks that an abort on one rank reaches every
// other rank blocked in a collective.
func TestAbort(t *testing.T, spawn SpawnFunc) {
	for _, size := range Sizes[1:] {
		aborter := size - 1
		errs := make([]error, size)
		spawn(t, size, func(c collcomm.Channel) {
			rank := c.Group().Rank()
			if rank == aborter {
				errs[rank] = c.Abort(fmt.Errorf("%w: out of disk", collcomm.ErrPrecondition))
				return
			}
			errs[rank] = c.Barrier()
		})
		for rank, err := range errs {
			var abortErr *collcomm.AbortError
			require.True(t, errors.As(err, &abortErr), "size=%d rank=%d: %v", size, rank, err)
			require.Equal(t, aborter, abortErr.Rank)
			require.Equal(t, collcomm.ClassPrecondition, abortErr.Class)
			require.ErrorIs(t, err, collcomm.ErrPrecondition)
			require.Contains(t, abortErr.Reason, "out of disk")
		}
	}
}

// TestReceiveCountMismatch checks that a rank expecting the
// wrong number of elements aborts the group.
func TestReceiveCountMismatch(t *testing.T, spawn SpawnFunc) {
	const size, total = 3, 10
	errs := make([]error, size)
	spawn(t, size, func(c collcomm.Channel) {
		rank := c.Group().Rank()
		p := partition.Compute(total, size, rank)
		var source []int64
		var counts, displs []int
		if rank == 0 {
			source = make([]int64, total)
			counts, displs = partition.Plan(total, size)
		}
		recvCount := p.Count
		if rank == 2 {
			recvCount++
		}
		_, err := c.ScatterVariable(0, source, counts, displs, recvCount)
		if err == nil {
			err = c.Barrier()
		}
		errs[rank] = err
	})
	expectViolation(t, errs)
}

// TestBadScatterPlan checks that root rejects overlapping
// displacements before sending anything.
func TestBadScatterPlan(t *testing.T, spawn SpawnFunc) {
	const size = 3
	errs := make([]error, size)
	spawn(t, size, func(c collcomm.Channel) {
		rank := c.Group().Rank()
		var source []int64
		var counts, displs []int
		if rank == 0 {
			source = make([]int64, 6)
			counts = []int{2, 2, 2}
			displs = []int{0, 1, 4}
		}
		_, errs[rank] = c.ScatterVariable(0, source, counts, displs, 2)
	})
	expectViolation(t, errs)
}

// TestMismatchedOperations checks that ranks calling
// different collectives find out at their next call.
func TestMismatchedOperations(t *testing.T, spawn SpawnFunc) {
	const size = 3
	errs := make([]error, size)
	spawn(t, size, func(c collcomm.Channel) {
		rank := c.Group().Rank()
		var err error
		if rank == 1 {
			_, err = c.Reduce(0, []int64{1}, collcomm.Sum)
		} else {
			_, err = c.Broadcast(0, []int64{1})
		}
		if err == nil {
			err = c.Barrier()
		}
		errs[rank] = err
	})
	expectViolation(t, errs)
}

func expectViolation(t *testing.T, errs []error) {
	for rank, err := range errs {
		require.Error(t, err, "rank %d", rank)
		require.ErrorIs(t, err, collcomm.ErrContractViolation, "rank %d", rank)
	}
}
