// Package partition splits a range of indices into
// contiguous, nearly equal slices, one per rank.
package partition

import (
	"errors"
	"fmt"
)

// ErrIndivisible is returned by CheckDivisible when the
// range cannot be split into equally sized slices.
var ErrIndivisible = errors.New("total is not divisible by group size")

// A Partition is one rank's contiguous slice
// [Offset, Offset+Count) of a global index range.
type Partition struct {
	Offset int
	Count  int
}

// End returns the exclusive upper bound of the slice.
func (p Partition) End() int {
	return p.Offset + p.Count
}

// Slice returns the part of data covered by p.
func (p Partition) Slice(data []int64) []int64 {
	return data[p.Offset:p.End()]
}

// Compute returns the slice of [0, total) owned by rank
// in a group of the given size.
//
// When total is not a multiple of size, the first
// total%size ranks each get one extra element.
func Compute(total, size, rank int) Partition {
	checkArgs(total, size)
	if rank < 0 || rank >= size {
		panic(fmt.Sprintf("rank %d out of range for size %d", rank, size))
	}
	base, extra := total/size, total%size
	p := Partition{
		Offset: rank*base + min(rank, extra),
		Count:  base,
	}
	if rank < extra {
		p.Count++
	}
	return p
}

// All returns the partitions for every rank, ordered by
// rank.
func All(total, size int) []Partition {
	checkArgs(total, size)
	res := make([]Partition, size)
	for i := range res {
		res[i] = Compute(total, size, i)
	}
	return res
}

// Plan computes the per-rank element counts and
// displacements for a variable-sized scatter of total
// elements.
func Plan(total, size int) (counts, displs []int) {
	counts = make([]int, size)
	displs = make([]int, size)
	for i, p := range All(total, size) {
		counts[i] = p.Count
		displs[i] = p.Offset
	}
	return counts, displs
}

// CheckDivisible returns an error wrapping ErrIndivisible
// unless every rank would receive the same count.
func CheckDivisible(total, size int) error {
	checkArgs(total, size)
	if total%size != 0 {
		return fmt.Errorf("%w: %d elements across %d ranks", ErrIndivisible, total, size)
	}
	return nil
}

func checkArgs(total, size int) {
	if total < 0 {
		panic(fmt.Sprintf("negative total: %d", total))
	}
	if size < 1 {
		panic(fmt.Sprintf("invalid group size: %d", size))
	}
}
