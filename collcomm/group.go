package collcomm

import "fmt"

// A Group identifies the calling worker within a fixed set
// of cooperating workers.
//
// Groups are established once by the launcher and never
// change afterwards.
type Group struct {
	rank int
	size int
}

// NewGroup creates a Group for the worker with the given
// rank in a group of the given size.
func NewGroup(rank, size int) (Group, error) {
	if size < 1 {
		return Group{}, fmt.Errorf("%w: group size %d", ErrPrecondition, size)
	}
	if rank < 0 || rank >= size {
		return Group{}, fmt.Errorf("%w: rank %d out of range [0,%d)", ErrPrecondition, rank, size)
	}
	return Group{rank: rank, size: size}, nil
}

// Rank returns the worker's rank, in [0, Size()).
func (g Group) Rank() int {
	return g.rank
}

// Size returns the number of workers in the group.
func (g Group) Size() int {
	return g.size
}

// Contains reports whether rank is a valid rank in g.
func (g Group) Contains(rank int) bool {
	return rank >= 0 && rank < g.size
}

func (g Group) String() string {
	return fmt.Sprintf("rank %d of %d", g.rank, g.size)
}
