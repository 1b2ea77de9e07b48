package distsum

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/unixpickle/dist-sum/collcomm"
)

// DefaultMaxValue is the MaxValue of the default random
// dataset.
const DefaultMaxValue = 99

// A Source generates root's dataset.
type Source interface {
	Generate(total int) ([]int64, error)
}

// RandomSource generates uniform values in [0, MaxValue].
//
// The same Seed always produces the same dataset.
type RandomSource struct {
	Seed     int64
	MaxValue int64
}

// Generate creates total random values.
func (r RandomSource) Generate(total int) ([]int64, error) {
	if r.MaxValue < 0 {
		return nil, fmt.Errorf("%w: negative max value %d", collcomm.ErrPrecondition, r.MaxValue)
	}
	gen := rand.New(rand.NewSource(r.Seed))
	data := make([]int64, total)
	for i := range data {
		if r.MaxValue == math.MaxInt64 {
			data[i] = gen.Int63()
		} else {
			data[i] = gen.Int63n(r.MaxValue + 1)
		}
	}
	return data, nil
}

// RangeSource generates 1, 2, ..., total.
type RangeSource struct{}

// Generate creates the range.
func (RangeSource) Generate(total int) ([]int64, error) {
	data := make([]int64, total)
	for i := range data {
		data[i] = int64(i + 1)
	}
	return data, nil
}

// RangeSum is the sum of 1..n.
func RangeSum(n int64) int64 {
	return n * (n + 1) / 2
}

// SliceSource serves a fixed dataset.
type SliceSource []int64

// Generate returns a copy of the slice, which must hold
// exactly total elements.
func (s SliceSource) Generate(total int) ([]int64, error) {
	if total != len(s) {
		return nil, fmt.Errorf("%w: dataset has %d elements but %d were requested",
			collcomm.ErrPrecondition, len(s), total)
	}
	return append([]int64{}, s...), nil
}
