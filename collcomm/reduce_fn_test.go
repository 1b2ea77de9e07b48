package collcomm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReduceFns(t *testing.T) {
	vecs := [][]int64{{1, -5, 3}, {4, 2, -6}, {0, 9, 3}}
	require.Equal(t, []int64{5, 6, 0}, Sum(vecs...))
	require.Equal(t, []int64{4, 9, 3}, Max(vecs...))
	require.Equal(t, []int64{0, -5, -6}, Min(vecs...))

	// The inputs are left untouched.
	require.Equal(t, []int64{1, -5, 3}, vecs[0])
}

func TestReduceFnSingle(t *testing.T) {
	v := []int64{7}
	res := Sum(v)
	require.Equal(t, []int64{7}, res)
	res[0] = 8
	require.Equal(t, int64(7), v[0])
}

func TestReduceFnMismatch(t *testing.T) {
	require.Panics(t, func() {
		Sum([]int64{1, 2}, []int64{1})
	})
}
