package collcomm

// A ReduceFn is an associative, commutative operation that
// reduces many vectors into a single vector.
type ReduceFn func(vecs ...[]int64) []int64

// Sum is a ReduceFn that computes an element-wise sum.
func Sum(vecs ...[]int64) []int64 {
	return combine(vecs, func(acc, x int64) int64 { return acc + x })
}

// Max is a ReduceFn that computes an element-wise maximum.
func Max(vecs ...[]int64) []int64 {
	return combine(vecs, func(acc, x int64) int64 { return max(acc, x) })
}

// Min is a ReduceFn that computes an element-wise minimum.
func Min(vecs ...[]int64) []int64 {
	return combine(vecs, func(acc, x int64) int64 { return min(acc, x) })
}

// combine folds vecs left to right.
func combine(vecs [][]int64, f func(acc, x int64) int64) []int64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := append([]int64(nil), vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			res[i] = f(res[i], x)
		}
	}
	return res
}
