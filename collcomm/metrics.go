package collcomm

import "time"

// Metrics receives observations about collective calls.
type Metrics interface {
	// ObserveCollective records one completed call of op,
	// how many elements it moved into or out of this rank,
	// how long it blocked, and whether it failed.
	ObserveCollective(op string, elements int, d time.Duration, err error)

	// RecordAbort records a group abort initiated by the
	// given rank.
	RecordAbort(origin int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCollective(string, int, time.Duration, error) {}
func (nopMetrics) RecordAbort(int)                                      {}
