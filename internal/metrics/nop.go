// Package metrics provides collectors for collective calls
// and orchestrator phases.
package metrics

import (
	"time"

	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/distsum"
)

// NopMetrics discards every observation.
type NopMetrics struct{}

var (
	_ collcomm.Metrics = (*NopMetrics)(nil)
	_ distsum.Metrics  = (*NopMetrics)(nil)
)

// NewNop creates a collector that discards everything.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// ObserveCollective discards the observation.
func (n *NopMetrics) ObserveCollective(_ string, _ int, _ time.Duration, _ error) {
	// No-op
}

// RecordAbort discards the abort.
func (n *NopMetrics) RecordAbort(_ int) {
	// No-op
}

// ObservePhase discards the phase timing.
func (n *NopMetrics) ObservePhase(_ string, _ time.Duration) {
	// No-op
}
