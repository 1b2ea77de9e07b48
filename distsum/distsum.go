// Package distsum computes the sum of a dataset that one
// rank holds, by spreading the work over every rank of a
// collcomm group.
//
// Every rank calls Run with the same arguments. Only the
// root generates the dataset and receives the total.
package distsum

import (
	"errors"
	"fmt"
	"time"

	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/internal/logging"
	"github.com/unixpickle/dist-sum/partition"
)

// ErrVerification is returned on root when the distributed
// sum disagrees with a sequential one.
var ErrVerification = errors.New("distributed sum does not match sequential sum")

// Config describes one summation job.
type Config struct {
	// Total is the number of elements root generates.
	Total int

	// Root generates the data and receives the sum.
	Root int

	// StrictDivisible rejects totals that cannot be split
	// evenly over the group.
	StrictDivisible bool

	// Verify makes root compare the result with a
	// sequential sum of the dataset.
	Verify bool

	// MaxElements is the largest dataset root may allocate.
	// Zero means no limit.
	MaxElements int
}

// Validate checks the config against a group.
func (c Config) Validate(g collcomm.Group) error {
	if c.Total < 0 {
		return fmt.Errorf("%w: negative total %d", collcomm.ErrPrecondition, c.Total)
	}
	if !g.Contains(c.Root) {
		return fmt.Errorf("%w: root %d outside a group of %d", collcomm.ErrPrecondition, c.Root, g.Size())
	}
	if c.MaxElements < 0 {
		return fmt.Errorf("%w: negative element limit %d", collcomm.ErrPrecondition, c.MaxElements)
	}
	return nil
}

// Metrics receives phase timings.
type Metrics interface {
	ObservePhase(phase string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObservePhase(string, time.Duration) {}

// An Option configures Run.
type Option func(r *runner)

// WithLogger sets the logger for phase transitions and the
// final report.
func WithLogger(l logging.Logger) Option {
	return func(r *runner) {
		r.logger = logging.OrNop(l)
	}
}

// WithMetrics sets the collector for phase timings.
func WithMetrics(m Metrics) Option {
	return func(r *runner) {
		if m == nil {
			m = nopMetrics{}
		}
		r.metrics = m
	}
}

// WithReporter sets where root delivers its Report.
func WithReporter(rep Reporter) Option {
	return func(r *runner) {
		r.reporter = rep
	}
}

// Timings holds how long this rank spent in each phase.
type Timings struct {
	Generate   time.Duration
	Plan       time.Duration
	Distribute time.Duration
	Compute    time.Duration
	Aggregate  time.Duration

	// Parallel spans the barriers around distribution and
	// aggregation.
	Parallel time.Duration
}

// Result is what Run returns on every rank.
type Result struct {
	Rank      int
	Partition partition.Partition
	LocalSum  int64
	Timings   Timings

	// Report is only set on root.
	Report *Report
}

type runner struct {
	c        collcomm.Channel
	cfg      Config
	src      Source
	logger   logging.Logger
	metrics  Metrics
	reporter Reporter
}

// Run executes one job as the calling rank.
//
// Every rank must call Run with the same Config. The
// Source is only used on root.
// If any rank fails, every rank returns an error, and the
// failing rank's error is a *collcomm.AbortError on all of
// them.
func Run(c collcomm.Channel, cfg Config, src Source, opts ...Option) (*Result, error) {
	r := &runner{
		c:       c,
		cfg:     cfg,
		src:     src,
		logger:  logging.NewNop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	res, err := r.run()
	if err != nil {
		return nil, c.Abort(err)
	}
	return res, nil
}

func (r *runner) run() (*Result, error) {
	group := r.c.Group()
	rank := group.Rank()
	if err := r.cfg.Validate(group); err != nil {
		return nil, err
	}
	isRoot := rank == r.cfg.Root
	res := &Result{Rank: rank}

	var data []int64
	var expected int64
	var sequential time.Duration
	if isRoot {
		var err error
		start := time.Now()
		data, err = r.generate()
		if err != nil {
			return nil, err
		}
		res.Timings.Generate = r.phase("generate", start)
		if r.cfg.Verify {
			start := time.Now()
			expected = LocalSum(data)
			sequential = time.Since(start)
		}
	}

	start := time.Now()
	total, counts, displs, err := r.plan(len(data), isRoot)
	if err != nil {
		return nil, err
	}
	res.Partition = partition.Compute(total, group.Size(), rank)
	res.Timings.Plan = r.phase("plan", start)
	r.logger.Debug("planned partition", "rank", rank, "offset", res.Partition.Offset,
		"count", res.Partition.Count)

	if err := r.c.Barrier(); err != nil {
		return nil, err
	}
	parallelStart := time.Now()

	start = time.Now()
	local, err := r.c.ScatterVariable(r.cfg.Root, data, counts, displs, res.Partition.Count)
	if err != nil {
		return nil, err
	}
	res.Timings.Distribute = r.phase("distribute", start)

	start = time.Now()
	res.LocalSum = LocalSum(local)
	res.Timings.Compute = r.phase("compute", start)
	fields := []any{"rank", rank, "count", res.Partition.Count}
	if res.Partition.Count > 0 {
		fields = append(fields, "first", res.Partition.Offset, "last", res.Partition.End()-1)
	}
	fields = append(fields, "localSum", res.LocalSum, "elapsed", res.Timings.Compute)
	r.logger.Info("summed partition", fields...)

	start = time.Now()
	sum, err := r.c.Reduce(r.cfg.Root, []int64{res.LocalSum}, collcomm.Sum)
	if err != nil {
		return nil, err
	}
	if err := r.c.Barrier(); err != nil {
		return nil, err
	}
	res.Timings.Aggregate = r.phase("aggregate", start)
	res.Timings.Parallel = time.Since(parallelStart)

	slowest, err := r.c.Reduce(r.cfg.Root, []int64{int64(res.Timings.Compute)}, collcomm.Max)
	if err != nil {
		return nil, err
	}

	if isRoot {
		start := time.Now()
		res.Report = &Report{
			Total:          total,
			Size:           group.Size(),
			Sum:            sum[0],
			Parallel:       res.Timings.Parallel,
			SlowestCompute: time.Duration(slowest[0]),
		}
		if r.cfg.Verify {
			res.Report.Verified = true
			res.Report.Expected = expected
			res.Report.Sequential = sequential
		}
		if err := r.report(res.Report); err != nil {
			return nil, err
		}
		r.phase("report", start)
	}

	if err := r.c.Barrier(); err != nil {
		return nil, err
	}
	return res, nil
}

// generate creates root's dataset within the allocation
// limit.
func (r *runner) generate() ([]int64, error) {
	if r.cfg.MaxElements > 0 && r.cfg.Total > r.cfg.MaxElements {
		return nil, fmt.Errorf("%w: %d elements exceeds the limit of %d", collcomm.ErrAllocation,
			r.cfg.Total, r.cfg.MaxElements)
	}
	if r.src == nil {
		return nil, fmt.Errorf("%w: no data source on root", collcomm.ErrPrecondition)
	}
	data, err := r.src.Generate(r.cfg.Total)
	if err != nil {
		return nil, fmt.Errorf("generate dataset: %w", err)
	}
	if len(data) != r.cfg.Total {
		return nil, fmt.Errorf("%w: source produced %d elements instead of %d", collcomm.ErrPrecondition,
			len(data), r.cfg.Total)
	}
	return data, nil
}

// plan shares root's element count and derives the
// scatter plan on root.
func (r *runner) plan(n int, isRoot bool) (total int, counts, displs []int, err error) {
	size := r.c.Group().Size()
	if isRoot && r.cfg.StrictDivisible {
		if err := partition.CheckDivisible(n, size); err != nil {
			return 0, nil, nil, fmt.Errorf("%w: %w", collcomm.ErrPrecondition, err)
		}
	}
	msg, err := r.c.Broadcast(r.cfg.Root, []int64{int64(n)})
	if err != nil {
		return 0, nil, nil, err
	}
	if len(msg) != 1 || msg[0] < 0 {
		return 0, nil, nil, fmt.Errorf("%w: bad element count broadcast %v", collcomm.ErrContractViolation, msg)
	}
	total = int(msg[0])
	if isRoot {
		counts, displs = partition.Plan(total, size)
	}
	return total, counts, displs, nil
}

func (r *runner) report(rep *Report) error {
	if rep.Verified && rep.Sum != rep.Expected {
		return fmt.Errorf("%w: got %d, expected %d", ErrVerification, rep.Sum, rep.Expected)
	}
	r.logger.Info("job finished", "total", rep.Total, "size", rep.Size, "sum", rep.Sum,
		"parallel", rep.Parallel)
	if r.reporter == nil {
		return nil
	}
	if err := r.reporter.Report(rep); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

func (r *runner) phase(name string, start time.Time) time.Duration {
	d := time.Since(start)
	r.metrics.ObservePhase(name, d)
	r.logger.Debug("phase done", "rank", r.c.Group().Rank(), "phase", name, "elapsed", d)
	return d
}

// LocalSum adds up buf from left to right.
func LocalSum(buf []int64) int64 {
	var sum int64
	for _, x := range buf {
		sum += x
	}
	return sum
}
