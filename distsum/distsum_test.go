package distsum

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/collcomm/memcomm"
	"github.com/unixpickle/dist-sum/collcomm/simcomm"
	"github.com/unixpickle/dist-sum/internal/logging"
	"github.com/unixpickle/dist-sum/partition"
	"github.com/unixpickle/dist-sum/simulator"
)

type spawnFunc func(t *testing.T, size int, f func(c collcomm.Channel))

func memSpawn(t *testing.T, size int, f func(c collcomm.Channel)) {
	memcomm.Spawn(size, func(c *collcomm.Comms) {
		f(c)
	})
}

func simSpawn(network func() simulator.Network) spawnFunc {
	return func(t *testing.T, size int, f func(c collcomm.Channel)) {
		err := simcomm.Spawn(simulator.NewEventLoop(), network(), size, func(c *collcomm.Comms) {
			f(c)
		})
		require.NoError(t, err)
	}
}

var transports = map[string]spawnFunc{
	"memcomm": memSpawn,
	"simcomm-ordered": simSpawn(func() simulator.Network {
		return simulator.NewOrderedNetwork(1e6, 0.01)
	}),
	"simcomm-random": simSpawn(func() simulator.Network {
		return simulator.RandomNetwork{}
	}),
}

// runJob runs Run on every rank and returns the results
// and errors indexed by rank.
func runJob(t *testing.T, spawn spawnFunc, size int, cfg Config, src Source,
	opts ...Option) ([]*Result, []error) {
	results := make([]*Result, size)
	errs := make([]error, size)
	spawn(t, size, func(c collcomm.Channel) {
		rank := c.Group().Rank()
		results[rank], errs[rank] = Run(c, cfg, src, opts...)
	})
	return results, errs
}

func rootReport(t *testing.T, results []*Result, errs []error, root int) *Report {
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
		if rank != root {
			require.Nil(t, results[rank].Report, "rank %d", rank)
		}
	}
	require.NotNil(t, results[root].Report)
	return results[root].Report
}

func TestLocalSum(t *testing.T) {
	require.Equal(t, int64(0), LocalSum(nil))
	require.Equal(t, int64(6), LocalSum([]int64{1, 2, 3}))
	require.Equal(t, int64(-4), LocalSum([]int64{-7, 3}))
}

func TestRunSmallDataset(t *testing.T) {
	data := SliceSource{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	results, errs := runJob(t, memSpawn, 5, Config{Total: len(data)}, data)
	report := rootReport(t, results, errs, 0)
	require.Equal(t, int64(78), report.Sum)
	require.Equal(t, 12, report.Total)
	require.Equal(t, 5, report.Size)

	expected := []partition.Partition{
		{Offset: 0, Count: 3},
		{Offset: 3, Count: 3},
		{Offset: 6, Count: 2},
		{Offset: 8, Count: 2},
		{Offset: 10, Count: 2},
	}
	expectedSums := []int64{6, 15, 15, 19, 23}
	for rank, res := range results {
		require.Equal(t, rank, res.Rank)
		require.Equal(t, expected[rank], res.Partition, "rank %d", rank)
		require.Equal(t, expectedSums[rank], res.LocalSum, "rank %d", rank)
	}
}

func TestRunLargeRandomDataset(t *testing.T) {
	const total, size = 1000000, 8
	src := RandomSource{Seed: 1337, MaxValue: DefaultMaxValue}
	data, err := src.Generate(total)
	require.NoError(t, err)

	cfg := Config{Total: total, Verify: true}
	results, errs := runJob(t, memSpawn, size, cfg, src)
	report := rootReport(t, results, errs, 0)
	require.Equal(t, LocalSum(data), report.Sum)
	require.True(t, report.Verified)
	require.Equal(t, report.Sum, report.Expected)

	var partial int64
	for _, res := range results {
		partial += res.LocalSum
	}
	require.Equal(t, report.Sum, partial)
}

func TestRunEmptyDataset(t *testing.T) {
	for name, spawn := range transports {
		spawn := spawn
		t.Run(name, func(t *testing.T) {
			results, errs := runJob(t, spawn, 4, Config{Total: 0, Verify: true}, RangeSource{})
			report := rootReport(t, results, errs, 0)
			require.Equal(t, int64(0), report.Sum)
			for _, res := range results {
				require.Equal(t, 0, res.Partition.Count)
				require.Equal(t, int64(0), res.LocalSum)
			}
		})
	}
}

func TestRunSizes(t *testing.T) {
	const total = 1000
	for name, spawn := range transports {
		spawn := spawn
		t.Run(name, func(t *testing.T) {
			for _, size := range []int{1, 2, 3, 7, 16} {
				root := size / 2
				results, errs := runJob(t, spawn, size, Config{Total: total, Root: root}, RangeSource{})
				report := rootReport(t, results, errs, root)
				require.Equal(t, RangeSum(total), report.Sum, "size %d", size)
			}
		})
	}
}

func TestRunFewerElementsThanRanks(t *testing.T) {
	results, errs := runJob(t, memSpawn, 7, Config{Total: 3}, RangeSource{})
	report := rootReport(t, results, errs, 0)
	require.Equal(t, int64(6), report.Sum)
	for rank, res := range results {
		if rank < 3 {
			require.Equal(t, 1, res.Partition.Count)
		} else {
			require.Equal(t, 0, res.Partition.Count)
		}
	}
}

func TestRunLogsPartitions(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewText(&buf, "info")
	_, errs := runJob(t, memSpawn, 5, Config{Total: 3}, RangeSource{}, WithLogger(logger))
	for _, err := range errs {
		require.NoError(t, err)
	}

	var lines int
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, "summed partition") {
			continue
		}
		lines++
		switch {
		case strings.Contains(line, "rank=0 "):
			require.Contains(t, line, "count=1 first=0 last=0")
		case strings.Contains(line, "rank=4 "):
			require.Contains(t, line, "count=0")
			require.NotContains(t, line, "first=")
			require.NotContains(t, line, "last=")
		}
	}
	require.Equal(t, 5, lines)
}

func TestRunStrictDivisible(t *testing.T) {
	cfg := Config{Total: 10, StrictDivisible: true}
	results, errs := runJob(t, memSpawn, 3, cfg, RangeSource{})
	for rank, err := range errs {
		require.Nil(t, results[rank])
		var abortErr *collcomm.AbortError
		require.ErrorAs(t, err, &abortErr, "rank %d", rank)
		require.Equal(t, 0, abortErr.Rank)
		require.ErrorIs(t, err, collcomm.ErrPrecondition, "rank %d", rank)
	}
	require.ErrorIs(t, errs[0], partition.ErrIndivisible)

	results, errs = runJob(t, memSpawn, 5, cfg, RangeSource{})
	report := rootReport(t, results, errs, 0)
	require.Equal(t, RangeSum(10), report.Sum)
}

func TestRunAllocationLimit(t *testing.T) {
	for name, spawn := range transports {
		spawn := spawn
		t.Run(name, func(t *testing.T) {
			cfg := Config{Total: 100, Root: 1, MaxElements: 99}
			_, errs := runJob(t, spawn, 3, cfg, RangeSource{})
			for rank, err := range errs {
				var abortErr *collcomm.AbortError
				require.ErrorAs(t, err, &abortErr, "rank %d", rank)
				require.Equal(t, 1, abortErr.Rank)
				require.Equal(t, collcomm.ClassAllocation, abortErr.Class)
				require.ErrorIs(t, err, collcomm.ErrAllocation, "rank %d", rank)
			}
		})
	}
}

func TestRunInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{{Total: -1}, {Total: 5, Root: 3}, {Total: 5, MaxElements: -1}} {
		_, errs := runJob(t, memSpawn, 3, cfg, RangeSource{})
		for rank, err := range errs {
			require.ErrorIs(t, err, collcomm.ErrPrecondition, "config %+v rank %d", cfg, rank)
		}
	}
}

func TestRunSourceFailure(t *testing.T) {
	_, errs := runJob(t, memSpawn, 3, Config{Total: 4}, SliceSource{1, 2})
	for rank, err := range errs {
		require.ErrorIs(t, err, collcomm.ErrPrecondition, "rank %d", rank)
	}
}

// tamperedChannel corrupts the first reduction it sees on
// root.
type tamperedChannel struct {
	collcomm.Channel
	done bool
}

func (t *tamperedChannel) Reduce(root int, data []int64, fn collcomm.ReduceFn) ([]int64, error) {
	res, err := t.Channel.Reduce(root, data, fn)
	if err == nil && res != nil && !t.done {
		t.done = true
		res[0]++
	}
	return res, err
}

func TestRunVerificationFailure(t *testing.T) {
	const size = 3
	errs := make([]error, size)
	memSpawn(t, size, func(c collcomm.Channel) {
		_, errs[c.Group().Rank()] = Run(&tamperedChannel{Channel: c}, Config{Total: 50, Verify: true},
			RangeSource{})
	})
	require.ErrorIs(t, errs[0], ErrVerification)
	for rank, err := range errs {
		var abortErr *collcomm.AbortError
		require.ErrorAs(t, err, &abortErr, "rank %d", rank)
		require.Equal(t, 0, abortErr.Rank)
	}
}

func TestRunReporter(t *testing.T) {
	var lock sync.Mutex
	var reports []*Report
	rep := ReporterFunc(func(r *Report) error {
		lock.Lock()
		defer lock.Unlock()
		reports = append(reports, r)
		return nil
	})
	results, errs := runJob(t, memSpawn, 4, Config{Total: 100, Root: 2, Verify: true}, RangeSource{},
		WithReporter(rep), WithLogger(logging.NewTest(t)))
	report := rootReport(t, results, errs, 2)
	require.Len(t, reports, 1)
	require.Same(t, report, reports[0])
}

func TestRunReporterFailure(t *testing.T) {
	rep := ReporterFunc(func(r *Report) error {
		return errors.New("disk full")
	})
	_, errs := runJob(t, memSpawn, 3, Config{Total: 10}, RangeSource{}, WithReporter(rep))
	for rank, err := range errs {
		var abortErr *collcomm.AbortError
		require.ErrorAs(t, err, &abortErr, "rank %d", rank)
		require.Contains(t, abortErr.Reason, "disk full")
	}
}

type recordingMetrics struct {
	lock   sync.Mutex
	phases map[string]int
}

func (r *recordingMetrics) ObservePhase(phase string, d time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.phases[phase]++
}

func TestRunMetrics(t *testing.T) {
	m := &recordingMetrics{phases: map[string]int{}}
	_, errs := runJob(t, memSpawn, 3, Config{Total: 30}, RangeSource{}, WithMetrics(m))
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, map[string]int{
		"generate":   1,
		"plan":       3,
		"distribute": 3,
		"compute":    3,
		"aggregate":  3,
		"report":     1,
	}, m.phases)
}

func TestWriterReporter(t *testing.T) {
	var buf bytes.Buffer
	report := &Report{
		Total:      12,
		Size:       5,
		Sum:        78,
		Parallel:   time.Second,
		Verified:   true,
		Expected:   78,
		Sequential: time.Millisecond,
	}
	require.NoError(t, WriterReporter{W: &buf}.Report(report))
	out := buf.String()
	require.Contains(t, out, "Distributed sum of 12 numbers.")
	require.Contains(t, out, "Workers: 5")
	require.Contains(t, out, "Global sum: 78")
	require.Contains(t, out, "Verification OK")

	buf.Reset()
	report.Expected = 77
	require.NoError(t, WriterReporter{W: &buf}.Report(report))
	require.Contains(t, buf.String(), "Verification FAILED")

	buf.Reset()
	report.Verified = false
	require.NoError(t, WriterReporter{W: &buf}.Report(report))
	require.NotContains(t, buf.String(), "Verification")
}

func TestSources(t *testing.T) {
	data, err := RangeSource{}.Generate(5)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, data)
	require.Equal(t, RangeSum(5), LocalSum(data))

	a, err := RandomSource{Seed: 7, MaxValue: DefaultMaxValue}.Generate(1000)
	require.NoError(t, err)
	b, err := RandomSource{Seed: 7, MaxValue: DefaultMaxValue}.Generate(1000)
	require.NoError(t, err)
	require.Equal(t, a, b)
	for _, x := range a {
		require.GreaterOrEqual(t, x, int64(0))
		require.LessOrEqual(t, x, int64(DefaultMaxValue))
	}

	small, err := RandomSource{Seed: 1, MaxValue: 1}.Generate(100)
	require.NoError(t, err)
	for _, x := range small {
		require.Contains(t, []int64{0, 1}, x)
	}

	zeros, err := RandomSource{Seed: 1}.Generate(10)
	require.NoError(t, err)
	require.Equal(t, make([]int64, 10), zeros)

	huge, err := RandomSource{Seed: 1, MaxValue: math.MaxInt64}.Generate(100)
	require.NoError(t, err)
	for _, x := range huge {
		require.GreaterOrEqual(t, x, int64(0))
	}

	_, err = RandomSource{MaxValue: -3}.Generate(1)
	require.ErrorIs(t, err, collcomm.ErrPrecondition)

	src := SliceSource{4, 5}
	data, err = src.Generate(2)
	require.NoError(t, err)
	data[0] = 100
	require.Equal(t, int64(4), src[0])
	_, err = src.Generate(3)
	require.Error(t, err)
}

func ExampleRun() {
	memcomm.Spawn(4, func(c *collcomm.Comms) {
		res, err := Run(c, Config{Total: 100}, RangeSource{})
		if err != nil {
			panic(err)
		}
		if res.Report != nil {
			fmt.Println(res.Report.Sum)
		}
	})
	// Output: 5050
}
