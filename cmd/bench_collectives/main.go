// Command bench_collectives prints a markdown table of the
// virtual time each collective takes on simulated networks.
package main

import (
	"fmt"
	"strconv"

	"github.com/unixpickle/essentials"

	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/collcomm/simcomm"
	"github.com/unixpickle/dist-sum/distsum"
	"github.com/unixpickle/dist-sum/partition"
	"github.com/unixpickle/dist-sum/simulator"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes int
	Latency  float64
	Rate     float64
}

// Run creates a network and runs f on every rank, returning
// the virtual time it took.
func (r *RunInfo) Run(f func(c *collcomm.Comms) error) float64 {
	loop := simulator.NewEventLoop()
	network := simulator.NewOrderedNetwork(r.Rate, r.Latency)
	errs := make([]error, r.NumNodes)
	essentials.Must(simcomm.Spawn(loop, network, r.NumNodes, func(c *collcomm.Comms) {
		errs[c.Group().Rank()] = f(c)
	}))
	for _, err := range errs {
		essentials.Must(err)
	}
	return loop.Time()
}

// A Benchmark runs one operation over a dataset of the
// given size.
type Benchmark func(c *collcomm.Comms, size int) error

func main() {
	benchmarks := []Benchmark{
		BenchmarkBroadcast,
		BenchmarkScatter,
		BenchmarkReduce,
		BenchmarkBarrier,
		BenchmarkJob,
	}
	benchmarkNames := []string{"Broadcast", "Scatter", "Reduce", "Barrier", "Job"}
	runs := []RunInfo{
		{
			NumNodes: 2,
			Latency:  0.1,
			Rate:     1e6,
		},
		{
			NumNodes: 16,
			Latency:  1e-3,
			Rate:     1e6,
		},
		{
			NumNodes: 32,
			Latency:  0.1,
			Rate:     1e9,
		},
		{
			NumNodes: 32,
			Latency:  1e-4,
			Rate:     1e9,
		},
	}
	dataSizes := []int{10, 10000, 100000}

	// Markdown table header.
	fmt.Print("| Nodes | Latency | NIC rate | Size ")
	for _, name := range benchmarkNames {
		fmt.Printf("| %s ", name)
	}
	fmt.Println("|")
	for i := 0; i < 4+len(benchmarks); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		runInfo := runInfo
		for _, size := range dataSizes {
			size := size
			fmt.Printf(
				"| %d | %s | %s | %d ",
				runInfo.NumNodes,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				size,
			)
			for _, benchmark := range benchmarks {
				benchmark := benchmark
				elapsed := runInfo.Run(func(c *collcomm.Comms) error {
					return benchmark(c, size)
				})
				fmt.Printf("| %f ", elapsed)
			}
			fmt.Println("|")
		}
	}
}

// BenchmarkBroadcast sends size elements from rank 0 to
// every rank.
func BenchmarkBroadcast(c *collcomm.Comms, size int) error {
	_, err := c.Broadcast(0, make([]int64, size))
	return err
}

// BenchmarkScatter splits size elements from rank 0 across
// the group.
func BenchmarkScatter(c *collcomm.Comms, size int) error {
	g := c.Group()
	counts, displs := partition.Plan(size, g.Size())
	var source []int64
	if g.Rank() == 0 {
		source = make([]int64, size)
	}
	_, err := c.ScatterVariable(0, source, counts, displs, counts[g.Rank()])
	return err
}

// BenchmarkReduce sums a size-element vector from every
// rank onto rank 0.
func BenchmarkReduce(c *collcomm.Comms, size int) error {
	_, err := c.Reduce(0, make([]int64, size), collcomm.Sum)
	return err
}

// BenchmarkBarrier ignores size.
func BenchmarkBarrier(c *collcomm.Comms, size int) error {
	return c.Barrier()
}

// BenchmarkJob runs a complete distributed sum.
func BenchmarkJob(c *collcomm.Comms, size int) error {
	_, err := distsum.Run(c, distsum.Config{Total: size}, distsum.RangeSource{})
	return err
}
