// Command distsum sums a generated dataset over a group of
// workers.
//
// All ranks can run in this process (-transport=local, sim,
// or nats with -rank=-1), or each rank can run in its own
// process against a NATS server:
//
//	distsum -transport=nats -size=4 -rank=0 -run-id=job1 &
//	distsum -transport=nats -size=4 -rank=1 -run-id=job1 &
//	...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/distsum"
	"github.com/unixpickle/dist-sum/internal/config"
	"github.com/unixpickle/dist-sum/internal/logging"
	"github.com/unixpickle/dist-sum/internal/metrics"
)

// broadcastDemoRoot is the rank that broadcasts in
// -demo=broadcast.
const broadcastDemoRoot = 2

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type options struct {
	configPath string
	rank       int
	demo       string
	cfg        *config.Config
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("distsum", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: distsum [<options>]\n")
		fs.PrintDefaults()
	}

	defaults := config.Default()
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.IntVar(&opts.rank, "rank", -1, "rank of this process for -transport=nats (-1 runs every rank here)")
	fs.StringVar(&opts.demo, "demo", "", "run a demo instead of a job (broadcast)")

	total := fs.Int("total", defaults.Job.Total, "number of elements to sum")
	root := fs.Int("root", defaults.Job.Root, "rank that owns the data and receives the sum")
	strict := fs.Bool("strict", defaults.Job.StrictDivisible, "require total to be divisible by the group size")
	verify := fs.Bool("verify", defaults.Job.Verify, "check the result against a sequential sum")
	maxElements := fs.Int("max-elements", defaults.Job.MaxElements, "largest dataset root may allocate (0 = unlimited)")
	dataset := fs.String("dataset", defaults.Dataset.Kind, "dataset kind (random, range)")
	seed := fs.Int64("seed", defaults.Dataset.Seed, "random dataset seed")
	maxValue := fs.Int64("max-value", defaults.Dataset.MaxValue, "largest random value")
	transport := fs.String("transport", defaults.Transport.Kind, "transport (local, sim, nats)")
	size := fs.Int("size", defaults.Transport.Size, "number of ranks")
	natsURL := fs.String("nats-url", defaults.Transport.NATS.URL, "NATS server URL")
	runID := fs.String("run-id", "", "run id shared by every rank (generated when running every rank here)")
	simLatency := fs.Float64("sim-latency", defaults.Transport.Sim.Latency, "max random latency of the simulated network")
	simRate := fs.Float64("sim-rate", defaults.Transport.Sim.Rate, "byte rate of the simulated network")
	logLevel := fs.String("log-level", defaults.Logging.Level, "log level (debug, info, warn, error)")
	metricsAddr := fs.String("metrics-addr", defaults.Metrics.Addr, "address to serve Prometheus metrics on")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := defaults
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
	}

	// Flags set on the command line win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "total":
			cfg.Job.Total = *total
		case "root":
			cfg.Job.Root = *root
		case "strict":
			cfg.Job.StrictDivisible = *strict
		case "verify":
			cfg.Job.Verify = *verify
		case "max-elements":
			cfg.Job.MaxElements = *maxElements
		case "dataset":
			cfg.Dataset.Kind = *dataset
		case "seed":
			cfg.Dataset.Seed = *seed
		case "max-value":
			cfg.Dataset.MaxValue = *maxValue
		case "transport":
			cfg.Transport.Kind = *transport
		case "size":
			cfg.Transport.Size = *size
		case "nats-url":
			cfg.Transport.NATS.URL = *natsURL
		case "run-id":
			cfg.Transport.NATS.RunID = *runID
		case "sim-latency":
			cfg.Transport.Sim.Latency = *simLatency
		case "sim-rate":
			cfg.Transport.Sim.Rate = *simRate
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.demo != "" && opts.demo != "broadcast" {
		return nil, fmt.Errorf("unknown demo: %s", opts.demo)
	}
	if opts.rank >= cfg.Transport.Size || opts.rank < -1 {
		return nil, fmt.Errorf("rank %d is outside a group of %d", opts.rank, cfg.Transport.Size)
	}
	if opts.rank >= 0 && cfg.Transport.Kind != config.TransportNATS {
		return nil, errors.New("-rank requires -transport=nats")
	}
	opts.cfg = cfg
	return opts, nil
}

type jobMetrics interface {
	collcomm.Metrics
	distsum.Metrics
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg := opts.cfg
	logger := logging.NewText(stderr, cfg.Logging.Level)
	if opts.rank >= 0 {
		logger = logger.With("process", opts.rank)
	}

	var collector jobMetrics = metrics.NewNop()
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheus(reg, "")
		srv, err := metrics.Listen(cfg.Metrics.Addr, reg, logger)
		if err != nil {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := srv.Serve(srvCtx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	var work func(c collcomm.Channel) error
	if opts.demo == "broadcast" {
		work = func(c collcomm.Channel) error {
			return broadcastDemo(c, logger)
		}
	} else {
		work = func(c collcomm.Channel) error {
			_, err := distsum.Run(c, cfg.DistSum(), cfg.Source(),
				distsum.WithLogger(logger),
				distsum.WithMetrics(collector),
				distsum.WithReporter(distsum.WriterReporter{W: stdout}))
			return err
		}
	}

	errs, err := spawn(ctx, cfg, opts.rank, logger, work,
		collcomm.WithLogger(logger), collcomm.WithMetrics(collector))
	if err != nil {
		return err
	}
	return summarize(errs, logger)
}

// summarize logs every rank that failed and returns the
// error of the rank that aborted the group.
func summarize(errs map[int]error, logger logging.Logger) error {
	var first error
	for rank, err := range errs {
		if err == nil {
			continue
		}
		var abortErr *collcomm.AbortError
		if errors.As(err, &abortErr) {
			logger.Error("rank failed", "rank", rank, "origin", abortErr.Rank,
				"class", abortErr.Class, "reason", abortErr.Reason)
		} else {
			logger.Error("rank failed", "rank", rank, "error", err)
		}
		if first == nil || (abortErr != nil && abortErr.Rank == rank) {
			first = err
		}
	}
	return first
}

// broadcastDemo has rank 2 broadcast the value 22 to
// every rank, printing each rank's value before and after.
func broadcastDemo(c collcomm.Channel, logger logging.Logger) error {
	g := c.Group()
	if g.Size() <= broadcastDemoRoot {
		return c.Abort(fmt.Errorf("%w: the broadcast demo needs at least %d ranks",
			collcomm.ErrPrecondition, broadcastDemoRoot+1))
	}
	value := []int64{0}
	if g.Rank() == broadcastDemoRoot {
		value[0] = 22
	}
	logger.Info("before broadcast", "rank", g.Rank(), "value", value[0])
	res, err := c.Broadcast(broadcastDemoRoot, value)
	if err != nil {
		return err
	}
	logger.Info("after broadcast", "rank", g.Rank(), "value", res[0])
	return c.Barrier()
}
