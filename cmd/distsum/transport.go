package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/collcomm/memcomm"
	"github.com/unixpickle/dist-sum/collcomm/natscomm"
	"github.com/unixpickle/dist-sum/collcomm/simcomm"
	"github.com/unixpickle/dist-sum/internal/config"
	"github.com/unixpickle/dist-sum/internal/logging"
	"github.com/unixpickle/dist-sum/simulator"
)

// spawn runs work on the ranks this process is responsible
// for and returns each rank's error.
func spawn(ctx context.Context, cfg *config.Config, rank int, logger logging.Logger,
	work func(c collcomm.Channel) error, opts ...collcomm.Option) (map[int]error, error) {
	var lock sync.Mutex
	errs := map[int]error{}
	record := func(c *collcomm.Comms) {
		err := work(c)
		lock.Lock()
		errs[c.Group().Rank()] = err
		lock.Unlock()
	}

	size := cfg.Transport.Size
	switch cfg.Transport.Kind {
	case config.TransportLocal:
		memcomm.Spawn(size, record, opts...)
	case config.TransportSim:
		loop := simulator.NewEventLoop()
		network := simulator.NewOrderedNetwork(cfg.Transport.Sim.Rate, cfg.Transport.Sim.Latency)
		err := simcomm.Spawn(loop, network, size, record, opts...)
		if err != nil && !errors.Is(err, simulator.ErrDeadlock) {
			return nil, err
		}
		logger.Info("simulation finished", "virtualTime", loop.Time())
	case config.TransportNATS:
		if err := spawnNATS(ctx, cfg, rank, logger, record, opts...); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport.Kind)
	}
	return errs, nil
}

func spawnNATS(ctx context.Context, cfg *config.Config, rank int, logger logging.Logger,
	f func(c *collcomm.Comms), opts ...collcomm.Option) error {
	nc, err := nats.Connect(cfg.Transport.NATS.URL,
		nats.Name("distsum"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	commCfg := cfg.NATSComm()
	if rank < 0 {
		if commCfg.RunID == "" {
			commCfg.RunID = natscomm.NewRunID()
		}
		logger.Info("starting run", "runId", commCfg.RunID, "size", cfg.Transport.Size)
		if err := natscomm.Spawn(ctx, nc, commCfg, cfg.Transport.Size, f, opts...); err != nil {
			return err
		}
		if err := natscomm.DeleteRun(ctx, nc, commCfg.SubjectPrefix, commCfg.RunID); err != nil {
			logger.Warn("failed to delete run", "runId", commCfg.RunID, "error", err)
		}
		return nil
	}

	// Peers may still be reading this run's stream when this
	// rank returns, so it is left to expire after MaxAge.
	if commCfg.RunID == "" {
		return errors.New("-run-id is required when running a single rank")
	}
	group, err := collcomm.NewGroup(rank, cfg.Transport.Size)
	if err != nil {
		return err
	}
	t, err := natscomm.Dial(ctx, nc, commCfg, group)
	if err != nil {
		return err
	}
	c := collcomm.NewComms(group, t, opts...)
	defer c.Close()
	logger.Info("joined run", "runId", commCfg.RunID, "rank", rank, "size", cfg.Transport.Size)
	f(c)
	return nil
}
