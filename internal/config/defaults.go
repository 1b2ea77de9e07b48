package config

import (
	"github.com/nats-io/nats.go"

	"github.com/unixpickle/dist-sum/collcomm/natscomm"
	"github.com/unixpickle/dist-sum/distsum"
)

// DefaultTotal is the dataset size used when no config
// file sets one.
const DefaultTotal = 1000000

const (
	DatasetRandom = "random"
	DatasetRange  = "range"

	TransportLocal = "local"
	TransportSim   = "sim"
	TransportNATS  = "nats"
)

// ApplyDefaults fills in every field that is not set.
func ApplyDefaults(cfg *Config) {
	// Dataset defaults
	if cfg.Dataset.Kind == "" {
		cfg.Dataset.Kind = DatasetRandom
	}
	if cfg.Dataset.MaxValue == 0 {
		cfg.Dataset.MaxValue = distsum.DefaultMaxValue
	}

	// Transport defaults
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportLocal
	}
	if cfg.Transport.Size == 0 {
		cfg.Transport.Size = 4
	}
	if cfg.Transport.NATS.URL == "" {
		cfg.Transport.NATS.URL = nats.DefaultURL
	}
	if cfg.Transport.NATS.SubjectPrefix == "" {
		cfg.Transport.NATS.SubjectPrefix = natscomm.DefaultSubjectPrefix
	}
	if cfg.Transport.NATS.MaxAge == 0 {
		cfg.Transport.NATS.MaxAge = natscomm.DefaultMaxAge
	}
	if cfg.Transport.NATS.PublishTimeout == 0 {
		cfg.Transport.NATS.PublishTimeout = natscomm.DefaultPublishTimeout
	}
	if cfg.Transport.NATS.MaxFrameElements == 0 {
		cfg.Transport.NATS.MaxFrameElements = natscomm.DefaultMaxFrameElements
	}
	if cfg.Transport.Sim.Latency == 0 {
		cfg.Transport.Sim.Latency = 0.001
	}
	if cfg.Transport.Sim.Rate == 0 {
		cfg.Transport.Sim.Rate = 1e9
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
