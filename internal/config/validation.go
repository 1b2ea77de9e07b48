package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for logical
// consistency.
func (c *Config) Validate() error {
	// Validate job
	if c.Job.Total < 0 {
		return errors.New("job total cannot be negative")
	}
	if c.Job.MaxElements < 0 {
		return errors.New("job maxElements cannot be negative")
	}

	// Validate dataset
	validDatasets := map[string]bool{
		DatasetRandom: true,
		DatasetRange:  true,
	}
	if !validDatasets[c.Dataset.Kind] {
		return fmt.Errorf("invalid dataset kind: %s (must be one of: random, range)", c.Dataset.Kind)
	}
	if c.Dataset.MaxValue < 0 {
		return errors.New("dataset maxValue cannot be negative")
	}

	// Validate transport
	validTransports := map[string]bool{
		TransportLocal: true,
		TransportSim:   true,
		TransportNATS:  true,
	}
	if !validTransports[c.Transport.Kind] {
		return fmt.Errorf("invalid transport kind: %s (must be one of: local, sim, nats)", c.Transport.Kind)
	}
	if c.Transport.Size < 1 {
		return errors.New("transport size must be positive")
	}
	if c.Job.Root < 0 || c.Job.Root >= c.Transport.Size {
		return fmt.Errorf("job root %d is outside a group of %d", c.Job.Root, c.Transport.Size)
	}
	if c.Transport.Sim.Rate <= 0 {
		return errors.New("sim rate must be positive")
	}
	if c.Transport.Sim.Latency < 0 {
		return errors.New("sim latency cannot be negative")
	}
	if c.Transport.Kind == TransportNATS {
		if c.Transport.NATS.URL == "" {
			return errors.New("nats url is required")
		}
		if c.Transport.NATS.MaxAge < 0 || c.Transport.NATS.PublishTimeout < 0 {
			return errors.New("nats durations cannot be negative")
		}
		if c.Transport.NATS.MaxFrameElements < 1 {
			return errors.New("nats maxFrameElements must be positive")
		}
	}

	// Validate logging
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (must be one of: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}
