package connectivity

import (
	"context"
	"log"
	"os"
	"time"
)

// Pinger checks reachability of the remote.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	// Interval is how often the remote is pinged (default: 15s)
	Interval time.Duration

	// Timeout bounds a single ping (default: 5s)
	Timeout time.Duration

	// Logger for transitions (default: stderr logger)
	Logger *log.Logger
}

// DefaultProbeConfig returns sensible defaults.
func DefaultProbeConfig() *ProbeConfig {
	return &ProbeConfig{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Probe is a Source that pings the remote on an interval. It reports
// offline until the first successful ping.
type Probe struct {
	broadcaster

	pinger Pinger
	config *ProbeConfig
}

// NewProbe creates a probe for pinger. Use Run to start polling.
func NewProbe(pinger Pinger, config *ProbeConfig) *Probe {
	defaults := DefaultProbeConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Probe{pinger: pinger, config: config}
}

// Check pings once and records the result.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	if p.set(online) {
		if online {
			p.config.Logger.Printf("Remote reachable")
		} else {
			p.config.Logger.Printf("Remote unreachable: %v", err)
		}
	}
	return online
}

// Run pings immediately and then at every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
