package netwatch

import (
	"context"
	"net"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// ProbeConfig configures the TCP probe source.
type ProbeConfig struct {
	// Hosts are host:port pairs tried in order until one accepts.
	Hosts    []string
	Interval time.Duration
	Timeout  time.Duration
	// FailureThreshold is how many consecutive failed rounds mark the host offline.
	FailureThreshold int
}

// ProbeSource infers connectivity by dialing well-known hosts. It is the
// fallback where no platform notification is available.
type ProbeSource struct {
	config ProbeConfig
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProbeSource returns a probe source, filling unset fields with defaults.
func NewProbeSource(config ProbeConfig) *ProbeSource {
	if config.Interval <= 0 {
		config.Interval = common.ProbeInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = common.ProbeTimeout
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	d := &net.Dialer{}
	return &ProbeSource{config: config, dialer: d.DialContext}
}

// Name implements Source.
func (s *ProbeSource) Name() string { return common.BackendProbe }

// Run implements Source. The first round is reported immediately.
func (s *ProbeSource) Run(ctx context.Context, emit func(Event)) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	fails := 0
	known, online := false, false
	for {
		latency, err := s.probe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			fails++
			common.LogDebug("NetWatch: probe failed (%d/%d): %v", fails, s.config.FailureThreshold, err)
		} else {
			fails = 0
			common.LogDebug("NetWatch: probe ok in %s", latency)
		}

		switch {
		case err == nil && (!known || !online):
			known, online = true, true
			emit(Event{Kind: DefaultNetworkChanged, Network: common.BackendProbe})
		case err != nil && fails >= s.config.FailureThreshold && (!known || online):
			known, online = true, false
			emit(Event{Kind: DefaultNetworkChanged})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// probe tries each host until one succeeds and returns its dial latency.
func (s *ProbeSource) probe(ctx context.Context) (time.Duration, error) {
	err := common.ErrNoProbeHost
	for _, host := range s.config.Hosts {
		dctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		start := time.Now()
		conn, derr := s.dialer(dctx, "tcp", host)
		cancel()
		if derr == nil {
			conn.Close()
			return time.Since(start), nil
		}
		err = derr
	}
	return 0, err
}
