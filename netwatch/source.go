package netwatch

import (
	"fmt"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
)

// NewSource builds the source selected by cfg.Backend. It returns a nil
// Source for the "none" backend. Interfaces named in exclude are never
// counted as networks.
func NewSource(cfg config.ConnectivityConfig, exclude ...string) (Source, error) {
	probe := func() Source {
		return NewProbeSource(ProbeConfig{
			Hosts:            cfg.ProbeHosts,
			Interval:         cfg.ProbeInterval,
			Timeout:          cfg.ProbeTimeout,
			FailureThreshold: cfg.FailureThreshold,
		})
	}

	switch cfg.Backend {
	case common.BackendNone:
		return nil, nil
	case common.BackendProbe:
		return probe(), nil
	case common.BackendNetworkManager:
		return NewNMSource(), nil
	case common.BackendNetlink:
		return NewNetlinkSource(exclude...)
	case common.BackendAuto, "":
		src, err := NewNetlinkSource(exclude...)
		if err != nil {
			common.LogDebug("NetWatch: netlink unavailable (%v), falling back to probing", err)
			return probe(), nil
		}
		return src, nil
	default:
		return nil, fmt.Errorf("%w: unknown connectivity backend %q", common.ErrInvalidConfig, cfg.Backend)
	}
}
