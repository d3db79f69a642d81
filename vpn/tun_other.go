//go:build !linux

package vpn

import (
	"fmt"

	"github.com/yllada/vpn-orchestrator/common"
)

type unsupportedEstablisher struct{}

// NewEstablisher returns an establisher that always fails on this platform.
func NewEstablisher(string) Establisher {
	return unsupportedEstablisher{}
}

func (unsupportedEstablisher) Establish(TunnelInterfaceSpec) (TunnelHandle, error) {
	return nil, fmt.Errorf("tun device: %w", common.ErrUnsupportedPlatform)
}
