//go:build !linux

package netwatch

import (
	"context"
	"fmt"

	"github.com/yllada/vpn-orchestrator/common"
)

// NetlinkSource is only available on Linux.
type NetlinkSource struct{}

// NewNetlinkSource fails on this platform.
func NewNetlinkSource(...string) (*NetlinkSource, error) {
	return nil, fmt.Errorf("netlink: %w", common.ErrUnsupportedPlatform)
}

// Name implements Source.
func (s *NetlinkSource) Name() string { return common.BackendNetlink }

// Run implements Source.
func (s *NetlinkSource) Run(context.Context, func(Event)) error {
	return common.ErrUnsupportedPlatform
}
