//go:build linux

package netwatch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/yllada/vpn-orchestrator/common"
)

// NetlinkSource follows default routes in the main routing table through an
// rtnetlink subscription.
type NetlinkSource struct {
	exclude []string
	names   map[int]string
}

// NewNetlinkSource returns a route-based source. Links named in exclude, such
// as the tunnel interface, are ignored.
func NewNetlinkSource(exclude ...string) (*NetlinkSource, error) {
	return &NetlinkSource{exclude: exclude, names: make(map[int]string)}, nil
}

// Name implements Source.
func (s *NetlinkSource) Name() string { return common.BackendNetlink }

// Run implements Source.
func (s *NetlinkSource) Run(ctx context.Context, emit func(Event)) error {
	updates := make(chan netlink.RouteUpdate, 64)
	done := make(chan struct{})
	defer close(done)

	subErr := make(chan error, 1)
	err := netlink.RouteSubscribeWithOptions(updates, done, netlink.RouteSubscribeOptions{
		ErrorCallback: func(err error) {
			select {
			case subErr <- err:
			default:
			}
		},
	})
	if err != nil {
		return fmt.Errorf("subscribing to route updates: %w", err)
	}

	// Subscribed first so nothing between the listing and the stream is lost;
	// duplicates are absorbed by the table.
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("listing routes: %w", err)
	}
	table := newDefaultRoutes(s.exclude)
	for _, r := range routes {
		if isDefaultRoute(r) {
			emitAll(emit, table.add(s.linkName(r.LinkIndex), r.Family, r.Priority))
		}
	}
	emitAll(emit, table.sync())

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subErr:
			return fmt.Errorf("route subscription: %w", err)
		case u, ok := <-updates:
			if !ok {
				return errors.New("route subscription closed")
			}
			if !isDefaultRoute(u.Route) {
				continue
			}
			link := s.linkName(u.LinkIndex)
			switch u.Type {
			case unix.RTM_NEWROUTE:
				emitAll(emit, table.add(link, u.Family, u.Priority))
			case unix.RTM_DELROUTE:
				emitAll(emit, table.remove(link, u.Family, u.Priority))
			}
		}
	}
}

// linkName resolves and caches the interface name so a route removed
// together with its link still maps to the name it was added under.
func (s *NetlinkSource) linkName(index int) string {
	if name, ok := s.names[index]; ok {
		return name
	}
	name := fmt.Sprintf("if%d", index)
	if link, err := netlink.LinkByIndex(index); err == nil {
		name = link.Attrs().Name
	}
	s.names[index] = name
	return name
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Table != 0 && r.Table != unix.RT_TABLE_MAIN {
		return false
	}
	if r.LinkIndex == 0 {
		return false
	}
	return isDefaultDst(r.Dst)
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0
}
