//go:build linux

package vpn

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"syscall"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"go4.org/netipx"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/iprange"
)

// LinuxEstablisher creates a TUN device and configures it with netlink.
type LinuxEstablisher struct {
	name string
}

// NewEstablisher returns the platform establisher for interface name.
func NewEstablisher(name string) Establisher {
	if name == "" {
		name = common.DefaultInterfaceName
	}
	return &LinuxEstablisher{name: name}
}

type tunHandle struct {
	ifce *water.Interface
}

func (h *tunHandle) Name() string { return h.ifce.Name() }

// Close releases the device; the kernel removes a non-persistent TUN with
// its addresses and routes.
func (h *tunHandle) Close() error {
	return h.ifce.Close()
}

// Establish brings up a TUN device matching spec.
func (e *LinuxEstablisher) Establish(spec TunnelInterfaceSpec) (TunnelHandle, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: e.name,
		},
	})
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) {
			return nil, fmt.Errorf("%w: creating %s: %v", common.ErrMultiUserPermission, e.name, err)
		}
		return nil, fmt.Errorf("creating %s: %w", e.name, err)
	}
	h := &tunHandle{ifce: ifce}

	if err := configureLink(ifce.Name(), spec); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func configureLink(name string, spec TunnelInterfaceSpec) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", name, err)
	}
	if err := netlink.LinkSetMTU(link, spec.MTU); err != nil {
		return fmt.Errorf("setting mtu %d on %s: %w", spec.MTU, name, err)
	}
	for _, a := range spec.Addresses {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: netipx.PrefixIPNet(a)}); err != nil {
			return fmt.Errorf("adding address %s: %w", a, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing up %s: %w", name, err)
	}

	for _, r := range linkRoutes(spec.Routes) {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       netipx.PrefixIPNet(r),
			Scope:     netlink.SCOPE_LINK,
		}
		if err := netlink.RouteAdd(route); err != nil {
			switch {
			case errors.Is(err, syscall.EEXIST):
				// Routes of other links are never touched.
				common.LogWarn("Establisher: route %s already exists, keeping it", r)
				continue
			case r.Addr().IsMulticast():
				// Multicast ranges are not routable on every kernel.
				common.LogDebug("Establisher: skipping multicast route %s: %v", r, err)
				continue
			}
			return fmt.Errorf("adding route %s: %w", r, err)
		}
	}

	for _, f := range []iprange.Family{iprange.IPv4, iprange.IPv6} {
		if spec.Bypasses(f) {
			common.LogInfo("Establisher: IPv%d traffic bypasses %s", int(f), name)
		}
	}
	if len(spec.DNSServers) > 0 {
		if err := configureResolver(link.Attrs().Index, spec.DNSServers, spec.SearchDomains); err != nil {
			common.LogWarn("Establisher: DNS servers %v not applied: %v", spec.DNSServers, err)
		} else {
			common.LogInfo("Establisher: DNS servers %v, search domains %v on %s",
				spec.DNSServers, spec.SearchDomains, name)
		}
	}
	if len(spec.AllowedApps) > 0 || len(spec.DisallowedApps) > 0 {
		common.LogWarn("Establisher: per-application routing is not supported on Linux, ignoring %d apps",
			len(spec.AllowedApps)+len(spec.DisallowedApps))
	}
	common.LogInfo("Establisher: %s up with %d addresses and %d routes", name, len(spec.Addresses), len(spec.Routes))
	return nil
}

// linkRoutes masks routes and splits a default route into its two halves,
// which win over the host default route by prefix length and leave it in
// place.
func linkRoutes(routes []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(routes)+2)
	for _, r := range routes {
		r = r.Masked()
		if r.Bits() != 0 {
			out = append(out, r)
			continue
		}
		lo := netip.PrefixFrom(r.Addr(), 1)
		hiBytes := r.Addr().AsSlice()
		hiBytes[0] |= 0x80
		hi, _ := netip.AddrFromSlice(hiBytes)
		out = append(out, lo, netip.PrefixFrom(hi, 1))
	}
	return out
}
