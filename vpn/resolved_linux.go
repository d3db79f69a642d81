//go:build linux

package vpn

import (
	"fmt"
	"net/netip"
	"syscall"

	"github.com/godbus/dbus/v5"
)

const (
	resolvedDest    = "org.freedesktop.resolve1"
	resolvedPath    = "/org/freedesktop/resolve1"
	resolvedManager = "org.freedesktop.resolve1.Manager"
)

// resolvedAddress is the (iay) pair SetLinkDNS takes.
type resolvedAddress struct {
	Family  int32
	Address []byte
}

// resolvedDomain is the (sb) pair SetLinkDomains takes.
type resolvedDomain struct {
	Domain      string
	RoutingOnly bool
}

func resolvedAddresses(servers []netip.Addr) []resolvedAddress {
	out := make([]resolvedAddress, 0, len(servers))
	for _, a := range servers {
		a = a.Unmap()
		family := int32(syscall.AF_INET6)
		if a.Is4() {
			family = syscall.AF_INET
		}
		out = append(out, resolvedAddress{Family: family, Address: a.AsSlice()})
	}
	return out
}

func resolvedDomains(domains []string) []resolvedDomain {
	out := make([]resolvedDomain, 0, len(domains))
	for _, d := range domains {
		out = append(out, resolvedDomain{Domain: d})
	}
	return out
}

// configureResolver hands the tunnel DNS servers and search domains of link
// ifindex to systemd-resolved. The settings go away with the link.
func configureResolver(ifindex int, servers []netip.Addr, domains []string) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(resolvedDest, dbus.ObjectPath(resolvedPath))
	if err := obj.Call(resolvedManager+".SetLinkDNS", 0, int32(ifindex), resolvedAddresses(servers)).Err; err != nil {
		return fmt.Errorf("SetLinkDNS: %w", err)
	}
	if len(domains) == 0 {
		return nil
	}
	if err := obj.Call(resolvedManager+".SetLinkDomains", 0, int32(ifindex), resolvedDomains(domains)).Err; err != nil {
		return fmt.Errorf("SetLinkDomains: %w", err)
	}
	return nil
}
