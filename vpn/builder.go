package vpn

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/yllada/vpn-orchestrator/iprange"
)

// TunnelInterfaceSpec is the computed interface configuration for one
// connection attempt. It is consumed by a single Establish call.
type TunnelInterfaceSpec struct {
	Addresses     []netip.Prefix
	Routes        []netip.Prefix
	DNSServers    []netip.Addr
	SearchDomains []string
	MTU           int
	// AllowedApps is set for the "only" policy, DisallowedApps for "exclude".
	AllowedApps    []string
	DisallowedApps []string
	// BypassFamilies lists families with no tunnel address; their traffic
	// is allowed around the tunnel.
	BypassFamilies []iprange.Family
}

// RoutesFor returns the routes of one family.
func (s TunnelInterfaceSpec) RoutesFor(f iprange.Family) []netip.Prefix {
	var out []netip.Prefix
	for _, r := range s.Routes {
		if iprange.FamilyOf(r.Addr()) == f {
			out = append(out, r)
		}
	}
	return out
}

// Bypasses reports whether f may bypass the tunnel.
func (s TunnelInterfaceSpec) Bypasses(f iprange.Family) bool {
	return slices.Contains(s.BypassFamilies, f)
}

// BuilderCache accumulates what the engine requests for the interface while
// the handshake runs. Build turns it into a TunnelInterfaceSpec without side
// effects. It is not safe for concurrent use.
type BuilderCache struct {
	addresses []netip.Prefix
	routes    iprange.Set
	included  iprange.Set
	excluded  iprange.Set
	split     SplitTunnelFlags
	handling  AppsHandling
	apps      []string
	mtu       int
	seen4     bool
	seen6     bool
	dns       []netip.Addr
	domains   []string
}

// NewBuilderCache seeds a cache from the profile's split tunneling settings.
func NewBuilderCache(p *Profile) (*BuilderCache, error) {
	included, err := iprange.Parse(p.IncludedSubnets)
	if err != nil {
		return nil, fmt.Errorf("included subnets: %w", err)
	}
	excluded, err := iprange.Parse(p.ExcludedSubnets)
	if err != nil {
		return nil, fmt.Errorf("excluded subnets: %w", err)
	}

	handling := p.AppsHandling
	apps := slices.Clone(p.SelectedApps)
	if handling == "" || handling == AppsDisabled {
		handling = AppsExclude
		apps = nil
	}

	return &BuilderCache{
		included: included,
		excluded: excluded,
		split:    p.SplitTunneling,
		handling: handling,
		apps:     apps,
		mtu:      p.MTU,
	}, nil
}

// AddAddress assigns a tunnel address and marks its family as seen.
func (c *BuilderCache) AddAddress(p netip.Prefix) {
	p = netip.PrefixFrom(p.Addr(), p.Bits())
	if !slices.Contains(c.addresses, p) {
		c.addresses = append(c.addresses, p)
	}
	c.RecordAddressFamily(iprange.FamilyOf(p.Addr()))
}

// AddRoute records a route requested by the engine.
func (c *BuilderCache) AddRoute(p netip.Prefix) {
	c.routes = c.routes.Add(iprange.FromPrefixes(p))
}

// AddDNSServer records a resolver and marks its family as seen.
func (c *BuilderCache) AddDNSServer(a netip.Addr) {
	if !slices.Contains(c.dns, a) {
		c.dns = append(c.dns, a)
	}
	c.RecordAddressFamily(iprange.FamilyOf(a))
}

// AddSearchDomain records a DNS search domain.
func (c *BuilderCache) AddSearchDomain(d string) {
	if d != "" && !slices.Contains(c.domains, d) {
		c.domains = append(c.domains, d)
	}
}

// SetMTU overrides the profile MTU. Zero keeps the profile value.
func (c *BuilderCache) SetMTU(mtu int) {
	if mtu > 0 {
		c.mtu = mtu
	}
}

// RecordAddressFamily marks f as carried by the tunnel.
func (c *BuilderCache) RecordAddressFamily(f iprange.Family) {
	if f == iprange.IPv4 {
		c.seen4 = true
	} else {
		c.seen6 = true
	}
}

func (c *BuilderCache) seen(f iprange.Family) bool {
	if f == iprange.IPv4 {
		return c.seen4
	}
	return c.seen6
}

// Build computes the interface spec. defaultMTU applies when neither the
// profile nor the engine set one.
func (c *BuilderCache) Build(defaultMTU int) TunnelInterfaceSpec {
	spec := TunnelInterfaceSpec{
		Addresses:     slices.Clone(c.addresses),
		DNSServers:    slices.Clone(c.dns),
		SearchDomains: slices.Clone(c.domains),
		MTU:           c.mtu,
	}
	if spec.MTU == 0 {
		spec.MTU = defaultMTU
	}

	for _, f := range []iprange.Family{iprange.IPv4, iprange.IPv6} {
		switch {
		case !c.split.Blocks(f) && c.seen(f):
			ranges := c.included.Family(f)
			if ranges.IsEmpty() {
				ranges = c.routes.Family(f)
			}
			spec.Routes = append(spec.Routes, ranges.Remove(c.excluded).Subnets()...)
		case !c.split.Blocks(f):
			spec.BypassFamilies = append(spec.BypassFamilies, f)
		case c.seen(f):
			spec.Routes = append(spec.Routes, iprange.DefaultRoute(f))
		}
	}

	if len(c.apps) > 0 {
		switch c.handling {
		case AppsOnly:
			spec.AllowedApps = slices.Clone(c.apps)
		case AppsExclude:
			spec.DisallowedApps = slices.Clone(c.apps)
		}
	}
	return spec
}

// BuildNoDNS is Build without resolvers and search domains.
func (c *BuilderCache) BuildNoDNS(defaultMTU int) TunnelInterfaceSpec {
	spec := c.Build(defaultMTU)
	spec.DNSServers = nil
	spec.SearchDomains = nil
	return spec
}
