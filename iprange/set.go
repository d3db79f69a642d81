// Package iprange implements set algebra over IPv4 and IPv6 ranges.
//
// A Set is a value: Add and Remove return new sets and never modify the
// receiver, so a Set can be shared between goroutines without locking.
package iprange

import (
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/yllada/vpn-orchestrator/common"
)

// Family selects an address family.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// String implements fmt.Stringer.
func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses count as IPv6.
func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() {
		return IPv4
	}
	return IPv6
}

// DefaultRoute returns the catch-all prefix of the family.
func DefaultRoute(f Family) netip.Prefix {
	if f == IPv4 {
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	}
	return netip.PrefixFrom(netip.IPv6Unspecified(), 0)
}

// Set is an immutable set of IP addresses.
type Set struct {
	s *netipx.IPSet
}

// Empty returns the empty set.
func Empty() Set {
	return Set{}
}

func (s Set) ipset() *netipx.IPSet {
	if s.s == nil {
		var b netipx.IPSetBuilder
		empty, _ := b.IPSet()
		return empty
	}
	return s.s
}

// Parse parses whitespace or comma separated CIDR prefixes, single
// addresses and "from-to" ranges, e.g. "10.0.0.0/8 192.168.1.1-192.168.1.9".
func Parse(text string) (Set, error) {
	var b netipx.IPSetBuilder
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		if err := addToken(&b, tok); err != nil {
			return Set{}, err
		}
	}
	return build(&b)
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(text string) Set {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

func addToken(b *netipx.IPSetBuilder, tok string) error {
	switch {
	case strings.Contains(tok, "/"):
		p, err := netip.ParsePrefix(tok)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", common.ErrInvalidRange, tok, err)
		}
		b.AddPrefix(p.Masked())
	case strings.Contains(tok, "-"):
		r, err := netipx.ParseIPRange(tok)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", common.ErrInvalidRange, tok, err)
		}
		b.AddRange(r)
	default:
		a, err := netip.ParseAddr(tok)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", common.ErrInvalidRange, tok, err)
		}
		b.Add(a)
	}
	return nil
}

func build(b *netipx.IPSetBuilder) (Set, error) {
	s, err := b.IPSet()
	if err != nil {
		return Set{}, fmt.Errorf("%w: %v", common.ErrInvalidRange, err)
	}
	return Set{s: s}, nil
}

// FromPrefixes returns the set covering all given prefixes.
func FromPrefixes(prefixes ...netip.Prefix) Set {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		if p.IsValid() {
			b.AddPrefix(p.Masked())
		}
	}
	s, _ := build(&b)
	return s
}

// Add returns the union of s and o.
func (s Set) Add(o Set) Set {
	var b netipx.IPSetBuilder
	b.AddSet(s.ipset())
	b.AddSet(o.ipset())
	r, _ := build(&b)
	return r
}

// Remove returns s minus o.
func (s Set) Remove(o Set) Set {
	var b netipx.IPSetBuilder
	b.AddSet(s.ipset())
	b.RemoveSet(o.ipset())
	r, _ := build(&b)
	return r
}

// Family returns the subset of s belonging to f.
func (s Set) Family(f Family) Set {
	return s.Remove(FromPrefixes(DefaultRoute(other(f))))
}

func other(f Family) Family {
	if f == IPv4 {
		return IPv6
	}
	return IPv4
}

// IsEmpty reports whether s contains no addresses.
func (s Set) IsEmpty() bool {
	return len(s.ipset().Ranges()) == 0
}

// Contains reports whether addr is in s.
func (s Set) Contains(addr netip.Addr) bool {
	return s.ipset().Contains(addr)
}

// ContainsPrefix reports whether every address of p is in s.
func (s Set) ContainsPrefix(p netip.Prefix) bool {
	return s.ipset().ContainsPrefix(p)
}

// Overlaps reports whether any address of p is in s.
func (s Set) Overlaps(p netip.Prefix) bool {
	return s.ipset().OverlapsPrefix(p)
}

// Subnets returns the minimal list of CIDR prefixes covering s, sorted with
// IPv4 before IPv6 and by address within a family.
func (s Set) Subnets() []netip.Prefix {
	return s.ipset().Prefixes()
}

// String renders the subnets separated by spaces.
func (s Set) String() string {
	parts := make([]string, 0, 4)
	for _, p := range s.Subnets() {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " ")
}

// Equal reports whether s and o contain the same addresses.
func (s Set) Equal(o Set) bool {
	return s.ipset().Equal(o.ipset())
}
