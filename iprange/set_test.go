package iprange

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
)

func prefixes(t *testing.T, ss ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParsePrefix(s))
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single prefix", "10.0.0.0/8", []string{"10.0.0.0/8"}},
		{"unmasked prefix", "10.1.2.3/16", []string{"10.1.0.0/16"}},
		{"comma separated", "10.0.0.0/8,192.168.0.0/16", []string{"10.0.0.0/8", "192.168.0.0/16"}},
		{"single address", "192.168.1.1", []string{"192.168.1.1/32"}},
		{"range", "192.168.1.0-192.168.1.255", []string{"192.168.1.0/24"}},
		{"adjacent merge", "10.0.0.0/9 10.128.0.0/9", []string{"10.0.0.0/8"}},
		{"mixed families", "fd00::/8 10.0.0.0/8", []string{"10.0.0.0/8", "fd00::/8"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.in)
			require.NoError(t, err)
			if tt.want == nil {
				assert.True(t, s.IsEmpty())
				return
			}
			assert.Equal(t, prefixes(t, tt.want...), s.Subnets())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"10.0.0.0/33", "not-an-ip", "10.0.0.9-10.0.0.1", "300.1.1.1"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrInvalidRange))
		})
	}
}

func TestRemove_SplitsPrefix(t *testing.T) {
	included := MustParse("10.0.0.0/8")
	excluded := MustParse("10.1.0.0/16")

	got := included.Remove(excluded)

	assert.False(t, got.Overlaps(netip.MustParsePrefix("10.1.0.0/16")))
	assert.True(t, got.ContainsPrefix(netip.MustParsePrefix("10.0.0.0/16")))
	assert.True(t, got.ContainsPrefix(netip.MustParsePrefix("10.2.0.0/15")))
	assert.True(t, got.ContainsPrefix(netip.MustParsePrefix("10.128.0.0/9")))
	assert.True(t, got.Add(excluded).Equal(included))

	// Receiver is untouched.
	assert.Equal(t, prefixes(t, "10.0.0.0/8"), included.Subnets())
}

func TestAdd(t *testing.T) {
	a := MustParse("10.0.0.0/24")
	b := MustParse("10.0.1.0/24 fd00::/64")

	u := a.Add(b)

	assert.Equal(t, prefixes(t, "10.0.0.0/23", "fd00::/64"), u.Subnets())
	assert.True(t, Empty().Add(a).Equal(a))
	assert.True(t, a.Add(Empty()).Equal(a))
}

func TestFamily(t *testing.T) {
	s := MustParse("10.0.0.0/8 fd00::/8 192.168.0.1")

	assert.Equal(t, prefixes(t, "10.0.0.0/8", "192.168.0.1/32"), s.Family(IPv4).Subnets())
	assert.Equal(t, prefixes(t, "fd00::/8"), s.Family(IPv6).Subnets())
}

func TestDefaultRoute(t *testing.T) {
	assert.Equal(t, "0.0.0.0/0", DefaultRoute(IPv4).String())
	assert.Equal(t, "::/0", DefaultRoute(IPv6).String())
	assert.Equal(t, IPv4, FamilyOf(netip.MustParseAddr("1.2.3.4")))
	assert.Equal(t, IPv6, FamilyOf(netip.MustParseAddr("2001:db8::1")))
}

func TestEmptySetZeroValue(t *testing.T) {
	var s Set
	assert.True(t, s.IsEmpty())
	assert.Empty(t, s.Subnets())
	assert.Equal(t, "", s.String())
	assert.False(t, s.Contains(netip.MustParseAddr("10.0.0.1")))
}
