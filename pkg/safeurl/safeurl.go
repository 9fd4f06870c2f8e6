// Package safeurl rejects URLs that point at internal network targets.
// Every candidate download URL, and every redirect hop it produces, goes
// through Check before a request is issued, which is the guard against
// server-side request forgery.
package safeurl

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Resolver looks up the address set of a hostname. *net.Resolver satisfies
// it; tests inject their own.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator classifies URLs as safe or unsafe for outbound fetching.
type Validator struct {
	resolver Resolver
	logger   zerolog.Logger
}

// New creates a Validator backed by the default system resolver.
func New(logger zerolog.Logger) *Validator {
	return NewWithResolver(logger, net.DefaultResolver)
}

// NewWithResolver creates a Validator with a custom resolver.
func NewWithResolver(logger zerolog.Logger, r Resolver) *Validator {
	return &Validator{resolver: r, logger: logger.With().Str("component", "safeurl").Logger()}
}

// Check reports whether rawURL is safe to fetch. A nil return means safe;
// otherwise the error carries the rejection reason.
//
// With strictDNS set, a hostname that resolves to no addresses is rejected.
// Without it the URL is accepted with a logged warning: a transient DNS
// failure should not block fetching a URL that was already vetted once,
// while the metadata API configured by the operator must resolve up front.
func (v *Validator) Check(ctx context.Context, rawURL string, strictDNS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("unparseable url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("forbidden scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("forbidden hostname %q", host)
	}

	if addr, ok := parseHostIP(lower); ok {
		if reason := forbiddenAddr(addr); reason != "" {
			return fmt.Errorf("ip %s is %s", addr, reason)
		}
		return nil
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		if strictDNS {
			return fmt.Errorf("hostname %q did not resolve", host)
		}
		v.logger.Warn().Str("host", host).Err(err).Msg("hostname did not resolve, accepting without address check")
		return nil
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return fmt.Errorf("hostname %q resolved to invalid address", host)
		}
		if reason := forbiddenAddr(addr); reason != "" {
			return fmt.Errorf("hostname %q resolves to %s address %s", host, reason, addr)
		}
	}
	return nil
}

// parseHostIP parses a host as a literal IP address. Beyond the standard
// textual forms it accepts the alternative IPv4 encodings attackers use to
// smuggle loopback addresses past naive checks: octal or hex components
// ("0177.0.0.1", "0x7f.0.0.1"), short dotted forms, and the single 32-bit
// integer form ("2130706433").
func parseHostIP(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), true
	}

	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return netip.Addr{}, false
		}
		n, err := strconv.ParseUint(p, 0, 64)
		if err != nil {
			return netip.Addr{}, false
		}
		nums[i] = n
	}

	var v uint32
	switch len(nums) {
	case 1:
		if nums[0] > math.MaxUint32 {
			return netip.Addr{}, false
		}
		v = uint32(nums[0])
	case 2:
		// a.b where b spans the lower 24 bits
		if nums[0] > 0xFF || nums[1] > 0xFFFFFF {
			return netip.Addr{}, false
		}
		v = uint32(nums[0])<<24 | uint32(nums[1])
	case 3:
		// a.b.c where c spans the lower 16 bits
		if nums[0] > 0xFF || nums[1] > 0xFF || nums[2] > 0xFFFF {
			return netip.Addr{}, false
		}
		v = uint32(nums[0])<<24 | uint32(nums[1])<<16 | uint32(nums[2])
	case 4:
		for _, n := range nums {
			if n > 0xFF {
				return netip.Addr{}, false
			}
		}
		v = uint32(nums[0])<<24 | uint32(nums[1])<<16 | uint32(nums[2])<<8 | uint32(nums[3])
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true
}

var reservedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

var reservedV6 = []netip.Prefix{
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("::/128"),
}

// forbiddenAddr returns a non-empty reason when addr must never be fetched
// from: loopback, private (RFC1918/RFC4193), link-local (RFC3927), and the
// reserved/special-purpose ranges.
func forbiddenAddr(addr netip.Addr) string {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsPrivate():
		return "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsMulticast():
		return "multicast"
	}
	if addr.Is4() {
		for _, p := range reservedV4 {
			if p.Contains(addr) {
				return "reserved"
			}
		}
	} else {
		for _, p := range reservedV6 {
			if p.Contains(addr) {
				return "reserved"
			}
		}
	}
	return ""
}
