// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"net/netip"
	"strings"
)

// IPKey identifies a caller for rate limiting. IPv4 callers are keyed by
// address, IPv6 callers by their /64 prefix so a single host cannot rotate
// through its interface identifiers.
type IPKey [16]byte

// NewIPKey makes the key for a remote address, with or without a port. An
// unparseable address yields the zero key.
func NewIPKey(addr string) IPKey {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return keyFor(ap.Addr())
	}
	ip, err := netip.ParseAddr(strings.Trim(addr, "[]"))
	if err != nil {
		return IPKey{}
	}
	return keyFor(ip)
}

func keyFor(ip netip.Addr) IPKey {
	ip = ip.WithZone("")
	if ip.Is6() && !ip.Is4In6() && !ip.IsLoopback() {
		if pfx, err := ip.Prefix(64); err == nil {
			ip = pfx.Addr()
		}
	}
	return ip.As16()
}

// String is the address form of the key, with IPv4 keys in dotted form.
func (k IPKey) String() string {
	return netip.AddrFrom16(k).Unmap().String()
}
