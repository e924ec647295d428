// Package privacy keeps client identifiers out of logs in recoverable form.
package privacy

import (
	"net/netip"
)

const (
	ipv4KeepBits = 24
	ipv6KeepBits = 48
)

// AnonymizeIP masks a client address to its network prefix before it is
// logged: /24 for IPv4 ("192.168.1.47" -> "192.168.1.0") and /48 for IPv6
// ("2001:db8:85a3::8a2e:370:7334" -> "2001:db8:85a3::"). IPv4-mapped IPv6
// is treated as IPv4, zones are dropped and a trailing port is accepted.
//
// Returns "unknown" for empty input and "invalid" for anything unparseable.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		ap, perr := netip.ParseAddrPort(ip)
		if perr != nil {
			return "invalid"
		}
		addr = ap.Addr()
	}
	addr = addr.Unmap().WithZone("")

	bits := ipv6KeepBits
	if addr.Is4() {
		bits = ipv4KeepBits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}
