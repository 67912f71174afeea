package matcher

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParsedEntry is one accepted line of a list. The set of variants is closed.
type ParsedEntry interface {
	parsedEntry()
}

type ExactValue string

type IPv4Exact struct {
	Addr uint32
}

type IPv4Range struct {
	Base uint32
	Bits uint8
}

type IPv6Exact struct {
	Addr IPv6
}

type IPv6Range struct {
	Base IPv6
	Bits uint8
}

func (ExactValue) parsedEntry() {}
func (IPv4Exact) parsedEntry()  {}
func (IPv4Range) parsedEntry()  {}
func (IPv6Exact) parsedEntry()  {}
func (IPv6Range) parsedEntry()  {}

// IPv6 is a 128-bit address split into two big-endian halves.
type IPv6 struct {
	Hi uint64
	Lo uint64
}

type ipv4 uint32

const (
	ipv4Width = 32
	ipv6Width = 128
)

func mask4(bits uint8) uint32 {
	// a shift of 32 yields zero, so /0 masks everything away
	return ^uint32(0) << (ipv4Width - uint32(bits))
}

func (a ipv4) less(b ipv4) bool { return a < b }

func (a ipv4) masked(bits uint8) ipv4 { return ipv4(uint32(a) & mask4(bits)) }

func (a IPv6) less(b IPv6) bool {
	if a.Hi != b.Hi {
		return a.Hi < b.Hi
	}
	return a.Lo < b.Lo
}

func (a IPv6) masked(bits uint8) IPv6 {
	switch {
	case bits == 0:
		return IPv6{}
	case bits <= 64:
		return IPv6{Hi: a.Hi & (^uint64(0) << (64 - uint32(bits)))}
	default:
		return IPv6{Hi: a.Hi, Lo: a.Lo & (^uint64(0) << (ipv6Width - uint32(bits)))}
	}
}

func (a IPv6) String() string {
	return ipv6ToAddr(a).String()
}

func ipv4FromAddr(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func ipv6FromAddr(addr netip.Addr) IPv6 {
	b := addr.As16()
	var out IPv6
	for i := 0; i < 8; i++ {
		out.Hi = out.Hi<<8 | uint64(b[i])
		out.Lo = out.Lo<<8 | uint64(b[i+8])
	}
	return out
}

func ipv6ToAddr(a IPv6) netip.Addr {
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[7-i] = byte(a.Hi >> (8 * i))
		b[15-i] = byte(a.Lo >> (8 * i))
	}
	return netip.AddrFrom16(b)
}

func ipv4ToAddr(a uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)})
}

// ParseAddr parses a query candidate. IPv4-mapped IPv6 addresses are unmapped
// and zoned addresses are refused.
func ParseAddr(value string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// EntryString renders an entry back into list syntax.
func EntryString(entry ParsedEntry) string {
	switch e := entry.(type) {
	case ExactValue:
		return string(e)
	case IPv4Exact:
		return ipv4ToAddr(e.Addr).String()
	case IPv4Range:
		return fmt.Sprintf("%s/%d", ipv4ToAddr(e.Base), e.Bits)
	case IPv6Exact:
		return e.Addr.String()
	case IPv6Range:
		return fmt.Sprintf("%s/%d", e.Base, e.Bits)
	default:
		return ""
	}
}
