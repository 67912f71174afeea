package matcher

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

const (
	CommentPrefix = "#"

	maxLineBytes = 1 << 20
)

// Warning describes a line that was dropped while parsing a list.
type Warning struct {
	ListID string
	Line   int
	Text   string
	Reason string
}

func (w Warning) String() string {
	if w.ListID == "" {
		return fmt.Sprintf("line %d %q: %s", w.Line, w.Text, w.Reason)
	}
	return fmt.Sprintf("list %s line %d %q: %s", w.ListID, w.Line, w.Text, w.Reason)
}

type declared struct {
	v4, v6     bool
	exact      bool
	domainOnly bool
}

func classify(types []EntityType) declared {
	var d declared
	sawOther := false
	sawDomain := false
	for _, t := range types {
		switch {
		case t == TypeIPv4:
			d.v4 = true
		case t == TypeIPv6:
			d.v6 = true
		case t.isDomain():
			d.exact = true
			sawDomain = true
		default:
			d.exact = true
			sawOther = true
		}
	}
	d.domainOnly = sawDomain && !sawOther
	return d
}

func (d declared) ip() bool { return d.v4 || d.v6 }

// Parse reads newline-delimited list content and keeps the lines that fit one of
// the declared types. Bad lines become warnings; the returned error is reserved
// for reader failures.
func Parse(r io.Reader, types []EntityType) ([]ParsedEntry, []Warning, error) {
	d := classify(types)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		entries  []ParsedEntry
		warnings []Warning
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, CommentPrefix) {
			continue
		}

		entry, reason := d.parseLine(line)
		if entry == nil {
			warnings = append(warnings, Warning{Line: lineNo, Text: line, Reason: reason})
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("matcher: read list content: %w", err)
	}

	return entries, warnings, nil
}

// ParseString is Parse over an in-memory list.
func ParseString(content string, types []EntityType) ([]ParsedEntry, []Warning, error) {
	return Parse(strings.NewReader(content), types)
}

func (d declared) parseLine(line string) (ParsedEntry, string) {
	reason := "no declared type accepts this value"

	if d.ip() {
		entry, why, ipShaped := d.parseIP(line)
		if entry != nil {
			return entry, ""
		}
		if ipShaped {
			return nil, why
		}
		reason = why
	}

	if !d.exact {
		return nil, reason
	}
	if strings.ContainsAny(line, " \t") {
		return nil, "value contains whitespace"
	}
	if d.domainOnly {
		if _, ok := dns.IsDomainName(line); !ok || strings.ContainsAny(line, "/:@") {
			return nil, "not a valid domain name"
		}
	}
	return ExactValue(Normalize(line)), ""
}

// parseIP reports ipShaped when the line is unambiguously an address or CIDR,
// in which case the exact-string fallback does not apply.
func (d declared) parseIP(line string) (ParsedEntry, string, bool) {
	if base, _, found := strings.Cut(line, "/"); found {
		if _, err := netip.ParseAddr(base); err != nil {
			return nil, "not an IP address or CIDR", false
		}
		prefix, err := netip.ParsePrefix(line)
		if err != nil {
			return nil, "invalid CIDR mask", true
		}
		entry, ok := d.prefixEntry(prefix)
		if !ok {
			return nil, "address family not declared for this list", true
		}
		return entry, "", true
	}

	addr, err := netip.ParseAddr(line)
	if err != nil {
		return nil, "not an IP address or CIDR", false
	}
	if addr.Zone() != "" {
		return nil, "zoned addresses are not supported", true
	}
	addr = addr.Unmap()
	switch {
	case addr.Is4() && d.v4:
		return IPv4Exact{Addr: ipv4FromAddr(addr)}, "", true
	case addr.Is6() && d.v6:
		return IPv6Exact{Addr: ipv6FromAddr(addr)}, "", true
	}
	return nil, "address family not declared for this list", true
}

func (d declared) prefixEntry(prefix netip.Prefix) (ParsedEntry, bool) {
	addr := prefix.Addr()
	bits := prefix.Bits()
	if addr.Zone() != "" {
		return nil, false
	}
	if addr.Is4In6() && bits >= 96 {
		addr = addr.Unmap()
		bits -= 96
	}

	switch {
	case addr.Is4() && d.v4:
		base := ipv4(ipv4FromAddr(addr)).masked(uint8(bits))
		if bits == ipv4Width {
			return IPv4Exact{Addr: uint32(base)}, true
		}
		return IPv4Range{Base: uint32(base), Bits: uint8(bits)}, true
	case addr.Is6() && d.v6:
		base := ipv6FromAddr(addr).masked(uint8(bits))
		if bits == ipv6Width {
			return IPv6Exact{Addr: base}, true
		}
		return IPv6Range{Base: base, Bits: uint8(bits)}, true
	}
	return nil, false
}
