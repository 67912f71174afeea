package matcher

import "net/netip"

// Set is the compiled form of one list: an exact index plus one range index per
// address family. A nil *Set matches nothing.
type Set struct {
	exact ExactIndex
	v4    *IPv4Index
	v6    *IPv6Index
}

// Counts summarises what a Set holds after pruning.
type Counts struct {
	Exact      int `json:"exact"`
	IPv4Hosts  int `json:"ipv4Hosts"`
	IPv4Ranges int `json:"ipv4Ranges"`
	IPv6Hosts  int `json:"ipv6Hosts"`
	IPv6Ranges int `json:"ipv6Ranges"`
}

func (c Counts) Total() int {
	return c.Exact + c.IPv4Hosts + c.IPv4Ranges + c.IPv6Hosts + c.IPv6Ranges
}

func (c Counts) Add(other Counts) Counts {
	return Counts{
		Exact:      c.Exact + other.Exact,
		IPv4Hosts:  c.IPv4Hosts + other.IPv4Hosts,
		IPv4Ranges: c.IPv4Ranges + other.IPv4Ranges,
		IPv6Hosts:  c.IPv6Hosts + other.IPv6Hosts,
		IPv6Ranges: c.IPv6Ranges + other.IPv6Ranges,
	}
}

// Compile splits parsed entries by kind and builds the indexes.
func Compile(entries []ParsedEntry) *Set {
	var (
		exact   []string
		hosts4  []uint32
		ranges4 []IPv4Range
		hosts6  []IPv6
		ranges6 []IPv6Range
	)
	for _, entry := range entries {
		switch e := entry.(type) {
		case ExactValue:
			exact = append(exact, string(e))
		case IPv4Exact:
			hosts4 = append(hosts4, e.Addr)
		case IPv4Range:
			ranges4 = append(ranges4, e)
		case IPv6Exact:
			hosts6 = append(hosts6, e.Addr)
		case IPv6Range:
			ranges6 = append(ranges6, e)
		}
	}

	return &Set{
		exact: BuildExact(exact),
		v4:    BuildRanges4(hosts4, ranges4),
		v6:    BuildRanges6(hosts6, ranges6),
	}
}

func (s *Set) ContainsValue(value string) bool {
	if s == nil {
		return false
	}
	return s.exact.Contains(value)
}

// ContainsAddr routes the address to the index of its family.
func (s *Set) ContainsAddr(addr netip.Addr) bool {
	if s == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return s.v4.Contains(addr)
	}
	return s.v6.Contains(addr)
}

func (s *Set) Counts() Counts {
	if s == nil {
		return Counts{}
	}
	return Counts{
		Exact:      s.exact.Len(),
		IPv4Hosts:  s.v4.Hosts(),
		IPv4Ranges: s.v4.Ranges(),
		IPv6Hosts:  s.v6.Hosts(),
		IPv6Ranges: s.v6.Ranges(),
	}
}
