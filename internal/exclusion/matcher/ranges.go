package matcher

import (
	"net/netip"
	"slices"
	"sort"
)

type address[A any] interface {
	comparable
	less(A) bool
	masked(bits uint8) A
}

type block[A address[A]] struct {
	base A
	bits uint8
}

// rangeTable holds single hosts in a set and CIDR blocks sorted by base with
// every block nested in another one removed, so the blocks are disjoint and
// at most one of them can contain a given address.
type rangeTable[A address[A]] struct {
	hosts  map[A]struct{}
	blocks []block[A]
}

func newRangeTable[A address[A]](hosts []A, blocks []block[A], width uint8) rangeTable[A] {
	t := rangeTable[A]{hosts: make(map[A]struct{}, len(hosts))}
	for _, h := range hosts {
		t.hosts[h] = struct{}{}
	}

	sorted := make([]block[A], 0, len(blocks))
	for _, b := range blocks {
		if b.bits > width {
			continue
		}
		b.base = b.base.masked(b.bits)
		if b.bits == width {
			t.hosts[b.base] = struct{}{}
			continue
		}
		sorted = append(sorted, b)
	}
	slices.SortFunc(sorted, func(x, y block[A]) int {
		switch {
		case x.base.less(y.base):
			return -1
		case y.base.less(x.base):
			return 1
		}
		return int(x.bits) - int(y.bits)
	})

	for _, b := range sorted {
		if n := len(t.blocks); n > 0 {
			last := t.blocks[n-1]
			if b.base.masked(last.bits) == last.base {
				continue
			}
		}
		t.blocks = append(t.blocks, b)
	}
	return t
}

func (t rangeTable[A]) contains(a A) bool {
	if _, ok := t.hosts[a]; ok {
		return true
	}
	// first block whose base is strictly greater than a; the candidate sits just before it
	i := sort.Search(len(t.blocks), func(i int) bool { return a.less(t.blocks[i].base) })
	if i == 0 {
		return false
	}
	b := t.blocks[i-1]
	return a.masked(b.bits) == b.base
}

// IPv4Index answers IPv4 membership over hosts and CIDR blocks.
type IPv4Index struct {
	table rangeTable[ipv4]
}

// BuildRanges4 compiles IPv4 hosts and ranges. A /32 range is stored as a host.
func BuildRanges4(hosts []uint32, ranges []IPv4Range) *IPv4Index {
	hs := make([]ipv4, len(hosts))
	for i, h := range hosts {
		hs[i] = ipv4(h)
	}
	bs := make([]block[ipv4], len(ranges))
	for i, r := range ranges {
		bs[i] = block[ipv4]{base: ipv4(r.Base), bits: r.Bits}
	}
	return &IPv4Index{table: newRangeTable(hs, bs, ipv4Width)}
}

func (idx *IPv4Index) ContainsUint32(a uint32) bool {
	if idx == nil {
		return false
	}
	return idx.table.contains(ipv4(a))
}

func (idx *IPv4Index) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false
	}
	return idx.ContainsUint32(ipv4FromAddr(addr))
}

func (idx *IPv4Index) Hosts() int {
	if idx == nil {
		return 0
	}
	return len(idx.table.hosts)
}

func (idx *IPv4Index) Ranges() int {
	if idx == nil {
		return 0
	}
	return len(idx.table.blocks)
}

// IPv6Index answers IPv6 membership over hosts and CIDR blocks.
type IPv6Index struct {
	table rangeTable[IPv6]
}

// BuildRanges6 compiles IPv6 hosts and ranges. A /128 range is stored as a host.
func BuildRanges6(hosts []IPv6, ranges []IPv6Range) *IPv6Index {
	bs := make([]block[IPv6], len(ranges))
	for i, r := range ranges {
		bs[i] = block[IPv6]{base: r.Base, bits: r.Bits}
	}
	return &IPv6Index{table: newRangeTable(hosts, bs, ipv6Width)}
}

func (idx *IPv6Index) Contains(addr netip.Addr) bool {
	if idx == nil || !addr.Is6() || addr.Is4In6() {
		return false
	}
	return idx.table.contains(ipv6FromAddr(addr))
}

func (idx *IPv6Index) Hosts() int {
	if idx == nil {
		return 0
	}
	return len(idx.table.hosts)
}

func (idx *IPv6Index) Ranges() int {
	if idx == nil {
		return 0
	}
	return len(idx.table.blocks)
}
