package exclusion

import (
	"net/netip"
	"slices"
	"time"

	"warden/internal/exclusion/matcher"
)

// EntityType aliases the matcher vocabulary so callers of this package do not
// need to import matcher for the common case.
type EntityType = matcher.EntityType

// ListCacheEntry is one compiled list inside a snapshot.
type ListCacheEntry struct {
	ID       string
	Name     string
	Types    []EntityType
	Values   *matcher.Set
	Warnings []matcher.Warning
	// Err is set when the list content could not be used; Values is then empty.
	Err error
}

// CheckResult reports the first list that matched a value.
type CheckResult struct {
	Matched bool
	ListID  string
	Type    EntityType
}

// SnapshotStats describes a published snapshot.
type SnapshotStats struct {
	Version     int64
	BuiltAt     time.Time
	Lists       int
	FailedLists int
	Warnings    int
	Entries     matcher.Counts
}

// Snapshot is an immutable compiled view of every enabled list at one version.
// A nil *Snapshot is the cold-start state and matches nothing.
type Snapshot struct {
	version int64
	builtAt time.Time
	entries []ListCacheEntry
	byType  map[EntityType][]int
}

func newSnapshot(version int64, builtAt time.Time, entries []ListCacheEntry) *Snapshot {
	s := &Snapshot{
		version: version,
		builtAt: builtAt,
		entries: entries,
		byType:  make(map[EntityType][]int),
	}
	for i, entry := range entries {
		for _, t := range entry.Types {
			if slices.Contains(s.byType[t], i) {
				continue
			}
			s.byType[t] = append(s.byType[t], i)
		}
	}
	return s
}

// Version returns the status version the snapshot was built for, or -1 before
// the first publish.
func (s *Snapshot) Version() int64 {
	if s == nil {
		return -1
	}
	return s.version
}

func (s *Snapshot) BuiltAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.builtAt
}

// Lists returns the entries in build order. The slice is a copy; the entries
// share their compiled sets, which are read-only.
func (s *Snapshot) Lists() []ListCacheEntry {
	if s == nil {
		return nil
	}
	return slices.Clone(s.entries)
}

func (s *Snapshot) Stats() SnapshotStats {
	if s == nil {
		return SnapshotStats{Version: -1}
	}
	stats := SnapshotStats{
		Version: s.version,
		BuiltAt: s.builtAt,
		Lists:   len(s.entries),
	}
	for _, entry := range s.entries {
		if entry.Err != nil {
			stats.FailedLists++
		}
		stats.Warnings += len(entry.Warnings)
		stats.Entries = stats.Entries.Add(entry.Values.Counts())
	}
	return stats
}

// CheckExclusionList reports whether value is excluded by any list tagged
// with one of types. IP types match hosts and ranges, the rest match exactly.
func (s *Snapshot) CheckExclusionList(value string, types []EntityType) bool {
	return s.Match(value, types).Matched
}

// CheckIPAddressLists reports whether address is a host or falls inside a
// range of any list tagged with one of types.
func (s *Snapshot) CheckIPAddressLists(address string, types []EntityType) bool {
	return s.Match(address, onlyIP(types)).Matched
}

// Match dispatches per type: IP types go through the range indexes and every
// other type through the exact index.
func (s *Snapshot) Match(value string, types []EntityType) CheckResult {
	if s == nil {
		return CheckResult{}
	}

	addr, isAddr := matcher.ParseAddr(value)
	family := addressType(addr, isAddr)
	for _, t := range types {
		for _, i := range s.byType[t] {
			entry := &s.entries[i]
			var hit bool
			if t.IsIP() {
				hit = t == family && entry.Values.ContainsAddr(addr)
			} else {
				hit = entry.Values.ContainsValue(value)
			}
			if hit {
				return CheckResult{Matched: true, ListID: entry.ID, Type: t}
			}
		}
	}
	return CheckResult{}
}

func addressType(addr netip.Addr, ok bool) EntityType {
	switch {
	case !ok:
		return ""
	case addr.Is4():
		return matcher.TypeIPv4
	default:
		return matcher.TypeIPv6
	}
}

func onlyIP(types []EntityType) []EntityType {
	out := make([]EntityType, 0, 2)
	for _, t := range types {
		if t.IsIP() {
			out = append(out, t)
		}
	}
	return out
}
