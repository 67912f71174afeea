// Package exclusion keeps an in-memory compiled copy of every enabled exclusion
// list and answers membership checks against it without touching storage.
//
// Readers load an immutable *Snapshot through an atomic pointer. A Coordinator
// rebuilds snapshots off the read path and swaps them in when complete, so a
// reader sees either the previous or the next generation, never a mix.
package exclusion

import (
	"sync/atomic"
)

// Cache is the query facade used on the ingestion hot path.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

func NewCache() *Cache {
	initMetrics()
	return &Cache{}
}

// Snapshot returns the current generation for a batch of consistent checks.
// It is nil until the first build has been published.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Version returns the local snapshot version or -1 on cold start.
func (c *Cache) Version() int64 {
	return c.current.Load().Version()
}

// CheckExclusionList reports whether value is excluded by any list of types.
// Before the first build it returns false.
func (c *Cache) CheckExclusionList(value string, types []EntityType) bool {
	matched := c.current.Load().CheckExclusionList(value, types)
	observeCheck(matched)
	return matched
}

// CheckIPAddressLists reports whether address is excluded by a host or CIDR
// entry. Before the first build it returns false.
func (c *Cache) CheckIPAddressLists(address string, types []EntityType) bool {
	matched := c.current.Load().CheckIPAddressLists(address, types)
	observeCheck(matched)
	return matched
}

// Match reports which list excluded value, if any.
func (c *Cache) Match(value string, types []EntityType) CheckResult {
	result := c.current.Load().Match(value, types)
	observeCheck(result.Matched)
	return result
}

func (c *Cache) publish(s *Snapshot) {
	c.current.Store(s)
	observePublish(s.Version(), s.Stats().Entries)
}
