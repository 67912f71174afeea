package exclusion

import (
	"context"
	"time"

	"warden/internal/exclusion/matcher"
)

// CacheReport combines the shared status record with what this instance has
// published.
type CacheReport struct {
	Status
	LocalVersion int64          `json:"localVersion"`
	State        string         `json:"state"`
	Leader       bool           `json:"leader"`
	Lists        int            `json:"lists"`
	FailedLists  int            `json:"failedLists"`
	Warnings     int            `json:"warnings"`
	Entries      matcher.Counts `json:"entries"`
	BuiltAt      *time.Time     `json:"builtAt,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
}

// Report reads the shared status and describes the local snapshot.
func (c *Coordinator) Report(ctx context.Context) (CacheReport, error) {
	status, err := c.store.ReadStatus(ctx)
	if err != nil {
		return CacheReport{}, err
	}

	report := CacheReport{
		Status:       status,
		LocalVersion: c.LocalVersion(),
		State:        c.State().String(),
		Leader:       c.IsLeader(),
	}

	if snap := c.cache.Snapshot(); snap != nil {
		stats := snap.Stats()
		builtAt := stats.BuiltAt
		report.Lists = stats.Lists
		report.FailedLists = stats.FailedLists
		report.Warnings = stats.Warnings
		report.Entries = stats.Entries
		report.BuiltAt = &builtAt
	}
	if last := c.LastBuild(); last.Err != nil {
		report.LastError = last.Err.Error()
	}
	return report, nil
}
