package exclusion

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildFailure marks a rebuild that produced no snapshot. The previous
	// snapshot stays published.
	ErrBuildFailure = errors.New("exclusion: build failed")
	// ErrListFetch marks a single list whose content could not be loaded. The
	// list contributes an empty entry to the snapshot.
	ErrListFetch = errors.New("exclusion: list fetch failed")
)

// BuildError carries the version a failed build was working towards.
type BuildError struct {
	Version int64
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("exclusion: build of version %d failed: %v", e.Version, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func (e *BuildError) Is(target error) bool { return target == ErrBuildFailure }

// ListFetchError is recorded on a cache entry whose content was not usable.
type ListFetchError struct {
	ListID string
	Err    error
}

func (e *ListFetchError) Error() string {
	return fmt.Sprintf("exclusion: list %s: %v", e.ListID, e.Err)
}

func (e *ListFetchError) Unwrap() error { return e.Err }

func (e *ListFetchError) Is(target error) bool { return target == ErrListFetch }
