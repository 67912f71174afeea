package exclusion

import (
	"context"
	"sync"
	"time"
)

// Status is the shared record that tells every instance which version the
// lists are at and which version has been compiled.
type Status struct {
	RefreshVersion int64 `json:"refreshVersion"`
	CacheVersion   int64 `json:"cacheVersion"`
	InProgress     bool  `json:"isCacheRebuildInProgress"`
}

// Synchronized reports whether the compiled cache reflects every edit so far.
func (s Status) Synchronized() bool {
	return !s.InProgress && s.CacheVersion >= s.RefreshVersion
}

// RefreshedAt converts the refresh version back to the edit time it encodes.
func (s Status) RefreshedAt() time.Time {
	if s.RefreshVersion <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.RefreshVersion)
}

// StatusPatch is a partial write. Nil fields are left untouched.
// RefreshVersion only ever raises the stored value.
type StatusPatch struct {
	RefreshVersion *int64
	CacheVersion   *int64
	InProgress     *bool
}

func (p StatusPatch) WithRefreshVersion(v int64) StatusPatch {
	p.RefreshVersion = &v
	return p
}

func (p StatusPatch) WithCacheVersion(v int64) StatusPatch {
	p.CacheVersion = &v
	return p
}

func (p StatusPatch) WithInProgress(v bool) StatusPatch {
	p.InProgress = &v
	return p
}

func (p StatusPatch) empty() bool {
	return p.RefreshVersion == nil && p.CacheVersion == nil && p.InProgress == nil
}

// StatusStore persists Status. Cache and progress writes are last-write-wins;
// the refresh version never decreases and BumpRefreshVersion is atomic.
type StatusStore interface {
	ReadStatus(ctx context.Context) (Status, error)
	WriteStatus(ctx context.Context, patch StatusPatch) error
	BumpRefreshVersion(ctx context.Context) (int64, error)
}

// Watcher is implemented by stores that can push change notifications. Watch
// blocks until ctx is done, calling notify after every refresh bump.
type Watcher interface {
	Watch(ctx context.Context, notify func()) error
}

// nextVersion returns max(now in ms, current+1).
func nextVersion(now time.Time, current int64) int64 {
	next := now.UnixMilli()
	if next <= current {
		next = current + 1
	}
	return next
}

// MemoryStatusStore is a single-process StatusStore.
type MemoryStatusStore struct {
	mu       sync.Mutex
	status   Status
	now      func() time.Time
	watchers map[int]func()
	nextID   int
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{
		now:      time.Now,
		watchers: make(map[int]func()),
	}
}

func (m *MemoryStatusStore) ReadStatus(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, nil
}

func (m *MemoryStatusStore) WriteStatus(ctx context.Context, patch StatusPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if patch.RefreshVersion != nil && *patch.RefreshVersion > m.status.RefreshVersion {
		m.status.RefreshVersion = *patch.RefreshVersion
	}
	if patch.CacheVersion != nil {
		m.status.CacheVersion = *patch.CacheVersion
	}
	if patch.InProgress != nil {
		m.status.InProgress = *patch.InProgress
	}
	return nil
}

func (m *MemoryStatusStore) BumpRefreshVersion(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.status.RefreshVersion = nextVersion(m.now(), m.status.RefreshVersion)
	version := m.status.RefreshVersion
	notify := make([]func(), 0, len(m.watchers))
	for _, fn := range m.watchers {
		notify = append(notify, fn)
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return version, nil
}

func (m *MemoryStatusStore) Watch(ctx context.Context, notify func()) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = notify
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStatusStore) watcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}
