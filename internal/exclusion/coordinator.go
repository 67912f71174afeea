package exclusion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPollInterval = 10 * time.Second
	// LeaderLockKey is the lease that elects the instance driving the shared status.
	LeaderLockKey = "warden:leader:exclusion_cache"

	statusWriteTimeout = 5 * time.Second
)

type State int32

const (
	StateIdle State = iota
	StateBuilding
	StatePublishPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StatePublishPending:
		return "publish_pending"
	default:
		return "unknown"
	}
}

// SyncOutcome reports what one Sync call did.
type SyncOutcome struct {
	Built   bool
	Version int64
	Report  BuildReport
}

// BuildResult is the last build attempt, kept for display.
type BuildResult struct {
	Version  int64
	At       time.Time
	Duration time.Duration
	Err      error
}

// Coordinator decides when to rebuild and publishes snapshots into a Cache.
//
// The leader compiles towards the shared refresh version and owns writes to
// the status record. Other instances compile towards the shared cache version
// and never write it.
type Coordinator struct {
	cache   *Cache
	builder *Builder
	store   StatusStore

	pollInterval    time.Duration
	intervalUpdates <-chan time.Duration

	wake         chan struct{}
	group        singleflight.Group
	leading      atomic.Bool
	state        atomic.Int32
	localVersion atomic.Int64
	builds       atomic.Uint64

	mu   sync.Mutex
	last BuildResult
}

type CoordinatorOption func(*Coordinator)

func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithIntervalUpdates reschedules the poll ticker whenever a new interval
// arrives on ch.
func WithIntervalUpdates(ch <-chan time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.intervalUpdates = ch
	}
}

// WithLeadership makes the coordinator lead from the start. Single-instance
// deployments use it instead of a lease.
func WithLeadership(lead bool) CoordinatorOption {
	return func(c *Coordinator) {
		c.leading.Store(lead)
	}
}

func NewCoordinator(cache *Cache, builder *Builder, store StatusStore, opts ...CoordinatorOption) *Coordinator {
	initMetrics()
	c := &Coordinator{
		cache:        cache,
		builder:      builder,
		store:        store,
		pollInterval: DefaultPollInterval,
		wake:         make(chan struct{}, 1),
	}
	c.localVersion.Store(-1)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) IsLeader() bool { return c.leading.Load() }

// LocalVersion is the version of the snapshot this instance has published, or
// -1 before the first publish.
func (c *Coordinator) LocalVersion() int64 { return c.localVersion.Load() }

// Builds counts successful publishes.
func (c *Coordinator) Builds() uint64 { return c.builds.Load() }

func (c *Coordinator) LastBuild() BuildResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Notify asks the run loop to check the status soon. Calls made while a check
// is already pending collapse into one.
func (c *Coordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives synchronisation until ctx is done: once at start, on every poll
// tick and on every notification.
func (c *Coordinator) Run(ctx context.Context) error {
	if w, ok := c.store.(Watcher); ok {
		go func() {
			if err := w.Watch(ctx, c.Notify); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("Exclusion status watch stopped", "error", err)
			}
		}()
	}

	current := c.pollInterval
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	c.trigger(ctx, "startup")

	updates := c.intervalUpdates
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.trigger(ctx, "poll")
		case <-c.wake:
			c.trigger(ctx, "notify")
		case next, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if next <= 0 {
				next = DefaultPollInterval
			}
			if next == current {
				continue
			}
			drainTicker(ticker)
			current = next
			ticker.Reset(current)
			log.Info("Exclusion cache poll interval updated", "interval", current)
		}
	}
}

// Lead is run while this instance holds the builder lease.
func (c *Coordinator) Lead(ctx context.Context) {
	c.leading.Store(true)
	log.Info("Exclusion cache leadership acquired")
	c.Notify()

	<-ctx.Done()

	c.leading.Store(false)
	log.Info("Exclusion cache leadership released")
}

func (c *Coordinator) trigger(ctx context.Context, reason string) {
	outcome, err := c.Sync(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Exclusion cache sync canceled", "reason", reason)
		}
		return
	}
	if outcome.Built {
		log.Debug("Exclusion cache sync finished", "reason", reason, "version", outcome.Version)
	}
}

// Sync compares the shared status with the local snapshot and rebuilds when
// it is behind. Concurrent callers share one in-flight run.
func (c *Coordinator) Sync(ctx context.Context) (SyncOutcome, error) {
	res, err, _ := c.group.Do("sync", func() (any, error) {
		return c.sync(ctx)
	})
	outcome, _ := res.(SyncOutcome)
	return outcome, err
}

func (c *Coordinator) sync(ctx context.Context) (SyncOutcome, error) {
	status, err := c.store.ReadStatus(ctx)
	if err != nil {
		log.Error("Exclusion status read failed", "error", err)
		return SyncOutcome{}, &BuildError{Version: c.localVersion.Load(), Err: err}
	}

	leader := c.leading.Load()
	target := status.CacheVersion
	if leader {
		target = status.RefreshVersion
	}

	local := c.localVersion.Load()
	if target <= local {
		if leader {
			c.repairStatus(ctx, status, local)
		}
		return SyncOutcome{Version: local}, nil
	}

	return c.build(ctx, target, leader)
}

// repairStatus fixes a record left behind by a leader that died mid-build or
// failed to write after publishing, or a record that was lost entirely. The
// refresh version is restored first so cache_version never exceeds it.
func (c *Coordinator) repairStatus(ctx context.Context, status Status, local int64) {
	var patch StatusPatch
	if status.RefreshVersion < local {
		patch = patch.WithRefreshVersion(local)
	}
	if status.InProgress {
		patch = patch.WithInProgress(false)
	}
	if status.CacheVersion < local {
		patch = patch.WithCacheVersion(local)
	}
	if patch.empty() {
		return
	}
	if err := c.writeStatus(ctx, patch); err != nil {
		log.Warn("Exclusion status repair failed", "error", err)
		return
	}
	log.Info("Exclusion status repaired",
		"cache_version", local,
		"restored_refresh_version", status.RefreshVersion < local,
		"cleared_in_progress", status.InProgress,
	)
}

func (c *Coordinator) build(ctx context.Context, version int64, leader bool) (SyncOutcome, error) {
	c.state.Store(int32(StateBuilding))
	defer c.state.Store(int32(StateIdle))

	if leader {
		if err := c.writeStatus(ctx, StatusPatch{}.WithInProgress(true)); err != nil {
			log.Warn("Exclusion status write failed", "in_progress", true, "error", err)
		}
	}

	log.Debug("Exclusion cache build started", "version", version, "leader", leader)
	snapshot, report, err := c.builder.Build(ctx, version)
	if err != nil {
		if leader {
			if werr := c.writeStatus(ctx, StatusPatch{}.WithInProgress(false)); werr != nil {
				log.Warn("Exclusion status write failed", "in_progress", false, "error", werr)
			}
		}
		c.record(BuildResult{Version: version, At: time.Now(), Duration: report.Duration, Err: err})
		log.Error("Exclusion cache build failed", "version", version, "error", err)
		return SyncOutcome{Version: version, Report: report}, err
	}

	c.state.Store(int32(StatePublishPending))
	c.cache.publish(snapshot)
	c.localVersion.Store(version)
	c.builds.Add(1)
	c.record(BuildResult{Version: version, At: time.Now(), Duration: report.Duration})

	// leadership may have moved during the build; the new leader repairs the record
	if leader && c.leading.Load() {
		patch := StatusPatch{}.WithRefreshVersion(version).WithCacheVersion(version).WithInProgress(false)
		if err := c.writeStatus(ctx, patch); err != nil {
			log.Warn("Exclusion status write failed", "cache_version", version, "error", err)
		}
	}

	log.Info("Exclusion cache published",
		"version", version,
		"lists", report.Lists,
		"failed_lists", report.FailedLists,
		"warnings", report.Warnings,
		"entries", report.Entries.Total(),
		"duration", report.Duration,
	)
	return SyncOutcome{Built: true, Version: version, Report: report}, nil
}

// writeStatus outlives ctx so a cancelled build still clears its flag.
func (c *Coordinator) writeStatus(ctx context.Context, patch StatusPatch) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	return c.store.WriteStatus(wctx, patch)
}

func (c *Coordinator) record(result BuildResult) {
	c.mu.Lock()
	c.last = result
	c.mu.Unlock()
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
