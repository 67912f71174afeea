package exclusion

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type recordingStore struct {
	StatusStore
	writes atomic.Int64
}

func (r *recordingStore) WriteStatus(ctx context.Context, patch StatusPatch) error {
	r.writes.Add(1)
	return r.StatusStore.WriteStatus(ctx, patch)
}

func TestCoordinator_PublishesAndRecordsVersion(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.put("a", domainTypes, "a.example\n")

	store := NewMemoryStatusStore()
	cache, coord := newLeaderCoordinator(src, store)

	version, err := store.BumpRefreshVersion(ctx)
	if err != nil {
		t.Fatalf("BumpRefreshVersion returned error: %v", err)
	}

	outcome, err := coord.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if !outcome.Built || outcome.Version != version {
		t.Fatalf("outcome = %+v, want build of version %d", outcome, version)
	}

	status, _ := store.ReadStatus(ctx)
	if status.CacheVersion != version || status.InProgress || !status.Synchronized() {
		t.Fatalf("status = %+v, want synchronized at %d", status, version)
	}
	if cache.Version() != version || coord.LocalVersion() != version {
		t.Fatalf("local version = %d/%d, want %d", cache.Version(), coord.LocalVersion(), version)
	}
	if coord.State() != StateIdle {
		t.Fatalf("State = %s, want idle", coord.State())
	}

	again, err := coord.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync returned error: %v", err)
	}
	if again.Built {
		t.Fatal("Sync rebuilt without a version change")
	}
}

func TestCoordinator_BuildFailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.put("a", domainTypes, "a.example\n")

	store := NewMemoryStatusStore()
	cache, coord := newLeaderCoordinator(src, store)
	if _, err := coord.Sync(ctx); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	before, _ := store.ReadStatus(ctx)

	src.listErr = errors.New("database down")
	if _, err := store.BumpRefreshVersion(ctx); err != nil {
		t.Fatalf("BumpRefreshVersion returned error: %v", err)
	}

	_, err := coord.Sync(ctx)
	if !errors.Is(err, ErrBuildFailure) {
		t.Fatalf("Sync error = %v, want ErrBuildFailure", err)
	}
	if !cache.CheckExclusionList("a.example", domainTypes) {
		t.Fatal("previous snapshot was dropped after a failed build")
	}

	after, _ := store.ReadStatus(ctx)
	if after.CacheVersion != before.CacheVersion {
		t.Fatalf("cacheVersion moved from %d to %d on failure", before.CacheVersion, after.CacheVersion)
	}
	if after.InProgress {
		t.Fatal("in-progress flag left set after failure")
	}
	if coord.LastBuild().Err == nil {
		t.Fatal("LastBuild did not record the failure")
	}
}

func TestCoordinator_InProgressDuringBuild(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.put("a", domainTypes, "a.example\n")

	store := NewMemoryStatusStore()
	_, coord := newLeaderCoordinator(src, store)

	started, release := src.block()
	done := make(chan error, 1)
	go func() {
		_, err := coord.Sync(ctx)
		done <- err
	}()
	<-started

	status, _ := store.ReadStatus(ctx)
	if !status.InProgress {
		t.Fatal("in-progress flag not set while building")
	}
	if coord.State() != StateBuilding {
		t.Fatalf("State = %s, want building", coord.State())
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	status, _ = store.ReadStatus(ctx)
	if status.InProgress {
		t.Fatal("in-progress flag still set after publish")
	}
}

func TestCoordinator_DisabledListExcluded(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.put("keep", domainTypes, "keep.example\n")
	src.put("drop", domainTypes, "drop.example\n")

	store := NewMemoryStatusStore()
	cache, coord := newLeaderCoordinator(src, store)
	if _, err := coord.Sync(ctx); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if !cache.CheckExclusionList("drop.example", domainTypes) {
		t.Fatal("enabled list not matched")
	}

	src.setEnabled("drop", false)
	if _, err := store.BumpRefreshVersion(ctx); err != nil {
		t.Fatalf("BumpRefreshVersion returned error: %v", err)
	}
	if _, err := coord.Sync(ctx); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}

	if cache.CheckExclusionList("drop.example", domainTypes) {
		t.Fatal("disabled list still matched after rebuild")
	}
	if !cache.CheckExclusionList("keep.example", domainTypes) {
		t.Fatal("enabled list lost after rebuild")
	}
}

func TestCoordinator_CoalescesEditsDuringBuild(t *testing.T) {
	src := newFakeSource()
	src.put("a", domainTypes, "a.example\n")

	store := NewMemoryStatusStore()
	_, coord := newLeaderCoordinator(src, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Run(ctx) }()

	waitFor(t, "startup build", func() bool { return coord.Builds() == 1 })
	waitFor(t, "status watcher", func() bool { return store.watcherCount() == 1 })

	started, release := src.block()
	if _, err := store.BumpRefreshVersion(ctx); err != nil {
		t.Fatalf("BumpRefreshVersion returned error: %v", err)
	}
	<-started

	for i := 0; i < 5; i++ {
		if _, err := store.BumpRefreshVersion(ctx); err != nil {
			t.Fatalf("BumpRefreshVersion returned error: %v", err)
		}
		coord.Notify()
	}
	release()

	waitFor(t, "follow-up build", func() bool { return coord.Builds() == 3 })
	time.Sleep(100 * time.Millisecond)

	if got := coord.Builds(); got != 3 {
		t.Fatalf("Builds = %d, want 3 (startup, in-flight, one follow-up)", got)
	}
	if got := src.calls.Load(); got != 3 {
		t.Fatalf("EnabledLists called %d times, want 3", got)
	}
	status, _ := store.ReadStatus(ctx)
	if !status.Synchronized() {
		t.Fatalf("status = %+v, want synchronized", status)
	}
}

func TestCoordinator_FollowerTracksCacheVersion(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.put("a", domainTypes, "a.example\n")

	mem := NewMemoryStatusStore()
	store := &recordingStore{StatusStore: mem}
	cache := NewCache()
	follower := NewCoordinator(cache, NewBuilder(src), store, WithPollInterval(time.Hour))

	if _, err := mem.BumpRefreshVersion(ctx); err != nil {
		t.Fatalf("BumpRefreshVersion returned error: %v", err)
	}
	if err := mem.WriteStatus(ctx, StatusPatch{}.WithCacheVersion(3)); err != nil {
		t.Fatalf("WriteStatus returned error: %v", err)
	}

	outcome, err := follower.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if !outcome.Built || follower.LocalVersion() != 3 {
		t.Fatalf("follower built %+v with local version %d, want version 3", outcome, follower.LocalVersion())
	}

	outcome, err = follower.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if outcome.Built {
		t.Fatal("follower rebuilt ahead of the shared cache version")
	}

	if err := mem.WriteStatus(ctx, StatusPatch{}.WithCacheVersion(9)); err != nil {
		t.Fatalf("WriteStatus returned error: %v", err)
	}
	if _, err := follower.Sync(ctx); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if follower.LocalVersion() != 9 {
		t.Fatalf("LocalVersion = %d, want 9", follower.LocalVersion())
	}
	if n := store.writes.Load(); n != 0 {
		t.Fatalf("follower wrote the status record %d times", n)
	}
}

func TestCoordinator_LeaderRepairsStaleStatus(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.put("a", domainTypes, "a.example\n")

	store := NewMemoryStatusStore()
	_, coord := newLeaderCoordinator(src, store)
	if _, err := coord.Sync(ctx); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}

	// a previous leader died mid-build
	if err := store.WriteStatus(ctx, StatusPatch{}.WithInProgress(true)); err != nil {
		t.Fatalf("WriteStatus returned error: %v", err)
	}

	outcome, err := coord.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if outcome.Built {
		t.Fatal("repair triggered a rebuild")
	}
	status, _ := store.ReadStatus(ctx)
	if status.InProgress {
		t.Fatal("stale in-progress flag was not cleared")
	}
}

func TestCoordinator_LeaderRestoresLostRefreshVersion(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.put("a", domainTypes, "a.example\n")

	store := NewMemoryStatusStore()
	_, coord := newLeaderCoordinator(src, store)
	if _, err := store.BumpRefreshVersion(ctx); err != nil {
		t.Fatalf("BumpRefreshVersion returned error: %v", err)
	}
	if _, err := coord.Sync(ctx); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	local := coord.LocalVersion()

	// the shared record is lost and the next bumping clock runs behind
	store.mu.Lock()
	store.status = Status{}
	store.now = func() time.Time { return time.UnixMilli(1) }
	store.mu.Unlock()

	outcome, err := coord.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if outcome.Built {
		t.Fatal("repair triggered a rebuild")
	}
	status, _ := store.ReadStatus(ctx)
	if status.CacheVersion > status.RefreshVersion {
		t.Fatalf("status = %+v, cache version ahead of refresh version", status)
	}
	if status.RefreshVersion != local || status.CacheVersion != local {
		t.Fatalf("status = %+v, want both versions restored to %d", status, local)
	}

	bumped, err := store.BumpRefreshVersion(ctx)
	if err != nil {
		t.Fatalf("BumpRefreshVersion returned error: %v", err)
	}
	if bumped <= local {
		t.Fatalf("bumped version %d not above published %d", bumped, local)
	}
	outcome, err = coord.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if !outcome.Built || coord.LocalVersion() != bumped {
		t.Fatalf("outcome = %+v local = %d, want rebuild at %d", outcome, coord.LocalVersion(), bumped)
	}
}

func TestCoordinator_LeadTogglesLeadership(t *testing.T) {
	coord := NewCoordinator(NewCache(), NewBuilder(newFakeSource()), NewMemoryStatusStore())
	if coord.IsLeader() {
		t.Fatal("coordinator leads without a lease")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Lead(ctx)
		close(done)
	}()

	waitFor(t, "leadership", coord.IsLeader)
	cancel()
	<-done
	if coord.IsLeader() {
		t.Fatal("coordinator still leads after the lease ended")
	}
}

func TestCoordinator_NotifyCollapses(t *testing.T) {
	coord := NewCoordinator(NewCache(), NewBuilder(newFakeSource()), NewMemoryStatusStore())
	for i := 0; i < 10; i++ {
		coord.Notify()
	}
	if got := len(coord.wake); got != 1 {
		t.Fatalf("pending wake-ups = %d, want 1", got)
	}
}

func TestNextVersionIsMonotonic(t *testing.T) {
	now := time.UnixMilli(1_000)

	if got := nextVersion(now, 0); got != 1_000 {
		t.Fatalf("nextVersion = %d, want 1000", got)
	}
	if got := nextVersion(now, 1_000); got != 1_001 {
		t.Fatalf("nextVersion with stalled clock = %d, want 1001", got)
	}
	if got := nextVersion(now, 5_000); got != 5_001 {
		t.Fatalf("nextVersion with clock behind = %d, want 5001", got)
	}
}

func TestCoordinator_Report(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.put("a", domainTypes, "a.example\nb.example\n")
	src.put("n", ipTypes, "10.0.0.0/8\n")

	store := NewMemoryStatusStore()
	_, coord := newLeaderCoordinator(src, store)

	cold, err := coord.Report(ctx)
	if err != nil {
		t.Fatalf("Report returned error: %v", err)
	}
	if cold.BuiltAt != nil || cold.LocalVersion != -1 || !cold.Leader {
		t.Fatalf("cold report = %+v", cold)
	}

	if _, err := store.BumpRefreshVersion(ctx); err != nil {
		t.Fatalf("BumpRefreshVersion returned error: %v", err)
	}
	if _, err := coord.Sync(ctx); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}

	report, err := coord.Report(ctx)
	if err != nil {
		t.Fatalf("Report returned error: %v", err)
	}
	if report.Lists != 2 || report.Entries.Exact != 2 || report.Entries.IPv4Ranges != 1 {
		t.Fatalf("report = %+v, want 2 lists with 2 exact values and 1 range", report)
	}
	if !report.Synchronized() || report.LocalVersion != report.CacheVersion {
		t.Fatalf("report = %+v, want synchronized local snapshot", report)
	}
	if report.State != StateIdle.String() {
		t.Fatalf("State = %s, want idle", report.State)
	}
}
