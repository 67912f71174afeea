package exclusion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"warden/internal/exclusion/matcher"
)

type fakeList struct {
	ref     ListRef
	content string
	err     error
	enabled bool
}

// fakeSource is an in-memory ListSource. When gate is set, EnabledLists signals
// started and blocks until gate is closed.
type fakeSource struct {
	mu      sync.Mutex
	lists   map[string]*fakeList
	listErr error
	gate    chan struct{}
	started chan struct{}
	calls   atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{lists: make(map[string]*fakeList)}
}

func (f *fakeSource) put(id string, types []EntityType, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[id] = &fakeList{
		ref:     ListRef{ID: id, Name: id, Types: types, ContentRef: "ref-" + id},
		content: content,
		enabled: true,
	}
}

func (f *fakeSource) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[id].err = err
}

func (f *fakeSource) setEnabled(id string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[id].enabled = enabled
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, id)
}

func (f *fakeSource) block() (started chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 16)
	gate := f.gate
	return f.started, func() { close(gate) }
}

func (f *fakeSource) EnabledLists(ctx context.Context) ([]ListRef, error) {
	f.calls.Add(1)

	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var refs []ListRef
	for _, l := range f.lists {
		if l.enabled {
			refs = append(refs, l.ref)
		}
	}
	return refs, nil
}

func (f *fakeSource) Content(ctx context.Context, ref ListRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[ref.ID]
	if !ok {
		return "", errors.New("content not found")
	}
	if l.err != nil {
		return "", l.err
	}
	return l.content, nil
}

var (
	ipTypes     = []EntityType{matcher.TypeIPv4, matcher.TypeIPv6}
	domainTypes = []EntityType{matcher.TypeDomainName}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newLeaderCoordinator(src ListSource, store StatusStore, opts ...CoordinatorOption) (*Cache, *Coordinator) {
	cache := NewCache()
	opts = append([]CoordinatorOption{WithLeadership(true), WithPollInterval(time.Hour)}, opts...)
	return cache, NewCoordinator(cache, NewBuilder(src), store, opts...)
}
