package exclusion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"warden/internal/exclusion/matcher"
)

const (
	DefaultFetchTimeout     = 30 * time.Second
	DefaultMaxListBytes     = 10 << 20
	DefaultBuildConcurrency = 8

	maxLoggedWarnings = 20
)

// ListRef identifies an enabled list and where its content lives.
type ListRef struct {
	ID         string
	Name       string
	Types      []EntityType
	ContentRef string
}

// ListSource supplies the lists to compile. The builder reads EnabledLists
// once per build.
type ListSource interface {
	EnabledLists(ctx context.Context) ([]ListRef, error)
	Content(ctx context.Context, ref ListRef) (string, error)
}

// BuildReport summarises one build.
type BuildReport struct {
	Version     int64
	Lists       int
	FailedLists int
	Warnings    int
	Entries     matcher.Counts
	Duration    time.Duration
}

type Builder struct {
	source       ListSource
	fetchTimeout time.Duration
	maxListBytes int
	concurrency  int
	now          func() time.Time
}

type BuilderOption func(*Builder)

// WithFetchTimeout bounds the whole build, list enumeration included.
func WithFetchTimeout(d time.Duration) BuilderOption {
	return func(b *Builder) {
		if d > 0 {
			b.fetchTimeout = d
		}
	}
}

func WithMaxListBytes(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.maxListBytes = n
		}
	}
}

func WithBuildConcurrency(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func NewBuilder(source ListSource, opts ...BuilderOption) *Builder {
	initMetrics()
	b := &Builder{
		source:       source,
		fetchTimeout: DefaultFetchTimeout,
		maxListBytes: DefaultMaxListBytes,
		concurrency:  DefaultBuildConcurrency,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build compiles every enabled list into a new snapshot tagged with version.
// A list that cannot be fetched or parsed yields an empty entry; only a failure
// to enumerate lists or an exhausted budget fails the build.
func (b *Builder) Build(ctx context.Context, version int64) (*Snapshot, BuildReport, error) {
	start := b.now()
	report := BuildReport{Version: version}

	ctx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	defer cancel()

	refs, err := b.source.EnabledLists(ctx)
	if err != nil {
		report.Duration = b.now().Sub(start)
		observeBuild("failed", report.Duration)
		return nil, report, &BuildError{Version: version, Err: fmt.Errorf("enumerate enabled lists: %w", err)}
	}

	refs = slices.Clone(refs)
	slices.SortStableFunc(refs, func(a, c ListRef) int { return strings.Compare(a.ID, c.ID) })

	entries := make([]ListCacheEntry, len(refs))
	g := new(errgroup.Group)
	g.SetLimit(b.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			entries[i] = b.compile(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		report.Duration = b.now().Sub(start)
		observeBuild("failed", report.Duration)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("build budget of %s exceeded: %w", b.fetchTimeout, err)
		}
		return nil, report, &BuildError{Version: version, Err: err}
	}

	snapshot := newSnapshot(version, b.now(), entries)
	stats := snapshot.Stats()
	report.Lists = stats.Lists
	report.FailedLists = stats.FailedLists
	report.Warnings = stats.Warnings
	report.Entries = stats.Entries
	report.Duration = b.now().Sub(start)
	observeBuild("success", report.Duration)

	return snapshot, report, nil
}

func (b *Builder) compile(ctx context.Context, ref ListRef) ListCacheEntry {
	entry := ListCacheEntry{
		ID:     ref.ID,
		Name:   ref.Name,
		Types:  slices.Clone(ref.Types),
		Values: matcher.Compile(nil),
	}

	content, err := b.source.Content(ctx, ref)
	if err != nil {
		entry.Err = &ListFetchError{ListID: ref.ID, Err: err}
		log.Warn("Exclusion list fetch failed", "list", ref.ID, "name", ref.Name, "error", err)
		return entry
	}
	if len(content) > b.maxListBytes {
		entry.Err = &ListFetchError{ListID: ref.ID, Err: fmt.Errorf("content of %d bytes exceeds limit of %d", len(content), b.maxListBytes)}
		log.Warn("Exclusion list too large", "list", ref.ID, "bytes", len(content), "limit", b.maxListBytes)
		return entry
	}

	parsed, warnings, err := matcher.ParseString(content, ref.Types)
	if err != nil {
		entry.Err = &ListFetchError{ListID: ref.ID, Err: err}
		log.Warn("Exclusion list unreadable", "list", ref.ID, "error", err)
		return entry
	}

	for i := range warnings {
		warnings[i].ListID = ref.ID
		if i < maxLoggedWarnings {
			log.Warn("Exclusion list line skipped", "list", ref.ID, "line", warnings[i].Line, "text", warnings[i].Text, "reason", warnings[i].Reason)
		}
	}
	if len(warnings) > maxLoggedWarnings {
		log.Warn("Exclusion list has more skipped lines", "list", ref.ID, "total", len(warnings))
	}
	addParseWarnings(len(warnings))

	if len(parsed) == 0 {
		log.Warn("Exclusion list is empty after parsing", "list", ref.ID, "name", ref.Name)
	}

	entry.Values = matcher.Compile(parsed)
	entry.Warnings = warnings
	return entry
}
