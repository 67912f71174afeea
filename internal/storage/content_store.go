// Package storage holds raw exclusion list content in a key-value datastore,
// keyed by an opaque content reference.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	ddbv1 "github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/charmbracelet/log"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	badger4 "github.com/ipfs/go-ds-badger4"
	ddbds "github.com/ipfs/go-ds-dynamodb"

	"warden/internal/support"
)

const keyPrefix = "/exclusion_lists/content"

var ErrContentNotFound = errors.New("storage: content not found")

// ContentStore wraps a datastore.Datastore with list-content semantics.
type ContentStore struct {
	ds datastore.Datastore
}

func New(ds datastore.Datastore) *ContentStore {
	return &ContentStore{ds: ds}
}

// NewMemory returns a store backed by a mutex-wrapped map, for tests and
// single-node runs without persistence.
func NewMemory() *ContentStore {
	return New(dssync.MutexWrap(datastore.NewMapDatastore()))
}

// Open selects a backend by kind: "memory", "badger" (arg is a directory) or
// "dynamodb" (arg is a table name, credentials from the AWS environment).
func Open(kind, arg string) (*ContentStore, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return NewMemory(), nil
	case "badger":
		if arg == "" {
			return nil, errors.New("storage: badger needs a directory")
		}
		ds, err := badger4.NewDatastore(arg, nil)
		if err != nil {
			return nil, fmt.Errorf("storage: open badger at %s: %w", arg, err)
		}
		return New(ds), nil
	case "dynamodb":
		if arg == "" {
			return nil, errors.New("storage: dynamodb needs a table name")
		}
		ddbClient := ddbv1.New(session.Must(session.NewSession()))
		return New(ddbds.New(ddbClient, arg)), nil
	default:
		return nil, fmt.Errorf("storage: unknown content store %q", kind)
	}
}

// OpenFromEnv reads CONTENT_STORE plus CONTENT_STORE_PATH or
// CONTENT_STORE_TABLE.
func OpenFromEnv() (*ContentStore, error) {
	kind := support.GetEnv("CONTENT_STORE", "badger")
	arg := ""
	switch strings.ToLower(kind) {
	case "badger":
		arg = support.GetEnv("CONTENT_STORE_PATH", "data/content")
	case "dynamodb":
		arg = support.GetEnv("CONTENT_STORE_TABLE", "warden-exclusion-content")
	}

	store, err := Open(kind, arg)
	if err != nil {
		return nil, err
	}
	log.Info("Content store opened", "kind", kind, "location", arg)
	return store, nil
}

func contentKey(ref string) datastore.Key {
	return datastore.NewKey(keyPrefix).ChildString(ref)
}

func (s *ContentStore) Put(ctx context.Context, ref string, content []byte) error {
	if ref == "" {
		return errors.New("storage: empty content ref")
	}
	if err := s.ds.Put(ctx, contentKey(ref), content); err != nil {
		return fmt.Errorf("storage: put %s: %w", ref, err)
	}
	return nil
}

func (s *ContentStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.ds.Get(ctx, contentKey(ref))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
		}
		return nil, fmt.Errorf("storage: get %s: %w", ref, err)
	}
	return data, nil
}

// Size returns the stored length without loading the content where the
// backend supports it.
func (s *ContentStore) Size(ctx context.Context, ref string) (int, error) {
	size, err := s.ds.GetSize(ctx, contentKey(ref))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
		}
		return 0, fmt.Errorf("storage: size %s: %w", ref, err)
	}
	return size, nil
}

// Delete removes content. Missing content is not an error.
func (s *ContentStore) Delete(ctx context.Context, ref string) error {
	if err := s.ds.Delete(ctx, contentKey(ref)); err != nil && !errors.Is(err, datastore.ErrNotFound) {
		return fmt.Errorf("storage: delete %s: %w", ref, err)
	}
	return nil
}

func (s *ContentStore) Close() error {
	return s.ds.Close()
}
