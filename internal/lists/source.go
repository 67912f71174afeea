package lists

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"warden/internal/database"
	"warden/internal/exclusion"
	"warden/internal/storage"
)

// Source feeds the cache builder from the database and the content store.
type Source struct {
	content  *storage.ContentStore
	maxBytes int
}

// NewSource returns a Source that refuses content above maxBytes without
// loading it. Zero disables the check.
func NewSource(content *storage.ContentStore, maxBytes int) *Source {
	return &Source{content: content, maxBytes: maxBytes}
}

func (s *Source) EnabledLists(ctx context.Context) ([]exclusion.ListRef, error) {
	rows, err := database.ListEnabledExclusionLists(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]exclusion.ListRef, 0, len(rows))
	for _, row := range rows {
		types := row.Types()
		if len(types) != len(row.EntityTypes) {
			log.Warn("Exclusion list has unknown entity types", "list", row.ID, "types", row.EntityTypes)
		}
		refs = append(refs, exclusion.ListRef{
			ID:         row.ID,
			Name:       row.Name,
			Types:      types,
			ContentRef: row.ContentRef,
		})
	}
	return refs, nil
}

func (s *Source) Content(ctx context.Context, ref exclusion.ListRef) (string, error) {
	if s.maxBytes > 0 {
		size, err := s.content.Size(ctx, ref.ContentRef)
		if err != nil {
			return "", err
		}
		if size > s.maxBytes {
			return "", fmt.Errorf("content of %d bytes exceeds limit of %d", size, s.maxBytes)
		}
	}

	data, err := s.content.Get(ctx, ref.ContentRef)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
