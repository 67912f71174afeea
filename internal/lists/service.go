// Package lists administers exclusion lists: records in the database, content
// in the content store, and a refresh bump after every edit so the cache
// rebuilds.
package lists

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"warden/internal/database"
	"warden/internal/domain"
	"warden/internal/exclusion"
	"warden/internal/exclusion/matcher"
	"warden/internal/storage"
	"warden/internal/support"
)

const maxNameLength = 255

var (
	ErrNotFound     = errors.New("lists: exclusion list not found")
	ErrInvalidList  = errors.New("lists: invalid exclusion list")
	ErrNameConflict = errors.New("lists: exclusion list name already exists")
)

// Input describes a new list.
type Input struct {
	Name        string
	Description string
	EntityTypes []string
	Enabled     bool
	Content     string
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Name        *string
	Description *string
	EntityTypes []string
	Enabled     *bool
	Content     *string
}

type Service struct {
	content *storage.ContentStore
	status  exclusion.StatusStore
	newRef  func() string
}

func NewService(content *storage.ContentStore, status exclusion.StatusStore) *Service {
	return &Service{
		content: content,
		status:  status,
		newRef:  func() string { return uuid.NewString() },
	}
}

func (s *Service) Create(ctx context.Context, in Input) (domain.ExclusionList, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return domain.ExclusionList{}, err
	}
	types, err := validateTypes(in.EntityTypes)
	if err != nil {
		return domain.ExclusionList{}, err
	}

	list := domain.ExclusionList{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Enabled:     in.Enabled,
		EntityTypes: typeNames(types),
	}
	if err := s.storeContent(ctx, &list, types, in.Content); err != nil {
		return domain.ExclusionList{}, err
	}

	if err := database.CreateExclusionList(ctx, &list); err != nil {
		s.dropContent(ctx, list.ContentRef)
		return domain.ExclusionList{}, mapDatabaseError(err)
	}

	log.Info("Exclusion list created", "id", list.ID, "name", list.Name, "values", list.ValuesCount)
	s.bump(ctx, "create", list.ID)
	return list, nil
}

func (s *Service) Update(ctx context.Context, id string, patch Patch) (domain.ExclusionList, error) {
	current, err := database.GetExclusionList(ctx, id)
	if err != nil {
		return domain.ExclusionList{}, mapDatabaseError(err)
	}

	updates := make(map[string]any)
	if patch.Name != nil {
		name, err := validateName(*patch.Name)
		if err != nil {
			return domain.ExclusionList{}, err
		}
		updates["name"] = name
	}
	if patch.Description != nil {
		updates["description"] = strings.TrimSpace(*patch.Description)
	}
	if patch.Enabled != nil {
		updates["enabled"] = *patch.Enabled
	}

	types := current.Types()
	if patch.EntityTypes != nil {
		if types, err = validateTypes(patch.EntityTypes); err != nil {
			return domain.ExclusionList{}, err
		}
		updates["entity_types"] = typeNames(types)
	}

	// a type change alters which lines parse, so the count is recomputed
	content := patch.Content
	if content == nil && patch.EntityTypes != nil {
		existing, err := s.Content(ctx, current)
		if err != nil {
			return domain.ExclusionList{}, err
		}
		if entries, _, perr := matcher.ParseString(existing, types); perr == nil {
			updates["values_count"] = len(entries)
		}
	}

	oldRef := ""
	if content != nil {
		staged := current
		if err := s.storeContent(ctx, &staged, types, *content); err != nil {
			return domain.ExclusionList{}, err
		}
		updates["content_ref"] = staged.ContentRef
		updates["content_hash"] = staged.ContentHash
		updates["content_size"] = staged.ContentSize
		updates["values_count"] = staged.ValuesCount
		oldRef = current.ContentRef
	}

	if len(updates) == 0 {
		return current, nil
	}

	updated, err := database.UpdateExclusionList(ctx, id, updates)
	if err != nil {
		if ref, ok := updates["content_ref"].(string); ok {
			s.dropContent(ctx, ref)
		}
		return domain.ExclusionList{}, mapDatabaseError(err)
	}
	if oldRef != "" {
		s.dropContent(ctx, oldRef)
	}

	log.Info("Exclusion list updated", "id", id, "fields", len(updates))
	s.bump(ctx, "update", id)
	return updated, nil
}

func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (domain.ExclusionList, error) {
	return s.Update(ctx, id, Patch{Enabled: &enabled})
}

func (s *Service) Delete(ctx context.Context, id string) error {
	deleted, err := database.DeleteExclusionList(ctx, id)
	if err != nil {
		return mapDatabaseError(err)
	}
	s.dropContent(ctx, deleted.ContentRef)

	log.Info("Exclusion list deleted", "id", id, "name", deleted.Name)
	s.bump(ctx, "delete", id)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.ExclusionList, error) {
	list, err := database.GetExclusionList(ctx, id)
	if err != nil {
		return domain.ExclusionList{}, mapDatabaseError(err)
	}
	return list, nil
}

func (s *Service) FindByName(ctx context.Context, name string) (domain.ExclusionList, error) {
	list, err := database.FindExclusionListByName(ctx, name)
	if err != nil {
		return domain.ExclusionList{}, mapDatabaseError(err)
	}
	return list, nil
}

func (s *Service) List(ctx context.Context, filter database.ExclusionListFilter) ([]domain.ExclusionList, error) {
	return database.ListExclusionLists(ctx, filter)
}

// Content loads the raw text of a list.
func (s *Service) Content(ctx context.Context, list domain.ExclusionList) (string, error) {
	data, err := s.content.Get(ctx, list.ContentRef)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Service) storeContent(ctx context.Context, list *domain.ExclusionList, types []matcher.EntityType, content string) error {
	entries, _, err := matcher.ParseString(content, types)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidList, err)
	}

	ref := s.newRef()
	if err := s.content.Put(ctx, ref, []byte(content)); err != nil {
		return err
	}
	list.ContentRef = ref
	list.ContentHash = support.HashContent(content)
	list.ContentSize = int64(len(content))
	list.ValuesCount = len(entries)
	return nil
}

func (s *Service) dropContent(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.content.Delete(context.WithoutCancel(ctx), ref); err != nil {
		log.Warn("Exclusion list content cleanup failed", "ref", ref, "error", err)
	}
}

// bump signals the edit to every instance. The edit is already committed, so a
// failure is logged and left to the next edit or poll.
func (s *Service) bump(ctx context.Context, op, id string) {
	if s.status == nil {
		return
	}
	version, err := s.status.BumpRefreshVersion(context.WithoutCancel(ctx))
	if err != nil {
		log.Error("Exclusion refresh bump failed", "op", op, "id", id, "error", err)
		return
	}
	log.Debug("Exclusion refresh version bumped", "op", op, "id", id, "version", version)
}

func validateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidList)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: name is longer than %d characters", ErrInvalidList, maxNameLength)
	}
	return name, nil
}

func validateTypes(raw []string) ([]matcher.EntityType, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one entity type is required", ErrInvalidList)
	}
	seen := make(map[matcher.EntityType]struct{}, len(raw))
	types := make([]matcher.EntityType, 0, len(raw))
	for _, r := range raw {
		t, err := matcher.ParseEntityType(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidList, err)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	return types, nil
}

func typeNames(types []matcher.EntityType) domain.StringList {
	out := make(domain.StringList, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func mapDatabaseError(err error) error {
	switch {
	case errors.Is(err, database.ErrExclusionListNotFound):
		return ErrNotFound
	case errors.Is(err, database.ErrExclusionListNameConflict):
		return ErrNameConflict
	default:
		return err
	}
}
