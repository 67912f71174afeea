package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"warden/internal/domain"

	"gorm.io/gorm"
)

var (
	ErrExclusionListNotFound     = errors.New("exclusion list not found")
	ErrExclusionListNameConflict = errors.New("exclusion list name already exists")
)

// ExclusionListFilter narrows ListExclusionLists. Zero values mean no filter.
type ExclusionListFilter struct {
	Search  string
	Enabled *bool
	OrderBy string
	Desc    bool
}

var exclusionListOrderColumns = map[string]string{
	"name":        "name",
	"createdAt":   "created_at",
	"updatedAt":   "updated_at",
	"valuesCount": "values_count",
}

func db(ctx context.Context) (*gorm.DB, error) {
	if DB == nil {
		return nil, ErrNotInitialized
	}
	if ctx == nil {
		return DB, nil
	}
	return DB.WithContext(ctx), nil
}

func CreateExclusionList(ctx context.Context, list *domain.ExclusionList) error {
	conn, err := db(ctx)
	if err != nil {
		return err
	}
	if err := conn.Create(list).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrExclusionListNameConflict
		}
		return fmt.Errorf("database: create exclusion list: %w", err)
	}
	return nil
}

func GetExclusionList(ctx context.Context, id string) (domain.ExclusionList, error) {
	conn, err := db(ctx)
	if err != nil {
		return domain.ExclusionList{}, err
	}
	var list domain.ExclusionList
	if err := conn.Where("id = ?", id).First(&list).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ExclusionList{}, ErrExclusionListNotFound
		}
		return domain.ExclusionList{}, fmt.Errorf("database: get exclusion list: %w", err)
	}
	return list, nil
}

func FindExclusionListByName(ctx context.Context, name string) (domain.ExclusionList, error) {
	conn, err := db(ctx)
	if err != nil {
		return domain.ExclusionList{}, err
	}
	var list domain.ExclusionList
	if err := conn.Where("name = ?", strings.TrimSpace(name)).First(&list).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ExclusionList{}, ErrExclusionListNotFound
		}
		return domain.ExclusionList{}, fmt.Errorf("database: find exclusion list: %w", err)
	}
	return list, nil
}

func ListExclusionLists(ctx context.Context, filter ExclusionListFilter) ([]domain.ExclusionList, error) {
	conn, err := db(ctx)
	if err != nil {
		return nil, err
	}

	query := conn.Model(&domain.ExclusionList{})
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+search+"%")
	}
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}

	column, ok := exclusionListOrderColumns[filter.OrderBy]
	if !ok {
		column = "name"
	}
	direction := "ASC"
	if filter.Desc {
		direction = "DESC"
	}

	var lists []domain.ExclusionList
	if err := query.Order(column + " " + direction).Order("id ASC").Find(&lists).Error; err != nil {
		return nil, fmt.Errorf("database: list exclusion lists: %w", err)
	}
	return lists, nil
}

// ListEnabledExclusionLists returns enabled lists ordered by id.
func ListEnabledExclusionLists(ctx context.Context) ([]domain.ExclusionList, error) {
	conn, err := db(ctx)
	if err != nil {
		return nil, err
	}
	var lists []domain.ExclusionList
	if err := conn.Where("enabled = ?", true).Order("id ASC").Find(&lists).Error; err != nil {
		return nil, fmt.Errorf("database: list enabled exclusion lists: %w", err)
	}
	return lists, nil
}

// UpdateExclusionList applies column updates and returns the stored record.
func UpdateExclusionList(ctx context.Context, id string, updates map[string]any) (domain.ExclusionList, error) {
	conn, err := db(ctx)
	if err != nil {
		return domain.ExclusionList{}, err
	}

	var updated domain.ExclusionList
	err = conn.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.ExclusionList{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			if isUniqueConstraintError(res.Error) {
				return ErrExclusionListNameConflict
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrExclusionListNotFound
		}
		return tx.Where("id = ?", id).First(&updated).Error
	})
	if err != nil {
		if errors.Is(err, ErrExclusionListNotFound) || errors.Is(err, ErrExclusionListNameConflict) {
			return domain.ExclusionList{}, err
		}
		return domain.ExclusionList{}, fmt.Errorf("database: update exclusion list: %w", err)
	}
	return updated, nil
}

// DeleteExclusionList removes the record and returns it so callers can clean
// up its content.
func DeleteExclusionList(ctx context.Context, id string) (domain.ExclusionList, error) {
	conn, err := db(ctx)
	if err != nil {
		return domain.ExclusionList{}, err
	}

	var deleted domain.ExclusionList
	err = conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&deleted).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrExclusionListNotFound
			}
			return err
		}
		return tx.Where("id = ?", id).Delete(&domain.ExclusionList{}).Error
	})
	if err != nil {
		if errors.Is(err, ErrExclusionListNotFound) {
			return domain.ExclusionList{}, err
		}
		return domain.ExclusionList{}, fmt.Errorf("database: delete exclusion list: %w", err)
	}
	return deleted, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "unique constraint failed")
}
