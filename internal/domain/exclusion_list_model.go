package domain

import (
	"time"

	"warden/internal/exclusion/matcher"
)

// ExclusionList is a user-curated list of benign observables. The content
// itself lives in the content store under ContentRef.
type ExclusionList struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Name        string     `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Description string     `gorm:"type:text;not null;default:''" json:"description"`
	Enabled     bool       `gorm:"not null;index" json:"enabled"`
	EntityTypes StringList `gorm:"type:text;not null" json:"entityTypes"`
	ContentRef  string     `gorm:"size:64;not null" json:"-"`
	ContentHash string     `gorm:"size:64;not null;default:''" json:"contentHash"`
	ValuesCount int        `gorm:"not null;default:0" json:"valuesCount"`
	ContentSize int64      `gorm:"not null;default:0" json:"contentSize"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Types returns the declared entity types, skipping unknown names.
func (l ExclusionList) Types() []matcher.EntityType {
	out := make([]matcher.EntityType, 0, len(l.EntityTypes))
	for _, raw := range l.EntityTypes {
		t, err := matcher.ParseEntityType(raw)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}
