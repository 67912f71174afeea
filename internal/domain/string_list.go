package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
)

// StringList stores a slice of strings inside a JSON text column.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}

	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *StringList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("domain.StringList: unsupported type %T", value)
	}

	if len(data) == 0 {
		*s = nil
		return nil
	}
	var parsed []string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("domain.StringList: %w", err)
	}
	*s = parsed
	return nil
}

func (s StringList) Clone() []string {
	return slices.Clone([]string(s))
}
