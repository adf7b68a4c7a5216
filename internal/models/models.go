package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB maps a PostgreSQL JSONB column onto a generic object.
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// StringMap keeps only the string-valued entries, which is what env and
// header columns are expected to hold.
func (j JSONB) StringMap() map[string]string {
	if len(j) == 0 {
		return nil
	}
	out := make(map[string]string, len(j))
	for key, value := range j {
		if str, ok := value.(string); ok {
			out[key] = str
		}
	}
	return out
}
