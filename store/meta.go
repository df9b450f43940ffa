package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// MetaMap is the arbitrary string-keyed metadata attached to a billing record
type MetaMap map[string]string

func (m *MetaMap) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("Failed to unmarshal jsonb value: %s", value)
	}
	if bytes == nil {
		*m = make(MetaMap)
		return nil
	}
	return json.Unmarshal(bytes, &m)
}

func (m *MetaMap) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (*MetaMap) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

func (m *MetaMap) Clone() MetaMap {
	clone := make(MetaMap)
	for k, v := range *m {
		clone[k] = v
	}
	return clone
}
