package scheduler

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Args carries the string arguments a task was scheduled with
type Args map[string]string

func (a *Args) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("Failed to unmarshal jsonb value: %s", value)
	}
	if bytes == nil {
		*a = make(Args)
		return nil
	}
	return json.Unmarshal(bytes, &a)
}

func (a *Args) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (*Args) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Task is a persisted delayed invocation of a named hook
type Task struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Hook      string    `json:"hook" gorm:"index"`
	Args      Args      `json:"args" gorm:"type:jsonb"`
	RunAt     time.Time `json:"runAt" gorm:"index"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	CreatedAt time.Time `json:"createdAt"`
}
