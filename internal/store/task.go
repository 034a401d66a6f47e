package store

import (
	"encoding/json"
	"time"
)

// Task is a claimed row of the task table.
type Task struct {
	ID            int64
	Payload       json.RawMessage
	LeaseDeadline time.Time
}

// Stats is a point-in-time count of the task table.
type Stats struct {
	Total    int64 `json:"total"`
	Eligible int64 `json:"eligible"`
	Leased   int64 `json:"leased"`
}
