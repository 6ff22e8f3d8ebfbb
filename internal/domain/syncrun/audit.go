package syncrun

import (
	"encoding/json"
	"time"
)

// AuditRecord is one entry of a run's audit trail.
type AuditRecord struct {
	At        time.Time       `json:"at"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id"`
	UserEmail string          `json:"user_email,omitempty"`
	Summary   json.RawMessage `json:"summary"`
}
