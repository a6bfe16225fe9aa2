// Package audit is the append-only trail of record mutations.
package audit

import (
	"encoding/json"
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

// Action is what happened to an entity.
type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionTransfer Action = "TRANSFER"
)

// Entry is one audit record. OldValues and NewValues are full JSON snapshots.
type Entry struct {
	ID         string            `json:"id"`
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     Action            `json:"action"`
	OldValues  json.RawMessage   `json:"old_values,omitempty"`
	NewValues  json.RawMessage   `json:"new_values,omitempty"`
	UserID     string            `json:"user_id"`
	UserName   string            `json:"user_name"`
	Timestamp  time.Time         `json:"timestamp"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	EntityType domain.EntityType
	EntityID   string
	Action     Action
	Since      time.Time
	Limit      int
}

func (f Filter) match(e Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Snapshot marshals v for OldValues/NewValues. Values that cannot be encoded yield nil.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
