// Package audit keeps the append-only record of authorization decisions and
// registry mutations. Entries are written before the corresponding response
// is sent, so every user-visible state change has a matching record.
package audit

import (
	"encoding/json"
	"time"
)

// auditBucketPrefix is combined with the namespace to form the bucket name.
const auditBucketPrefix = "audit-"

// Decision values recorded per entry.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Actions recorded in the log.
const (
	ActionMCPCall        = "mcp_call"
	ActionRegisterServer = "register_server"
	ActionEditServer     = "edit_server"
	ActionDeleteServer   = "delete_server"
	ActionToggleServer   = "toggle_server"
	ActionRescanServer   = "rescan_server"
	ActionRegisterAgent  = "register_agent"
	ActionEditAgent      = "edit_agent"
	ActionDeleteAgent    = "delete_agent"
	ActionToggleAgent    = "toggle_agent"
	ActionRate           = "rate"
	ActionReloadPolicy   = "reload_policy"
)

// Delta captures a before/after pair for record mutations.
type Delta struct {
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// Entry is one audit record.
type Entry struct {
	ID         string    `json:"id"` // ULID
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	Subject    string    `json:"subject"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Delta      *Delta    `json:"delta,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for bbolt storage.
func (e *Entry) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for bbolt storage.
func (e *Entry) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}

// Filter narrows List results.
type Filter struct {
	Subject   string
	Action    string
	Target    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// DefaultFilter returns a filter with pagination defaults applied.
func DefaultFilter() Filter {
	return Filter{Limit: 50}
}
