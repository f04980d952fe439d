// Package registry defines the durable records managed by the gateway and
// the repository interfaces its storage backends implement.
package registry

import (
	"encoding/json"
	"time"
)

// HealthStatus enumerates upstream health states.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthAuthExpired HealthStatus = "healthy-auth-expired"
	HealthUnhealthy   HealthStatus = "unhealthy"
	HealthUnknown     HealthStatus = "unknown"
)

// Transport names supported by upstream servers.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// Visibility of agent records.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Trust levels of agent records.
const (
	TrustCommunity = "community"
	TrustVerified  = "verified"
	TrustTrusted   = "trusted"
)

// ParsedDescription splits a tool description into its documented parts.
type ParsedDescription struct {
	Main    string `json:"main,omitempty"`
	Args    string `json:"args,omitempty"`
	Returns string `json:"returns,omitempty"`
	Raises  string `json:"raises,omitempty"`
}

// ToolDescriptor describes one tool exposed by an upstream server.
type ToolDescriptor struct {
	Name              string                 `json:"name"`
	ParsedDescription ParsedDescription      `json:"parsed_description"`
	Schema            map[string]interface{} `json:"schema,omitempty"` // JSON-Schema for arguments
}

// HeaderTemplate is one upstream header; the value may contain ${ENV_VAR}
// references resolved at call time.
type HeaderTemplate struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ServerRecord is a registered upstream MCP server. Path is the immutable
// storage key and routing prefix.
type ServerRecord struct {
	Path                string           `json:"path"`
	ServerName          string           `json:"server_name"`
	Description         string           `json:"description,omitempty"`
	ProxyPassURL        string           `json:"proxy_pass_url"`
	SupportedTransports []string         `json:"supported_transports,omitempty"`
	Tags                []string         `json:"tags,omitempty"`
	Headers             []HeaderTemplate `json:"headers,omitempty"`
	ToolList            []ToolDescriptor `json:"tool_list,omitempty"`
	ResourceList        []string         `json:"resource_list,omitempty"`
	NumStars            float64          `json:"num_stars"`
	RatingCount         int              `json:"rating_count,omitempty"`
	License             string           `json:"license,omitempty"`
	IsPython            bool             `json:"is_python,omitempty"`

	Enabled         bool         `json:"enabled"`
	HealthStatus    HealthStatus `json:"health_status"`
	LastCheckedTime time.Time    `json:"last_checked_time,omitempty"`

	Version int       `json:"version"` // incremented on every put
	Created time.Time `json:"created,omitempty"`
	Updated time.Time `json:"updated,omitempty"`
}

// SkillDescriptor describes one skill of an A2A agent.
type SkillDescriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentRecord is a registered A2A agent described by its agent card.
type AgentRecord struct {
	Path            string                 `json:"path"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	URL             string                 `json:"url"`
	AgentVersion    string                 `json:"version,omitempty"`
	Skills          []SkillDescriptor      `json:"skills,omitempty"`
	SecuritySchemes map[string]interface{} `json:"security_schemes,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	Visibility      string                 `json:"visibility,omitempty"`
	TrustLevel      string                 `json:"trust_level,omitempty"`
	NumStars        float64                `json:"num_stars"`
	RatingCount     int                    `json:"rating_count,omitempty"`

	Enabled         bool         `json:"enabled"`
	HealthStatus    HealthStatus `json:"status"`
	LastCheckedTime time.Time    `json:"last_checked_time,omitempty"`

	Version int       `json:"record_version"`
	Created time.Time `json:"created,omitempty"`
	Updated time.Time `json:"updated,omitempty"`
}

// EffectiveHealth degrades healthy/unhealthy to unknown when the last probe
// is older than the staleness window.
func EffectiveHealth(status HealthStatus, lastChecked time.Time, staleness time.Duration) HealthStatus {
	if status == HealthUnknown {
		return HealthUnknown
	}
	if lastChecked.IsZero() || time.Since(lastChecked) > staleness {
		return HealthUnknown
	}
	return status
}

// MarshalBinary implements encoding.BinaryMarshaler for document storage.
func (s *ServerRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for document storage.
func (s *ServerRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

// MarshalBinary implements encoding.BinaryMarshaler for document storage.
func (a *AgentRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for document storage.
func (a *AgentRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// Clone returns a deep copy safe for concurrent readers.
func (s *ServerRecord) Clone() *ServerRecord {
	data, err := json.Marshal(s)
	if err != nil {
		dup := *s
		return &dup
	}
	clone := &ServerRecord{}
	if err := json.Unmarshal(data, clone); err != nil {
		dup := *s
		return &dup
	}
	return clone
}

// Clone returns a deep copy safe for concurrent readers.
func (a *AgentRecord) Clone() *AgentRecord {
	data, err := json.Marshal(a)
	if err != nil {
		dup := *a
		return &dup
	}
	clone := &AgentRecord{}
	if err := json.Unmarshal(data, clone); err != nil {
		dup := *a
		return &dup
	}
	return clone
}
