// Package index maintains the hybrid (BM25 + dense vector) discovery index
// over the tools and skills of all enabled servers and agents.
package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

// Entity types of indexed documents.
const (
	EntityTypeTool  = "tool"
	EntityTypeSkill = "skill"
)

// Document is one indexed tool or skill.
type Document struct {
	EntityID   string `json:"entity_id"`   // kind:server_path:name
	EntityType string `json:"entity_type"` // tool | skill
	ServerPath string `json:"server_path"`
	Name       string `json:"name"`
	Text       string `json:"text"`
	Enabled    string `json:"enabled"` // "true" | "false", keyword-indexed
}

// EntityID builds the composite document identifier.
func EntityID(entityType, serverPath, name string) string {
	return fmt.Sprintf("%s:%s:%s", entityType, serverPath, name)
}

// ToolText concatenates the searchable text of a tool: name, description
// parts, server tags, and argument schema field names.
func ToolText(record *registry.ServerRecord, tool registry.ToolDescriptor) string {
	parts := []string{
		tool.Name,
		tool.ParsedDescription.Main,
		tool.ParsedDescription.Args,
		tool.ParsedDescription.Returns,
		strings.Join(record.Tags, " "),
	}
	parts = append(parts, schemaFieldNames(tool.Schema)...)
	return joinNonEmpty(parts)
}

// SkillText concatenates the searchable text of an agent skill.
func SkillText(record *registry.AgentRecord, skill registry.SkillDescriptor) string {
	parts := []string{
		skill.Name,
		skill.Description,
		strings.Join(skill.Tags, " "),
		strings.Join(record.Tags, " "),
	}
	return joinNonEmpty(parts)
}

// schemaFieldNames extracts property names from a JSON-Schema object in
// stable order.
func schemaFieldNames(schema map[string]interface{}) []string {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0]
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, " ")
}

// ServerDocuments builds the index documents for one server record.
func ServerDocuments(record *registry.ServerRecord) []Document {
	docs := make([]Document, 0, len(record.ToolList))
	for _, tool := range record.ToolList {
		docs = append(docs, Document{
			EntityID:   EntityID(EntityTypeTool, record.Path, tool.Name),
			EntityType: EntityTypeTool,
			ServerPath: record.Path,
			Name:       tool.Name,
			Text:       ToolText(record, tool),
			Enabled:    boolString(record.Enabled),
		})
	}
	return docs
}

// AgentDocuments builds the index documents for one agent record.
func AgentDocuments(record *registry.AgentRecord) []Document {
	docs := make([]Document, 0, len(record.Skills))
	for _, skill := range record.Skills {
		docs = append(docs, Document{
			EntityID:   EntityID(EntityTypeSkill, record.Path, skill.Name),
			EntityType: EntityTypeSkill,
			ServerPath: record.Path,
			Name:       skill.Name,
			Text:       SkillText(record, skill),
			Enabled:    boolString(record.Enabled),
		})
	}
	return docs
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
