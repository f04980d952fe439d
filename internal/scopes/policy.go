// Package scopes loads and validates the scope policy document that drives
// every authorization decision in the gateway.
package scopes

import (
	"fmt"
	"strings"
)

// Wildcard matches any server, method, or tool in an access rule.
const Wildcard = "*"

// WildcardAll is accepted as an alias for Wildcard in visibility lists.
const WildcardAll = "all"

// AdminScope is the scope required for mutating admin actions.
const AdminScope = "registry-admins"

// AccessRule grants access to MCP methods and tools on a server.
type AccessRule struct {
	Server  string   `yaml:"server" json:"server"`
	Methods []string `yaml:"methods" json:"methods"`
	Tools   []string `yaml:"tools" json:"tools"`
}

// UIScope controls which servers and agents are visible in listings.
type UIScope struct {
	VisibleServers []string `yaml:"visible_servers" json:"visible_servers"`
	VisibleAgents  []string `yaml:"visible_agents" json:"visible_agents"`
}

// AgentScope grants agent CRUD verbs; each list holds agent paths or "all".
type AgentScope struct {
	ListAgents   []string `yaml:"list_agents" json:"list_agents"`
	GetAgent     []string `yaml:"get_agent" json:"get_agent"`
	PublishAgent []string `yaml:"publish_agent" json:"publish_agent"`
	ModifyAgent  []string `yaml:"modify_agent" json:"modify_agent"`
	DeleteAgent  []string `yaml:"delete_agent" json:"delete_agent"`
}

// Policy is the scope policy document.
type Policy struct {
	GroupMappings   map[string][]string     `yaml:"group_mappings" json:"group_mappings"`
	UIScopes        map[string]UIScope      `yaml:"ui_scopes" json:"ui_scopes"`
	MCPServerScopes map[string][]AccessRule `yaml:"mcp_server_scopes" json:"mcp_server_scopes"`
	AgentScopes     map[string]AgentScope   `yaml:"agent_scopes" json:"agent_scopes"`
}

// ScopesForGroups translates external group names into internal scope names.
// Unknown groups are dropped and returned separately so callers can log them.
func (p *Policy) ScopesForGroups(groups []string) (scopes, unknown []string) {
	seen := make(map[string]struct{})
	for _, group := range groups {
		mapped, ok := p.GroupMappings[group]
		if !ok {
			unknown = append(unknown, group)
			continue
		}
		for _, scope := range mapped {
			if _, dup := seen[scope]; dup {
				continue
			}
			seen[scope] = struct{}{}
			scopes = append(scopes, scope)
		}
	}
	return scopes, unknown
}

// RulesForScopes collects all MCP access rules attached to the given scopes.
func (p *Policy) RulesForScopes(scopes []string) []AccessRule {
	var rules []AccessRule
	for _, scope := range scopes {
		rules = append(rules, p.MCPServerScopes[scope]...)
	}
	return rules
}

// IsWildcard reports whether a policy list entry is a wildcard.
func IsWildcard(entry string) bool {
	return entry == Wildcard || strings.EqualFold(entry, WildcardAll)
}

// ListMatches reports whether value is covered by a policy list: either an
// exact entry or any wildcard entry matches.
func ListMatches(list []string, value string) bool {
	for _, entry := range list {
		if IsWildcard(entry) || entry == value {
			return true
		}
	}
	return false
}

// Validate checks internal consistency of the policy document.
func (p *Policy) Validate() error {
	var errs ValidationErrors

	// Every group mapping target must resolve to a known scope.
	for group, targets := range p.GroupMappings {
		if len(targets) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("group_mappings.%s", group),
				Message: "maps to no scopes",
			})
		}
		for _, scope := range targets {
			if !p.scopeExists(scope) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("group_mappings.%s", group),
					Message: fmt.Sprintf("unknown scope %q", scope),
				})
			}
		}
	}

	// Access rules must be well formed and free of duplicates per scope.
	for scope, rules := range p.MCPServerScopes {
		seen := make(map[string]struct{})
		for i, rule := range rules {
			field := fmt.Sprintf("mcp_server_scopes.%s[%d]", scope, i)
			if rule.Server == "" {
				errs = append(errs, ValidationError{Field: field, Message: "server cannot be empty"})
			}
			if len(rule.Methods) == 0 {
				errs = append(errs, ValidationError{Field: field, Message: "methods cannot be empty"})
			}
			key := ruleKey(rule)
			if _, dup := seen[key]; dup {
				errs = append(errs, ValidationError{Field: field, Message: "duplicate rule"})
			}
			seen[key] = struct{}{}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// scopeExists reports whether a scope name is defined anywhere in the policy.
func (p *Policy) scopeExists(scope string) bool {
	if _, ok := p.UIScopes[scope]; ok {
		return true
	}
	if _, ok := p.MCPServerScopes[scope]; ok {
		return true
	}
	if _, ok := p.AgentScopes[scope]; ok {
		return true
	}
	return false
}

func ruleKey(rule AccessRule) string {
	return rule.Server + "|" + strings.Join(rule.Methods, ",") + "|" + strings.Join(rule.Tools, ",")
}

// ValidationError describes a single policy validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates policy validation failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Error()
	}
	return "policy validation failed: " + strings.Join(parts, "; ")
}
