// Package authz decides allow/deny for every gateway request. The engine is
// a pure function of the policy snapshot and the caller identity; it holds
// no state and performs no I/O.
package authz

import (
	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/auth"
	"github.com/mcp-gateway/mcpgw-go/internal/scopes"
)

// MCP method name with per-tool granularity.
const methodToolsCall = "tools/call"

// Deny reasons. Specific reasons are recorded in the audit log only; HTTP
// responses carry a generic code.
const (
	ReasonNoMatchingRule     = "no_matching_rule"
	ReasonServerNotFound     = "server_not_found"
	ReasonServerDisabled     = "server_disabled"
	ReasonTokenExpired       = "token_expired"
	ReasonMethodNotPermitted = "method_not_permitted"
	ReasonToolNotPermitted   = "tool_not_permitted"
	ReasonNotAdmin           = "not_admin"
)

// Admin actions checked by AuthorizeAdmin.
type AdminAction string

const (
	ActionRegisterServer AdminAction = "register_server"
	ActionEditServer     AdminAction = "edit_server"
	ActionDeleteServer   AdminAction = "delete_server"
	ActionToggleServer   AdminAction = "toggle_server"
	ActionRescanServer   AdminAction = "rescan_server"
	ActionRegisterAgent  AdminAction = "register_agent"
	ActionEditAgent      AdminAction = "edit_agent"
	ActionDeleteAgent    AdminAction = "delete_agent"
	ActionToggleAgent    AdminAction = "toggle_agent"
	ActionRate           AdminAction = "rate"
	ActionViewAudit      AdminAction = "view_audit"
	ActionReloadPolicy   AdminAction = "reload_policy"
)

// MCPCall is a proxied MCP request to authorize.
type MCPCall struct {
	ServerPath string
	Method     string
	Tool       string // set when Method == "tools/call"
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow  bool
	Reason string // set when Allow is false
}

var allow = Decision{Allow: true}

func deny(reason string) Decision {
	return Decision{Allow: false, Reason: reason}
}

// Engine evaluates requests against policy snapshots.
type Engine struct {
	logger *zap.SugaredLogger
}

// NewEngine creates an authorization engine.
func NewEngine(logger *zap.SugaredLogger) *Engine {
	return &Engine{logger: logger}
}

// AuthorizeMCP decides an MCP call. Scopes are additive: any matching rule
// grants access, and wildcards never override exact rules because union
// semantics make every match sufficient. Absence of any match denies.
func (e *Engine) AuthorizeMCP(policy *scopes.Policy, identity *auth.Identity, call MCPCall) Decision {
	callerScopes := e.resolveScopes(policy, identity)
	rules := policy.RulesForScopes(callerScopes)

	serverMatched := false
	methodMatched := false
	for _, rule := range rules {
		if !scopes.IsWildcard(rule.Server) && rule.Server != call.ServerPath {
			continue
		}
		serverMatched = true

		if !scopes.ListMatches(rule.Methods, call.Method) {
			continue
		}
		methodMatched = true

		if call.Method == methodToolsCall {
			if !scopes.ListMatches(rule.Tools, call.Tool) {
				continue
			}
		}
		return allow
	}

	switch {
	case serverMatched && methodMatched:
		return deny(ReasonToolNotPermitted)
	case serverMatched:
		return deny(ReasonMethodNotPermitted)
	default:
		return deny(ReasonNoMatchingRule)
	}
}

// AuthorizeAdmin decides an admin action. Rating is open to any
// authenticated caller; everything else needs the registry-admins scope.
func (e *Engine) AuthorizeAdmin(policy *scopes.Policy, identity *auth.Identity, action AdminAction) Decision {
	if action == ActionRate {
		return allow
	}
	callerScopes := e.resolveScopes(policy, identity)
	for _, scope := range callerScopes {
		if scope == scopes.AdminScope {
			return allow
		}
	}
	return deny(ReasonNotAdmin)
}

// AgentVerb names an agent_scopes permission list.
type AgentVerb string

const (
	AgentVerbList    AgentVerb = "list_agents"
	AgentVerbGet     AgentVerb = "get_agent"
	AgentVerbPublish AgentVerb = "publish_agent"
	AgentVerbModify  AgentVerb = "modify_agent"
	AgentVerbDelete  AgentVerb = "delete_agent"
)

// AuthorizeAgent decides an agent operation against agent_scopes. Admins
// pass unconditionally.
func (e *Engine) AuthorizeAgent(policy *scopes.Policy, identity *auth.Identity, verb AgentVerb, agentPath string) Decision {
	callerScopes := e.resolveScopes(policy, identity)
	for _, scope := range callerScopes {
		if scope == scopes.AdminScope {
			return allow
		}
		agentScope, ok := policy.AgentScopes[scope]
		if !ok {
			continue
		}
		var list []string
		switch verb {
		case AgentVerbList:
			list = agentScope.ListAgents
		case AgentVerbGet:
			list = agentScope.GetAgent
		case AgentVerbPublish:
			list = agentScope.PublishAgent
		case AgentVerbModify:
			list = agentScope.ModifyAgent
		case AgentVerbDelete:
			list = agentScope.DeleteAgent
		}
		if scopes.ListMatches(list, agentPath) {
			return allow
		}
	}
	return deny(ReasonNoMatchingRule)
}

// VisibleServers filters server paths down to those the caller may see.
// Listing is a filtered view, not an allow/deny decision.
func (e *Engine) VisibleServers(policy *scopes.Policy, identity *auth.Identity, paths []string) []string {
	return e.filterVisible(policy, identity, paths, func(ui scopes.UIScope) []string {
		return ui.VisibleServers
	})
}

// VisibleAgents filters agent paths down to those the caller may see.
func (e *Engine) VisibleAgents(policy *scopes.Policy, identity *auth.Identity, paths []string) []string {
	return e.filterVisible(policy, identity, paths, func(ui scopes.UIScope) []string {
		return ui.VisibleAgents
	})
}

// IsServerVisible reports whether a single server path is visible.
func (e *Engine) IsServerVisible(policy *scopes.Policy, identity *auth.Identity, path string) bool {
	visible := e.VisibleServers(policy, identity, []string{path})
	return len(visible) == 1
}

// IsAgentVisible reports whether a single agent path is visible.
func (e *Engine) IsAgentVisible(policy *scopes.Policy, identity *auth.Identity, path string) bool {
	visible := e.VisibleAgents(policy, identity, []string{path})
	return len(visible) == 1
}

func (e *Engine) filterVisible(policy *scopes.Policy, identity *auth.Identity, paths []string, pick func(scopes.UIScope) []string) []string {
	callerScopes := e.resolveScopes(policy, identity)

	isAdmin := false
	var lists [][]string
	for _, scope := range callerScopes {
		if scope == scopes.AdminScope {
			isAdmin = true
			break
		}
		if ui, ok := policy.UIScopes[scope]; ok {
			lists = append(lists, pick(ui))
		}
	}

	visible := make([]string, 0, len(paths))
	for _, path := range paths {
		if isAdmin {
			visible = append(visible, path)
			continue
		}
		for _, list := range lists {
			if scopes.ListMatches(list, path) {
				visible = append(visible, path)
				break
			}
		}
	}
	return visible
}

// resolveScopes maps the identity's groups to scopes, logging dropped
// unknown groups.
func (e *Engine) resolveScopes(policy *scopes.Policy, identity *auth.Identity) []string {
	if identity == nil {
		return nil
	}
	callerScopes, unknown := policy.ScopesForGroups(identity.Groups)
	if len(unknown) > 0 && e.logger != nil {
		e.logger.Warnw("Dropping unknown groups", "subject", identity.Subject, "groups", unknown)
	}
	return callerScopes
}
