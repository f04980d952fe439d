package scopes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validPolicyYAML = `
group_mappings:
  devs: [fin-users]
  admins: [registry-admins]
ui_scopes:
  fin-users:
    visible_servers: ["/fin"]
    visible_agents: ["/agents/research"]
  registry-admins:
    visible_servers: ["*"]
    visible_agents: ["*"]
mcp_server_scopes:
  fin-users:
    - server: /fin
      methods: [initialize, tools/list, tools/call]
      tools: [get_quote]
  registry-admins:
    - server: "*"
      methods: ["*"]
      tools: ["*"]
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scopes.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScopesForGroups(t *testing.T) {
	policy := &Policy{
		GroupMappings: map[string][]string{
			"devs":   {"fin-users"},
			"ops":    {"fin-users", "hr-users"},
			"admins": {"registry-admins"},
		},
	}

	scopes, unknown := policy.ScopesForGroups([]string{"devs", "ops", "ghosts"})
	assert.Equal(t, []string{"fin-users", "hr-users"}, scopes)
	assert.Equal(t, []string{"ghosts"}, unknown)

	scopes, unknown = policy.ScopesForGroups(nil)
	assert.Empty(t, scopes)
	assert.Empty(t, unknown)
}

func TestListMatches(t *testing.T) {
	assert.True(t, ListMatches([]string{"/fin", "/hr"}, "/fin"))
	assert.False(t, ListMatches([]string{"/fin"}, "/hr"))
	assert.True(t, ListMatches([]string{"*"}, "/anything"))
	assert.True(t, ListMatches([]string{"all"}, "/anything"))
	assert.True(t, ListMatches([]string{"All"}, "/anything"))
	assert.False(t, ListMatches(nil, "/fin"))
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr string
	}{
		{
			name: "unknown scope target",
			policy: Policy{
				GroupMappings: map[string][]string{"devs": {"nonexistent"}},
			},
			wantErr: "unknown scope",
		},
		{
			name: "empty mapping",
			policy: Policy{
				GroupMappings: map[string][]string{"devs": {}},
			},
			wantErr: "maps to no scopes",
		},
		{
			name: "rule without server",
			policy: Policy{
				MCPServerScopes: map[string][]AccessRule{
					"fin-users": {{Methods: []string{"initialize"}}},
				},
			},
			wantErr: "server cannot be empty",
		},
		{
			name: "rule without methods",
			policy: Policy{
				MCPServerScopes: map[string][]AccessRule{
					"fin-users": {{Server: "/fin"}},
				},
			},
			wantErr: "methods cannot be empty",
		},
		{
			name: "duplicate rule",
			policy: Policy{
				MCPServerScopes: map[string][]AccessRule{
					"fin-users": {
						{Server: "/fin", Methods: []string{"initialize"}},
						{Server: "/fin", Methods: []string{"initialize"}},
					},
				},
			},
			wantErr: "duplicate rule",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoaderInitialLoad(t *testing.T) {
	path := writePolicy(t, validPolicyYAML)
	loader, err := NewLoader(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	policy := loader.Snapshot()
	require.NotNil(t, policy)
	assert.Contains(t, policy.GroupMappings, "devs")
	assert.Len(t, policy.MCPServerScopes["fin-users"], 1)
}

func TestLoaderRejectsInvalidInitialPolicy(t *testing.T) {
	path := writePolicy(t, "group_mappings:\n  devs: [nonexistent]\n")
	_, err := NewLoader(path, zap.NewNop().Sugar())
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "group_mappings.devs", verrs[0].Field)
}

func TestLoaderFlagsUnusablePolicyFile(t *testing.T) {
	logger := zap.NewNop().Sugar()

	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yml"), logger)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoadFailed)

	path := writePolicy(t, "{not yaml")
	_, err = NewLoader(path, logger)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoadFailed)

	// Validation failures are a separate class of error.
	path = writePolicy(t, "group_mappings:\n  devs: [nonexistent]\n")
	_, err = NewLoader(path, logger)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLoadFailed)
}

func TestReloadKeepsPreviousSnapshotOnFailure(t *testing.T) {
	path := writePolicy(t, validPolicyYAML)
	loader, err := NewLoader(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	before := loader.Snapshot()

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	assert.Error(t, loader.Reload())
	assert.Same(t, before, loader.Snapshot())

	require.NoError(t, os.WriteFile(path, []byte(validPolicyYAML), 0o644))
	require.NoError(t, loader.Reload())
	assert.NotSame(t, before, loader.Snapshot())
}
