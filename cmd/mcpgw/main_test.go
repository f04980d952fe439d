package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcp-gateway/mcpgw-go/internal/scopes"
)

func TestExitCode(t *testing.T) {
	verrs := scopes.ValidationErrors{{Field: "group_mappings.devs", Message: "unknown scope"}}
	assert.Equal(t, 2, exitCode(fmt.Errorf("scope policy invalid: %w", verrs)))
	assert.Equal(t, 2, exitCode(fmt.Errorf("scope policy invalid: %w", scopes.ErrLoadFailed)))
	assert.Equal(t, 1, exitCode(errors.New("gateway stopped")))
}
