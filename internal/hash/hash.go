// Package hash provides SHA-256 helpers used for token cache keys and
// tool change detection.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StringHash computes the SHA-256 hash of a string.
func StringHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// BytesHash computes the SHA-256 hash of a byte slice.
func BytesHash(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// ToolHash computes a hash over (serverPath, toolName, argument schema) for
// change detection. Schema is serialized to JSON for consistent hashing.
func ToolHash(serverPath, toolName string, schema interface{}) (string, error) {
	var schemaBytes []byte
	var err error

	if schema != nil {
		schemaBytes, err = json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("failed to marshal tool schema: %w", err)
		}
	}

	return StringHash(serverPath + toolName + string(schemaBytes)), nil
}

// ComputeToolHash is ToolHash with a deterministic fallback when the schema
// cannot be serialized.
func ComputeToolHash(serverPath, toolName string, schema interface{}) string {
	h, err := ToolHash(serverPath, toolName, schema)
	if err != nil {
		return StringHash(fmt.Sprintf("%s:%s", serverPath, toolName))
	}
	return h
}
