package reqcontext

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidRequestID(t *testing.T) {
	assert.True(t, IsValidRequestID("abc-123_XYZ"))
	assert.False(t, IsValidRequestID(""))
	assert.False(t, IsValidRequestID("has spaces"))
	assert.False(t, IsValidRequestID("semi;colon"))
	assert.True(t, IsValidRequestID(strings.Repeat("a", MaxRequestIDLength)))
	assert.False(t, IsValidRequestID(strings.Repeat("a", MaxRequestIDLength+1)))
}

func TestGetOrGenerateRequestID(t *testing.T) {
	assert.Equal(t, "client-supplied-1", GetOrGenerateRequestID("client-supplied-1"))

	generated := GetOrGenerateRequestID("not valid!")
	assert.True(t, IsValidRequestID(generated))
	assert.NotEqual(t, GetOrGenerateRequestID("bad id"), GetOrGenerateRequestID("bad id"))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", GetRequestID(ctx))
	assert.Equal(t, "", GetRequestID(context.Background()))
}
