package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDescription(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ParsedDescription
	}{
		{
			name: "plain text",
			raw:  "Fetch the current stock quote.",
			want: ParsedDescription{Main: "Fetch the current stock quote."},
		},
		{
			name: "empty",
			raw:  "",
			want: ParsedDescription{},
		},
		{
			name: "all sections",
			raw: `Fetch the current stock quote.

Args:
    ticker: The stock symbol.

Returns:
    The latest price as a float.

Raises:
    ValueError: If the ticker is unknown.`,
			want: ParsedDescription{
				Main:    "Fetch the current stock quote.",
				Args:    "ticker: The stock symbol.",
				Returns: "The latest price as a float.",
				Raises:  "ValueError: If the ticker is unknown.",
			},
		},
		{
			name: "args only",
			raw:  "Do the thing.\n\nArgs:\n    x: first input",
			want: ParsedDescription{Main: "Do the thing.", Args: "x: first input"},
		},
		{
			name: "sections out of canonical order",
			raw:  "Summary.\n\nReturns:\n    a value\n\nArgs:\n    y: input",
			want: ParsedDescription{Main: "Summary.", Returns: "a value", Args: "y: input"},
		},
		{
			name: "marker with no main text",
			raw:  "Args:\n    z: only args",
			want: ParsedDescription{Args: "z: only args"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDescription(tt.raw))
		})
	}
}

func TestHeaderTemplateExpand(t *testing.T) {
	t.Setenv("QUOTE_API_KEY", "sekrit")

	h := HeaderTemplate{Name: "X-API-Key", Value: "Bearer ${QUOTE_API_KEY}"}
	assert.Equal(t, "Bearer sekrit", h.Expand())

	unset := HeaderTemplate{Name: "X-Other", Value: "${DEFINITELY_NOT_SET_12345}"}
	assert.Equal(t, "", unset.Expand())

	literal := HeaderTemplate{Name: "Accept", Value: "application/json"}
	assert.Equal(t, "application/json", literal.Expand())
}
