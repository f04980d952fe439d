package registry

import (
	"os"
	"sort"
	"strings"
)

// sectionMarkers are the docstring section headers recognized inside tool
// descriptions.
var sectionMarkers = []struct {
	marker string
	assign func(*ParsedDescription, string)
}{
	{"Args:", func(p *ParsedDescription, s string) { p.Args = s }},
	{"Returns:", func(p *ParsedDescription, s string) { p.Returns = s }},
	{"Raises:", func(p *ParsedDescription, s string) { p.Raises = s }},
}

// ParseDescription splits a raw tool description into its documented
// sections. Text before the first marker becomes Main; text with no markers
// is all Main.
func ParseDescription(raw string) ParsedDescription {
	parsed := ParsedDescription{}
	text := strings.TrimSpace(raw)

	type section struct {
		pos    int
		length int
		assign func(*ParsedDescription, string)
	}
	var sections []section
	for i := range sectionMarkers {
		if pos := strings.Index(text, sectionMarkers[i].marker); pos >= 0 {
			sections = append(sections, section{pos, len(sectionMarkers[i].marker), sectionMarkers[i].assign})
		}
	}
	if len(sections) == 0 {
		parsed.Main = text
		return parsed
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].pos < sections[j].pos })

	parsed.Main = strings.TrimSpace(text[:sections[0].pos])
	for i, sec := range sections {
		end := len(text)
		if i+1 < len(sections) {
			end = sections[i+1].pos
		}
		sec.assign(&parsed, strings.TrimSpace(text[sec.pos+sec.length:end]))
	}
	return parsed
}

// Expand resolves ${ENV_VAR} references in the header value against the
// process environment. Unset variables expand to the empty string.
func (h HeaderTemplate) Expand() string {
	return os.Expand(h.Value, func(name string) string {
		return os.Getenv(name)
	})
}
