// Package manifest parses the dependency manifest of the packaged service.
//
// The manifest is a requirements file: one package per line with an optional
// version constraint. Only its content digest decides whether the install
// layer is rebuilt, so the parser rejects anything that would pull inputs from
// outside the file (includes, constraint files, index options).
package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrMalformedRequirement = errors.New("malformed requirement")
	ErrUnsupportedOption    = errors.New("unsupported manifest option")
	ErrDuplicatePackage     = errors.New("package listed more than once")
)

// ParseError reports the manifest line that could not be parsed.
type ParseError struct {
	Line    int
	Text    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("manifest line %d: %s: %q", e.Line, e.Message, e.Text)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Types
// =============================================================================

// Specifier is one version clause such as ">=0.30".
type Specifier struct {
	Op      string `json:"op"`
	Version string `json:"version"`
}

func (s Specifier) String() string {
	return s.Op + s.Version
}

// Requirement is one (package name, version constraint) pair.
type Requirement struct {
	Name       string      `json:"name"`
	Extras     []string    `json:"extras,omitempty"`
	Specifiers []Specifier `json:"specifiers,omitempty"`
	Marker     string      `json:"marker,omitempty"`
	Line       int         `json:"line"`
}

// Constraint returns the specifiers joined the way they were declared.
func (r Requirement) Constraint() string {
	parts := make([]string, 0, len(r.Specifiers))
	for _, s := range r.Specifiers {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ",")
}

// Pinned reports whether the requirement fixes one exact version.
func (r Requirement) Pinned() bool {
	return len(r.Specifiers) == 1 && (r.Specifiers[0].Op == "==" || r.Specifiers[0].Op == "===") &&
		!strings.Contains(r.Specifiers[0].Version, "*")
}

// Manifest is a parsed dependency manifest.
type Manifest struct {
	Requirements []Requirement `json:"requirements"`
	Digest       digest.Digest `json:"digest"`
}

// Names returns the normalized package names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

// Unpinned returns the requirements that do not fix an exact version. Builds
// from such manifests may resolve differently over time.
func (m *Manifest) Unpinned() []Requirement {
	var out []Requirement
	for _, r := range m.Requirements {
		if !r.Pinned() {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// Parsing
// =============================================================================

var (
	nameRe      = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	normalizeRe = regexp.MustCompile(`[-_.]+`)
	specRe      = regexp.MustCompile(`^(===|==|!=|~=|<=|>=|<|>)\s*([A-Za-z0-9.*+!_-]+)$`)
)

// Parse parses manifest content. An empty manifest is valid and installs
// nothing.
func Parse(content []byte) (*Manifest, error) {
	m := &Manifest{
		Requirements: []Requirement{},
		Digest:       digest.FromBytes(content),
	}
	seen := make(map[string]int)

	for _, ln := range logicalLines(string(content)) {
		req, err := parseLine(ln.text, ln.number)
		if err != nil {
			return nil, err
		}
		if req == nil {
			continue
		}
		if first, dup := seen[req.Name]; dup {
			return nil, &ParseError{
				Line:    ln.number,
				Text:    ln.text,
				Message: fmt.Sprintf("%s already listed on line %d", req.Name, first),
				Err:     ErrDuplicatePackage,
			}
		}
		seen[req.Name] = ln.number
		m.Requirements = append(m.Requirements, *req)
	}

	return m, nil
}

// NormalizeName lowercases a package name and collapses separator runs.
//
// Example:
//
//	NormalizeName("Foo__Bar.baz") // returns "foo-bar-baz"
func NormalizeName(name string) string {
	return strings.ToLower(normalizeRe.ReplaceAllString(name, "-"))
}

type logicalLine struct {
	text   string
	number int
}

// logicalLines joins backslash continuations and strips comments.
func logicalLines(content string) []logicalLine {
	var out []logicalLine
	var buf strings.Builder
	start := 0

	for i, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, "\r")
		if buf.Len() == 0 {
			start = i + 1
		}
		if strings.HasSuffix(line, "\\") {
			buf.WriteString(strings.TrimSuffix(line, "\\"))
			buf.WriteString(" ")
			continue
		}
		buf.WriteString(line)

		text := stripComment(buf.String())
		buf.Reset()
		if text != "" {
			out = append(out, logicalLine{text: text, number: start})
		}
	}
	if buf.Len() > 0 {
		if text := stripComment(buf.String()); text != "" {
			out = append(out, logicalLine{text: text, number: start})
		}
	}

	return out
}

func stripComment(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return ""
	}
	// Inline comments need leading whitespace, "pkg#frag" is not a comment.
	if idx := strings.Index(trimmed, " #"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if idx := strings.Index(trimmed, "\t#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func parseLine(text string, number int) (*Requirement, error) {
	fail := func(msg string, err error) error {
		return &ParseError{Line: number, Text: text, Message: msg, Err: err}
	}

	if strings.HasPrefix(text, "-") {
		return nil, fail("options are not allowed in the manifest", ErrUnsupportedOption)
	}
	if strings.Contains(text, "://") || strings.Contains(text, " @ ") {
		return nil, fail("direct references are not allowed in the manifest", ErrUnsupportedOption)
	}

	req := &Requirement{Line: number}

	body := text
	if idx := strings.Index(body, ";"); idx >= 0 {
		req.Marker = strings.TrimSpace(body[idx+1:])
		body = strings.TrimSpace(body[:idx])
		if req.Marker == "" {
			return nil, fail("empty environment marker", ErrMalformedRequirement)
		}
	}

	nameEnd := strings.IndexAny(body, "[<>=!~ (")
	name := body
	rest := ""
	if nameEnd >= 0 {
		name = body[:nameEnd]
		rest = strings.TrimSpace(body[nameEnd:])
	}
	if !nameRe.MatchString(name) {
		return nil, fail("invalid package name", ErrMalformedRequirement)
	}
	req.Name = NormalizeName(name)

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return nil, fail("unterminated extras", ErrMalformedRequirement)
		}
		for _, extra := range strings.Split(rest[1:end], ",") {
			extra = strings.TrimSpace(extra)
			if !nameRe.MatchString(extra) {
				return nil, fail("invalid extra", ErrMalformedRequirement)
			}
			req.Extras = append(req.Extras, NormalizeName(extra))
		}
		rest = strings.TrimSpace(rest[end+1:])
	}

	if strings.HasPrefix(rest, "(") && strings.HasSuffix(rest, ")") {
		rest = strings.TrimSpace(rest[1 : len(rest)-1])
	}

	if rest != "" {
		for _, clause := range strings.Split(rest, ",") {
			match := specRe.FindStringSubmatch(strings.TrimSpace(clause))
			if match == nil {
				return nil, fail("invalid version constraint", ErrMalformedRequirement)
			}
			req.Specifiers = append(req.Specifiers, Specifier{Op: match[1], Version: match[2]})
		}
	}

	return req, nil
}
