// Package registration normalizes UK vehicle registration marks and checks
// them against a table of known plate formats before any remote lookup.
package registration

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is one recognized plate format. Expr is matched against the whole
// cleaned registration, so it must not carry its own anchors.
type Pattern struct {
	Name string
	Expr string
}

// DefaultPatterns covers the current format, the two older dated formats and
// the Northern Ireland and dateless/cherished styles. Patterns are tried in
// order, so Northern Ireland marks (county code containing I or Z) come before
// the generic letters-first dateless form.
var DefaultPatterns = []Pattern{
	{Name: "current", Expr: `[A-Z]{2}[0-9]{2}[A-Z]{3}`},                   // AB12CDE (2001-)
	{Name: "prefix", Expr: `[A-Z][0-9]{1,3}[A-Z]{3}`},                     // A123BCD (1983-2001)
	{Name: "suffix", Expr: `[A-Z]{3}[0-9]{1,3}[A-Z]`},                     // ABC123D (1963-1983)
	{Name: "northern_ireland", Expr: `[A-Z]?(?:[A-Z]Z|I[A-Z])[0-9]{1,4}`}, // ABZ1234, IA123
	{Name: "dateless_numeric_first", Expr: `[0-9]{1,4}[A-Z]{1,3}`},        // 1234AB
	{Name: "dateless_letters_first", Expr: `[A-Z]{1,3}[0-9]{1,4}`},        // AB1234
}

// Result is the outcome of validating a raw registration.
type Result struct {
	Cleaned string
	IsValid bool
	// Format is the name of the first matching pattern, empty when invalid.
	Format string
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Validator matches cleaned registrations against an ordered pattern table.
type Validator struct {
	patterns []compiledPattern
}

// NewValidator compiles the given patterns. An empty table falls back to
// DefaultPatterns.
func NewValidator(patterns []Pattern) (*Validator, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	v := &Validator{patterns: make([]compiledPattern, 0, len(patterns))}
	for _, p := range patterns {
		expr := strings.TrimSuffix(strings.TrimPrefix(p.Expr, "^"), "$")
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid registration pattern %q: %w", p.Name, err)
		}
		v.patterns = append(v.patterns, compiledPattern{name: p.Name, re: re})
	}
	return v, nil
}

var defaultValidator = mustValidator(DefaultPatterns)

func mustValidator(patterns []Pattern) *Validator {
	v, err := NewValidator(patterns)
	if err != nil {
		panic(err)
	}
	return v
}

// Default returns the validator built from DefaultPatterns.
func Default() *Validator { return defaultValidator }

// Validate checks raw against DefaultPatterns.
func Validate(raw string) Result {
	return defaultValidator.Validate(raw)
}

// Validate cleans raw and reports whether it matches one of the patterns.
func (v *Validator) Validate(raw string) Result {
	cleaned := Clean(raw)
	res := Result{Cleaned: cleaned}
	if cleaned == "" {
		return res
	}
	for _, p := range v.patterns {
		if p.re.MatchString(cleaned) {
			res.IsValid = true
			res.Format = p.name
			return res
		}
	}
	return res
}

// Clean drops every character outside [A-Za-z0-9] and upper-cases the rest.
func Clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	return b.String()
}
