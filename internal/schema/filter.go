package schema

import (
	"fmt"
	"regexp"
)

// Filter decides which event attributes make it into the event table.
type Filter interface {
	Match(name string) bool
}

// AcceptAll is the default filter.
type AcceptAll struct{}

func (AcceptAll) Match(string) bool { return true }

// Pattern matches attribute names against a regular expression anchored at
// the start of the name (not the end): "cl" accepts "clicks".
type Pattern struct {
	re *regexp.Regexp
}

func (p Pattern) Match(name string) bool { return p.re.MatchString(name) }

func (p Pattern) String() string { return p.re.String() }

// CompileFilter returns AcceptAll for an empty expression, else a Pattern.
func CompileFilter(expr string) (Filter, error) {
	if expr == "" {
		return AcceptAll{}, nil
	}
	re, err := regexp.Compile(`^(?:` + expr + `)`)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	return Pattern{re: re}, nil
}
