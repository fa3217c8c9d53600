package trace

import "fmt"

// DiagKind classifies a non-fatal problem found in the input.
type DiagKind string

const (
	DiagMalformedLine   DiagKind = "malformed_line"
	DiagUnmatchedPop    DiagKind = "unmatched_pop"
	DiagMissingInput    DiagKind = "missing_input"
	DiagUnclosedContext DiagKind = "unclosed_context"
)

// Diagnostic is a non-fatal problem reported while reading or converting a
// trace. Line is 0 when the problem is not tied to a line.
type Diagnostic struct {
	Kind DiagKind
	Line int
	Op   Op

	// PushKey and PopKey are set for DiagUnmatchedPop.
	PushKey string
	PopKey  string

	// Input names the file for DiagMissingInput.
	Input string
}

func (d Diagnostic) String() string {
	switch d.Kind {
	case DiagMalformedLine:
		return fmt.Sprintf("%d: Invalid number of fields after '%s'", d.Line, d.Op)
	case DiagUnmatchedPop:
		return fmt.Sprintf("unmatched pop in line %d, push key %s, pop key: %s", d.Line, d.PushKey, d.PopKey)
	case DiagMissingInput:
		return fmt.Sprintf("cannot find input file %s", d.Input)
	case DiagUnclosedContext:
		return fmt.Sprintf("context %s still pushed at end of input", d.PushKey)
	}
	return string(d.Kind)
}

// DiagFunc receives diagnostics as they are found. A nil DiagFunc drops them.
type DiagFunc func(Diagnostic)

func (f DiagFunc) Report(d Diagnostic) {
	if f != nil {
		f(d)
	}
}
