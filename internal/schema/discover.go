package schema

import (
	"context"

	"statevsql/internal/trace"
)

// Result is the outcome of the discovery pass.
type Result struct {
	Context *Registry
	Event   *Registry

	// EventLines counts E lines, filtered or not. It only drives progress
	// reporting.
	EventLines int
	// Lines counts operation lines.
	Lines int
	// Malformed counts lines with an odd number of key/value fields.
	Malformed int
}

// Discover scans src once and registers every pushed context key and every
// event key accepted by filter, in first-seen order. Only complete key/value
// pairs are registered; a malformed line is reported through diag and its
// well-formed prefix is used.
func Discover(ctx context.Context, src trace.Source, filter Filter, diag trace.DiagFunc) (*Result, error) {
	if filter == nil {
		filter = AcceptAll{}
	}
	res := &Result{Context: NewRegistry(), Event: NewRegistry()}

	err := src.Scan(ctx, func(l trace.Line) error {
		res.Lines++
		if l.Malformed() {
			res.Malformed++
			diag.Report(trace.Diagnostic{Kind: trace.DiagMalformedLine, Line: l.No, Op: l.Op})
		}

		switch l.Op {
		case trace.OpPush:
			for i := 0; i < l.Pairs(); i++ {
				k, _ := l.Pair(i)
				res.Context.Add(k)
			}
		case trace.OpEvent:
			res.EventLines++
			for i := 0; i < l.Pairs(); i++ {
				k, _ := l.Pair(i)
				if filter.Match(k) {
					res.Event.Add(k)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
