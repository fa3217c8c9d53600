package multitable

import "sync"

// Row is a pooled event row: the context id followed by one bound value per
// event column, in the layout InsertFactRows expects.
//
// Ownership contract:
//   - The engine owns a Row from GetRow until the batch holding it has been
//     written by the sink.
//   - Free must be called only after InsertFactRows returned; sinks do not
//     retain row slices past the call.
type Row struct {
	V    []any
	Line int // trace line that completed the row
}

var rowPool sync.Pool

// GetRow returns a pooled Row with length width. All elements are zeroed.
func GetRow(width int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < width {
			r.V = make([]any, width)
		}
		r.V = r.V[:width]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, width)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}
