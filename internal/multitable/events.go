package multitable

import (
	"statevsql/internal/schema"
	"statevsql/internal/storage"
)

// eventBuffer accumulates the attributes of the event row under
// construction. A row is complete when a key repeats, when the context
// changes, or at the end of the input.
type eventBuffer struct {
	reg    *schema.Registry
	types  []storage.ColumnType
	values []any
	filled int
}

func newEventBuffer(reg *schema.Registry, types []storage.ColumnType) *eventBuffer {
	return &eventBuffer{
		reg:    reg,
		types:  types,
		values: make([]any, reg.Len()),
	}
}

// slot returns the column index of key, or false for keys the filter
// rejected during discovery.
func (b *eventBuffer) slot(key string) (int, bool) {
	return b.reg.Index(key)
}

func (b *eventBuffer) isSet(slot int) bool { return b.values[slot] != nil }

func (b *eventBuffer) set(slot int, value string) {
	if b.values[slot] == nil {
		b.filled++
	}
	b.values[slot] = value
}

func (b *eventBuffer) empty() bool { return b.filled == 0 }

// take moves the buffered values into a pooled row keyed by id and resets
// the buffer. It returns nil when the buffer is empty so that all-null rows
// are never written.
func (b *eventBuffer) take(id int64, line int) *Row {
	if b.empty() {
		return nil
	}
	r := GetRow(len(b.values) + 1)
	r.V[0] = id
	r.Line = line
	storage.BindRow(b.types, b.values, r.V[1:])
	for i := range b.values {
		b.values[i] = nil
	}
	b.filled = 0
	return r
}
