// Package schema discovers the column sets of the context and event tables
// from a trace.
package schema

import (
	"strings"

	"statevsql/internal/storage"
)

// Attribute name prefixes selecting a column type. Unprefixed names take the
// table's default type.
const (
	TextPrefix = "$"
	BoolPrefix = "?"
)

// Registry maps attribute names to dense column indexes in first-seen order.
// It is built during discovery and read-only afterwards.
type Registry struct {
	index map[string]int
	names []string
}

func NewRegistry() *Registry {
	return &Registry{index: map[string]int{}}
}

// Add registers name and returns its index. A known name keeps its index.
func (r *Registry) Add(name string) int {
	if i, ok := r.index[name]; ok {
		return i
	}
	i := len(r.names)
	r.index[name] = i
	r.names = append(r.names, name)
	return i
}

// Index returns the column index of name.
func (r *Registry) Index(name string) (int, bool) {
	i, ok := r.index[name]
	return i, ok
}

func (r *Registry) Len() int { return len(r.names) }

// Names returns the raw attribute names (prefixes kept) in column order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Columns returns one column per attribute, typed by prefix, with def for
// unprefixed names.
func (r *Registry) Columns(def storage.ColumnType) []storage.ColumnSpec {
	out := make([]storage.ColumnSpec, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, storage.ColumnSpec{Name: ColumnName(n), Type: TypeOf(n, def)})
	}
	return out
}

// TypeOf returns the column type an attribute name selects.
func TypeOf(name string, def storage.ColumnType) storage.ColumnType {
	switch {
	case strings.HasPrefix(name, TextPrefix):
		return storage.TypeText
	case strings.HasPrefix(name, BoolPrefix):
		return storage.TypeBool
	default:
		return def
	}
}

// ColumnName strips the type prefix from an attribute name.
func ColumnName(name string) string {
	if strings.HasPrefix(name, TextPrefix) || strings.HasPrefix(name, BoolPrefix) {
		return name[1:]
	}
	return name
}
