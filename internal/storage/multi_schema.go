// To keep the engine generic, the TableSpec types need to live in a place both multitable and backend packages can import without circular deps.
package storage

import (
	"fmt"
	"strings"
)

// ColumnType is the logical type of a discovered attribute column. Each
// backend maps it onto a concrete SQL type.
type ColumnType string

const (
	TypeData ColumnType = "data" // numeric
	TypeText ColumnType = "text"
	TypeBool ColumnType = "bool"
)

// KeyKind selects how a table's key column behaves.
type KeyKind string

const (
	// KeyGenerated is a surrogate primary key assigned by the sink on insert.
	KeyGenerated KeyKind = "generated"
	// KeyReference is a non-unique, indexed reference to a generated key.
	KeyReference KeyKind = "reference"
)

// KeyColumn is the name of the key column in both generated tables.
const KeyColumn = "id"

type TableSpec struct {
	Name    string       `json:"name"`
	Key     KeySpec      `json:"key"`
	Columns []ColumnSpec `json:"columns"`
}

type KeySpec struct {
	Name string  `json:"name"`
	Kind KeyKind `json:"kind"`
}

type ColumnSpec struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// ColumnNames returns the value column names in table order (key excluded).
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// ColumnTypes returns the value column types in table order (key excluded).
func (t TableSpec) ColumnTypes() []ColumnType {
	out := make([]ColumnType, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Type)
	}
	return out
}

// IndexName is the name of the secondary index on a reference key column.
func (t TableSpec) IndexName() string {
	return t.Name + "index"
}

// Validate rejects specs that no backend could create. Column names are
// compared case-insensitively because most SQL dialects fold identifiers.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if strings.TrimSpace(t.Key.Name) == "" {
		return fmt.Errorf("table %s: key column name is empty", t.Name)
	}
	switch t.Key.Kind {
	case KeyGenerated, KeyReference:
	default:
		return fmt.Errorf("table %s: unsupported key kind %q", t.Name, t.Key.Kind)
	}

	seen := map[string]struct{}{strings.ToLower(t.Key.Name): {}}
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("table %s: empty column name", t.Name)
		}
		switch c.Type {
		case TypeData, TypeText, TypeBool:
		default:
			return fmt.Errorf("table %s: column %s: unsupported type %q", t.Name, c.Name, c.Type)
		}
		k := strings.ToLower(c.Name)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// TypeMap maps logical column types and key kinds onto dialect SQL types.
type TypeMap struct {
	Data string
	Text string
	Bool string

	GeneratedKey string
	ReferenceKey string
}

func (m TypeMap) Column(t ColumnType) string {
	switch t {
	case TypeText:
		return m.Text
	case TypeBool:
		return m.Bool
	default:
		return m.Data
	}
}

func (m TypeMap) Key(k KeyKind) string {
	if k == KeyGenerated {
		return m.GeneratedKey
	}
	return m.ReferenceKey
}
