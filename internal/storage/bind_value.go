package storage

import (
	"strconv"
	"strings"
)

// BindValue converts a raw trace value into the bind argument for a column of
// type t.
//
// Trace values are untyped strings. Backends must not assume a particular
// underlying type beyond what this helper produces:
//   - nil stays nil (SQL NULL).
//   - TypeData: float64 when the value parses as a number, else the string.
//   - TypeBool: bool for the usual spellings (1/0, true/false, yes/no, on/off),
//     else the string.
//   - TypeText: the string unchanged.
//
// Values that do not convert are passed through so that lenient backends
// (SQLite's type affinity) keep them and strict ones report the write error.
func BindValue(t ColumnType, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}

	switch t {
	case TypeData:
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
		return s
	case TypeBool:
		if b, ok := parseBool(s); ok {
			return b
		}
		return s
	default:
		return s
	}
}

// BindRow converts vals column-by-column into dst, which must have the same
// length as types.
func BindRow(types []ColumnType, vals []any, dst []any) {
	for i, t := range types {
		dst[i] = BindValue(t, vals[i])
	}
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, true
	case "0", "f", "false", "n", "no", "off":
		return false, true
	}
	return false, false
}
