package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MultiConfig is the minimal configuration needed to create a sink.
//
// When to use:
//   - Use MultiConfig when constructing a MultiRepository via NewMulti.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN wins over Conn when both are set. When DSN is empty, each backend
//     builds one from Conn and fails if the identifying parameter (the
//     database name or file) is missing.
//   - Update keeps existing tables; otherwise EnsureTables drops them first.
type MultiConfig struct {
	Kind   string
	DSN    string
	Conn   ConnParams
	Update bool
}

// ConnParams are the discrete connection parameters accepted on the command
// line. Backends ignore the fields that make no sense for them.
type ConnParams struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// MultiRepository is the relational sink the conversion engine writes into.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the engine needs. Each backend implements these semantics in its
// own idiomatic way (RETURNING, OUTPUT INSERTED, LastInsertId, or ids
// synthesized by the adapter).
type MultiRepository interface {
	// Close releases any backend resources (connections, open transactions).
	// An uncommitted transaction is rolled back.
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()

	// EnsureTables creates the tables (and the reference-key index). Unless the
	// repository was opened in update mode, existing tables with the same names
	// are dropped first.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// InsertContextRow inserts one row into a table with a generated key and
	// returns the new key. The returned id must be usable as a reference in
	// subsequent InsertFactRows calls before Commit.
	InsertContextRow(ctx context.Context, table TableSpec, values []any) (int64, error)

	// InsertFactRows inserts rows into a table with a reference key. Each row
	// holds the key followed by one value per table column.
	InsertFactRows(ctx context.Context, table TableSpec, rows [][]any) (int64, error)

	// Commit durably persists all prior inserts.
	Commit(ctx context.Context) error
}

type multiFactory func(ctx context.Context, cfg MultiConfig) (MultiRepository, error)

var (
	multiMu        sync.RWMutex
	multiFactories = map[string]multiFactory{}
)

// RegisterMulti registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call RegisterMulti from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by NewMulti.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func RegisterMulti(kind string, f multiFactory) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterMulti called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterMulti called with nil factory")
	}
	if _, exists := multiFactories[kind]; exists {
		panic(fmt.Sprintf("storage: multi factory already registered for kind=%q", kind))
	}

	multiFactories[kind] = f
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	multiMu.RLock()
	defer multiMu.RUnlock()

	out := make([]string, 0, len(multiFactories))
	for k := range multiFactories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NewMulti constructs a MultiRepository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported; the error lists
//     the kinds on offer.
//   - Returns whatever error the registered factory returns.
func NewMulti(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing multi.Kind")
	}

	multiMu.RLock()
	f := multiFactories[cfg.Kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (we offer: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, cfg)
}

// ChunkRows splits rows so that no chunk binds more than maxParams
// parameters. Every chunk holds at least one row.
func ChunkRows(rows [][]any, width int, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := len(rows)
	if width > 0 && maxParams > 0 {
		per = maxParams / width
		if per < 1 {
			per = 1
		}
	}

	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
