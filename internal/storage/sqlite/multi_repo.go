package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"statevsql/internal/storage"
)

// MultiRepo implements storage.MultiRepository for SQLite.
//
// Key design points vs Postgres:
//   - The generated key is declared "integer primary key", which makes it the
//     rowid; ids come from LastInsertId and start at 1 in an empty table.
//   - SQLite has no boolean type; bool columns are "int" and the driver binds
//     Go bools as 0/1.
//   - Column affinity is lenient: a non-numeric value in a "double" column is
//     stored as text instead of failing the run.
//   - All inserts of a run share one transaction, committed by Commit.
type MultiRepo struct {
	db     *sql.DB
	update bool
	tx     *sql.Tx

	// insertSQL caches the per-table INSERT statement text.
	insertSQL map[string]string
}

// maxParams is SQLite's SQLITE_MAX_VARIABLE_NUMBER for the bundled library.
const maxParams = 32766

var sqliteTypes = storage.TypeMap{
	Data:         "double",
	Text:         "text",
	Bool:         "int",
	GeneratedKey: "integer primary key",
	ReferenceKey: "int",
}

func init() {
	storage.RegisterMulti("sqlite", NewMulti)
	storage.RegisterMulti("sqlite3", NewMulti)
}

// NewMulti opens (or creates) the SQLite database file.
//
// The DSN is either cfg.DSN or the database file name from cfg.Conn; one of
// them is required.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; the run's transaction lives on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MultiRepo{db: db, update: cfg.Update, insertSQL: map[string]string{}}, nil
}

func dsnFromConfig(cfg storage.MultiConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn, nil
	}
	if name := strings.TrimSpace(cfg.Conn.Database); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("sqlite: have to specify database (file-)name")
}

func (r *MultiRepo) Close() {
	if r.tx != nil {
		_ = r.tx.Rollback()
		r.tx = nil
	}
	_ = r.db.Close()
}

// EnsureTables (re)creates the tables and the reference-key indexes.
//
// Without update mode, existing tables are dropped first so a run always
// starts from empty tables.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return err
		}
	}

	if !r.update {
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := r.db.ExecContext(ctx, buildDropTableSQL(tables[i])); err != nil {
				return fmt.Errorf("drop table %s: %w", tables[i].Name, err)
			}
		}
	}

	for _, t := range tables {
		if _, err := r.db.ExecContext(ctx, buildCreateTableSQL(t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		if t.Key.Kind == storage.KeyReference {
			if _, err := r.db.ExecContext(ctx, buildCreateIndexSQL(t)); err != nil {
				return fmt.Errorf("create index %s: %w", t.IndexName(), err)
			}
		}
	}
	return nil
}

// InsertContextRow inserts one row and returns its rowid.
func (r *MultiRepo) InsertContextRow(ctx context.Context, table storage.TableSpec, values []any) (int64, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}

	q, ok := r.insertSQL[table.Name]
	if !ok {
		q = buildInsertContextSQL(table)
		r.insertSQL[table.Name] = q
	}

	res, err := tx.ExecContext(ctx, q, values...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert into %s: last insert id: %w", table.Name, err)
	}
	return id, nil
}

// InsertFactRows performs chunked multi-row inserts inside the run's
// transaction.
func (r *MultiRepo) InsertFactRows(ctx context.Context, table storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	width := len(table.Columns) + 1
	for _, chunk := range storage.ChunkRows(rows, width, maxParams) {
		q, args := buildInsertFactSQL(table, chunk)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return affected, fmt.Errorf("insert into %s: %w", table.Name, err)
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	return affected, nil
}

func (r *MultiRepo) Commit(ctx context.Context) error {
	if r.tx == nil {
		return nil
	}
	err := r.tx.Commit()
	r.tx = nil
	return err
}

func (r *MultiRepo) begin(ctx context.Context) (*sql.Tx, error) {
	if r.tx != nil {
		return r.tx, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	r.tx = tx
	return tx, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildDropTableSQL(t storage.TableSpec) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s;", sqlIdent(t.Name))
}

func buildCreateTableSQL(t storage.TableSpec) string {
	parts := make([]string, 0, len(t.Columns)+1)
	parts = append(parts, fmt.Sprintf("%s %s", sqlIdent(t.Key.Name), sqliteTypes.Key(t.Key.Kind)))
	for _, c := range t.Columns {
		parts = append(parts, fmt.Sprintf("%s %s", sqlIdent(c.Name), sqliteTypes.Column(c.Type)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  "))
}

func buildCreateIndexSQL(t storage.TableSpec) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s);",
		sqlIdent(t.IndexName()), sqlIdent(t.Name), sqlIdent(t.Key.Name))
}

// buildInsertContextSQL builds the single-row insert for a generated-key
// table. A table without value columns still gets a row (DEFAULT VALUES).
func buildInsertContextSQL(t storage.TableSpec) string {
	if len(t.Columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", sqlIdent(t.Name))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqlIdent(t.Name),
		joinIdentList(t.ColumnNames()),
		strings.TrimRight(strings.Repeat("?,", len(t.Columns)), ","),
	)
}

// buildInsertFactSQL builds a multi-row insert: key column first, then the
// value columns, matching the row layout produced by the engine.
func buildInsertFactSQL(t storage.TableSpec, rows [][]any) (string, []any) {
	cols := append([]string{t.Key.Name}, t.ColumnNames()...)
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(cols)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}
	return b.String(), args
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}
