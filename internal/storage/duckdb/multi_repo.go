package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"statevsql/internal/storage"
)

// MultiRepo writes the tables into a DuckDB file (":memory:" when no file is
// given through the DSN).
//
// DuckDB has no serial type. Context keys come from a per-table sequence
// ("<table>_id_seq") used as the column default, read back with RETURNING.
// In update mode the sequence survives with the table, so ids keep growing.
type MultiRepo struct {
	db     *sql.DB
	update bool
	tx     *sql.Tx

	insertSQL map[string]string
}

const maxParams = 30000

var duckTypes = storage.TypeMap{
	Data:         "DOUBLE",
	Text:         "VARCHAR",
	Bool:         "BOOLEAN",
	ReferenceKey: "BIGINT NOT NULL",
	// GeneratedKey is built per table because it names the sequence.
}

func init() {
	storage.RegisterMulti("duckdb", NewMulti)
}

// NewMulti opens the DuckDB database. Conn.Database names the file when DSN
// is empty; one of the two is required.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		path = strings.TrimSpace(cfg.Conn.Database)
	}
	if path == "" {
		return nil, fmt.Errorf("duckdb: have to specify database (file-)name")
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}
	return &MultiRepo{db: db, update: cfg.Update, insertSQL: map[string]string{}}, nil
}

func (r *MultiRepo) Close() {
	if r.tx != nil {
		_ = r.tx.Rollback()
		r.tx = nil
	}
	_ = r.db.Close()
}

func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return err
		}
	}

	if !r.update {
		for i := len(tables) - 1; i >= 0; i-- {
			for _, stmt := range buildDropSQL(tables[i]) {
				if _, err := r.db.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("drop %s: %w", tables[i].Name, err)
				}
			}
		}
	}

	for _, t := range tables {
		for _, stmt := range buildCreateSQL(t) {
			if _, err := r.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

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
	var id int64
	if err := tx.QueryRowContext(ctx, q, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table.Name, err)
	}
	return id, nil
}

func (r *MultiRepo) InsertFactRows(ctx context.Context, table storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	for _, chunk := range storage.ChunkRows(rows, len(table.Columns)+1, maxParams) {
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
		return nil, fmt.Errorf("duckdb: begin tx: %w", err)
	}
	r.tx = tx
	return tx, nil
}

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func seqName(t storage.TableSpec) string {
	return t.Name + "_" + t.Key.Name + "_seq"
}

func buildDropSQL(t storage.TableSpec) []string {
	out := []string{fmt.Sprintf("DROP TABLE IF EXISTS %s;", ident(t.Name))}
	if t.Key.Kind == storage.KeyGenerated {
		out = append(out, fmt.Sprintf("DROP SEQUENCE IF EXISTS %s;", ident(seqName(t))))
	}
	return out
}

func buildCreateSQL(t storage.TableSpec) []string {
	var out []string
	keyType := duckTypes.Key(t.Key.Kind)
	if t.Key.Kind == storage.KeyGenerated {
		out = append(out, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s START 1;", ident(seqName(t))))
		keyType = fmt.Sprintf("BIGINT PRIMARY KEY DEFAULT nextval('%s')", strings.ReplaceAll(seqName(t), "'", "''"))
	}

	defs := []string{fmt.Sprintf("%s %s", ident(t.Key.Name), keyType)}
	for _, c := range t.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", ident(c.Name), duckTypes.Column(c.Type)))
	}
	out = append(out, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", ident(t.Name), strings.Join(defs, ", ")))

	if t.Key.Kind == storage.KeyReference {
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			ident(t.IndexName()), ident(t.Name), ident(t.Key.Name)))
	}
	return out
}

func buildInsertContextSQL(t storage.TableSpec) string {
	if len(t.Columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", ident(t.Name), ident(t.Key.Name))
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = ident(c.Name)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		ident(t.Name),
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		ident(t.Key.Name),
	)
}

func buildInsertFactSQL(t storage.TableSpec, rows [][]any) (string, []any) {
	cols := []string{ident(t.Key.Name)}
	for _, c := range t.Columns {
		cols = append(cols, ident(c.Name))
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", ident(t.Name), strings.Join(cols, ", "))
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, row...)
	}
	return b.String(), args
}
