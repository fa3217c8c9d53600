package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"statevsql/internal/storage"
)

// MultiRepo implements storage.MultiRepository for Microsoft SQL Server.
//
// Semantics:
//   - Context tables use BIGINT IDENTITY(1,1); the new id comes back through
//     OUTPUT INSERTED.<key>.
//   - Event rows are written with multi-row INSERT ... VALUES, chunked below
//     the 2100 parameter limit of a single request.
//   - DDL is guarded with OBJECT_ID / sys.indexes lookups since SQL Server has
//     no CREATE ... IF NOT EXISTS.
//   - All inserts share one transaction; Close rolls back what was not
//     committed.
type MultiRepo struct {
	db     dbConn
	update bool
	tx     txConn

	insertSQL map[string]string
}

// maxParams stays below SQL Server's 2100 parameters per request.
const maxParams = 2000

var mssqlTypes = storage.TypeMap{
	Data:         "FLOAT",
	Text:         "NVARCHAR(4000)",
	Bool:         "BIT",
	GeneratedKey: "BIGINT IDENTITY(1,1) PRIMARY KEY",
	ReferenceKey: "BIGINT NOT NULL",
}

func init() {
	storage.RegisterMulti("mssql", NewMulti)
}

// NewMulti constructs a MultiRepo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, err
	}
	// The run's transaction holds one connection; DDL may use a second.
	raw.SetMaxOpenConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return newRepo(&sqlDB{db: raw}, cfg.Update), nil
}

func newRepo(db dbConn, update bool) *MultiRepo {
	return &MultiRepo{db: db, update: update, insertSQL: map[string]string{}}
}

// dsnFromConfig returns cfg.DSN or a sqlserver:// URL built from cfg.Conn.
func dsnFromConfig(cfg storage.MultiConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn, nil
	}
	c := cfg.Conn
	if strings.TrimSpace(c.Database) == "" {
		return "", fmt.Errorf("mssql: have to specify database name")
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	if c.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
	u := url.URL{Scheme: "sqlserver", Host: host}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}
	q := url.Values{}
	q.Set("database", c.Database)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Close releases database resources held by this repository.
func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	if r.tx != nil {
		_ = r.tx.Rollback()
		r.tx = nil
	}
	_ = r.db.Close()
}

// EnsureTables creates the tables, dropping existing ones first unless the
// repository runs in update mode.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return err
		}
	}

	if !r.update {
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := r.db.ExecContext(ctx, buildDropTableSQL(tables[i])); err != nil {
				return fmt.Errorf("mssql: drop table %s: %w", tables[i].Name, err)
			}
		}
	}

	for _, t := range tables {
		if _, err := r.db.ExecContext(ctx, buildCreateTableSQL(t)); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
		if t.Key.Kind == storage.KeyReference {
			if _, err := r.db.ExecContext(ctx, buildCreateIndexSQL(t)); err != nil {
				return fmt.Errorf("mssql: create index %s: %w", t.IndexName(), err)
			}
		}
	}
	return nil
}

// InsertContextRow inserts one row and returns its identity value.
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
		return 0, fmt.Errorf("mssql: insert into %s: %w", table.Name, err)
	}
	return id, nil
}

// InsertFactRows inserts key-prefixed rows in parameter-bounded chunks.
func (r *MultiRepo) InsertFactRows(ctx context.Context, table storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}

	columns := append([]string{table.Key.Name}, table.ColumnNames()...)
	var affected int64
	for _, chunk := range storage.ChunkRows(rows, len(columns), maxParams) {
		q, args := buildBulkInsertSQL(table.Name, columns, chunk)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return affected, fmt.Errorf("mssql: insert into %s: %w", table.Name, err)
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

func (r *MultiRepo) begin(ctx context.Context) (txConn, error) {
	if r.tx != nil {
		return r.tx, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin tx: %w", err)
	}
	r.tx = tx
	return tx, nil
}

func buildDropTableSQL(t storage.TableSpec) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;",
		sqlStringLit(t.Name),
		mssqlTableIdent(t.Name),
	)
}

func buildCreateTableSQL(t storage.TableSpec) string {
	defs := make([]string, 0, len(t.Columns)+1)
	defs = append(defs, fmt.Sprintf("%s %s", mssqlIdent(t.Key.Name), mssqlTypes.Key(t.Key.Kind)))
	for _, c := range t.Columns {
		defs = append(defs, fmt.Sprintf("%s %s NULL", mssqlIdent(c.Name), mssqlTypes.Column(c.Type)))
	}
	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", "))
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		sqlStringLit(tableName),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func buildCreateIndexSQL(t storage.TableSpec) string {
	idx := bareName(t.Name) + "index"
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
		sqlStringLit(idx),
		sqlStringLit(t.Name),
		mssqlIdent(idx),
		mssqlTableIdent(t.Name),
		mssqlIdent(t.Key.Name),
	)
}

func buildInsertContextSQL(t storage.TableSpec) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(t.Name))
	if len(t.Columns) == 0 {
		b.WriteString(" OUTPUT INSERTED.")
		b.WriteString(mssqlIdent(t.Key.Name))
		b.WriteString(" DEFAULT VALUES;")
		return b.String()
	}

	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c.Name))
	}
	b.WriteString(") OUTPUT INSERTED.")
	b.WriteString(mssqlIdent(t.Key.Name))
	b.WriteString(" VALUES (")
	for i := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("@p%d", i+1))
	}
	b.WriteString(");")
	return b.String()
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.ev" -> [dbo].[ev]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func bareName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.TrimSpace(name[i+1:])
	}
	return name
}

func sqlStringLit(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)
)
