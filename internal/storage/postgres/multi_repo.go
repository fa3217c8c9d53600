package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"statevsql/internal/storage"
)

/*
MultiRepo implements storage.MultiRepository for Postgres.

It provides:
  - Table (re)creation with an optional schema ("stats.ctx" creates schema stats)
  - Context rows via INSERT ... RETURNING id
  - Event rows via the COPY protocol inside the run's transaction

All writes of a run share one transaction. Nothing is visible to other
sessions before Commit.
*/
type MultiRepo struct {
	pool   *pgxpool.Pool
	update bool
	tx     pgx.Tx

	insertSQL map[string]string
}

var pgTypes = storage.TypeMap{
	Data:         "double precision",
	Text:         "text",
	Bool:         "boolean",
	GeneratedKey: "bigserial PRIMARY KEY",
	ReferenceKey: "bigint NOT NULL",
}

// NewMulti creates a new Postgres-backed MultiRepo.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &MultiRepo{pool: pool, update: cfg.Update, insertSQL: map[string]string{}}, nil
}

// dsnFromConfig returns cfg.DSN or a postgres:// URL built from cfg.Conn.
func dsnFromConfig(cfg storage.MultiConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn, nil
	}
	c := cfg.Conn
	if strings.TrimSpace(c.Database) == "" {
		return "", fmt.Errorf("postgres: have to specify database name")
	}

	host := c.Host
	if host == "" {
		host = "localhost"
	}
	if c.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + c.Database}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}
	return u.String(), nil
}

// Close rolls back an uncommitted transaction and closes the pool.
func (r *MultiRepo) Close() {
	if r.tx != nil {
		_ = r.tx.Rollback(context.Background())
		r.tx = nil
	}
	r.pool.Close()
}

// EnsureTables creates the tables and the reference-key index.
//
// Without update mode the tables are dropped first (reverse order).
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return err
		}
	}

	if !r.update {
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := r.pool.Exec(ctx, buildDropTableSQL(tables[i])); err != nil {
				return fmt.Errorf("drop table %s: %w", tables[i].Name, err)
			}
		}
	}

	for _, t := range tables {
		if schema, _ := splitQualifiedName(t.Name); schema != "" {
			q := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
			if _, err := r.pool.Exec(ctx, q); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, buildCreateTableSQL(t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		if t.Key.Kind == storage.KeyReference {
			if _, err := r.pool.Exec(ctx, buildCreateIndexSQL(t)); err != nil {
				return fmt.Errorf("create index %s: %w", t.IndexName(), err)
			}
		}
	}
	return nil
}

// InsertContextRow inserts one row and returns the bigserial id.
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
	if err := tx.QueryRow(ctx, q, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table.Name, err)
	}
	return id, nil
}

// InsertFactRows streams rows with COPY. Each row is the key followed by the
// table's value columns.
func (r *MultiRepo) InsertFactRows(ctx context.Context, table storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}

	cols := append([]string{table.Key.Name}, table.ColumnNames()...)
	n, err := tx.CopyFrom(ctx, copyIdentifier(table.Name), cols, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", table.Name, err)
	}
	return n, nil
}

func (r *MultiRepo) Commit(ctx context.Context) error {
	if r.tx == nil {
		return nil
	}
	err := r.tx.Commit(ctx)
	r.tx = nil
	return err
}

func (r *MultiRepo) begin(ctx context.Context) (pgx.Tx, error) {
	if r.tx != nil {
		return r.tx, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	r.tx = tx
	return tx, nil
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes a possibly schema-qualified table name.
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func copyIdentifier(name string) pgx.Identifier {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{schema, table}
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "stats.ctx" => ("stats", "ctx")
//   - "ctx"       => ("", "ctx")
//
// Only a single dot is treated as a qualifier.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func buildDropTableSQL(t storage.TableSpec) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, pgTableIdent(t.Name))
}

func buildCreateTableSQL(t storage.TableSpec) string {
	defs := make([]string, 0, len(t.Columns)+1)
	defs = append(defs, fmt.Sprintf(`%s %s`, pgIdent(t.Key.Name), pgTypes.Key(t.Key.Kind)))
	for _, c := range t.Columns {
		defs = append(defs, fmt.Sprintf(`%s %s`, pgIdent(c.Name), pgTypes.Column(c.Type)))
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(defs, ", "))
}

// buildCreateIndexSQL names the index after the bare table name; Postgres
// places it in the table's schema.
func buildCreateIndexSQL(t storage.TableSpec) string {
	_, bare := splitQualifiedName(t.Name)
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s);`,
		pgIdent(bare+"index"), pgTableIdent(t.Name), pgIdent(t.Key.Name))
}

func buildInsertContextSQL(t storage.TableSpec) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(t.Name))
	if len(t.Columns) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		b.WriteString(" (")
		for i, c := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c.Name))
		}
		b.WriteString(") VALUES (")
		for i := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", i+1))
		}
		b.WriteString(")")
	}
	b.WriteString(" RETURNING ")
	b.WriteString(pgIdent(t.Key.Name))
	return b.String()
}
