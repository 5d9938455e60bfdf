package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/sharedcode/dtx"
)

// Options configures one PostgreSQL-backed datastore.
type Options struct {
	// Name is the logical datasource name recorded in operation records.
	Name string
	// DSN is the pgx connection string.
	DSN string
	// TableMap maps entity classes to table names. Unmapped classes use the
	// lowercased class name.
	TableMap map[string]string
	// KeyColumn is the primary key column, defaulting to "id".
	KeyColumn string
}

// DataStore is the PostgreSQL dtx.DataStore adapter. Statement text only ever
// embeds validated identifiers; all values are bound.
type DataStore struct {
	name      string
	db        *sqlx.DB
	tables    map[string]string
	keyColumn string
}

func NewDataStore(opts Options) (*DataStore, error) {
	db, err := sqlx.Connect("pgx", opts.DSN)
	if err != nil {
		return nil, err
	}
	return NewDataStoreFromDB(db, opts)
}

// NewDataStoreFromDB wraps an existing handle; the caller owns its lifecycle.
func NewDataStoreFromDB(db *sqlx.DB, opts Options) (*DataStore, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("datastore name is required")
	}
	key := opts.KeyColumn
	if key == "" {
		key = "id"
	}
	if !identifierRe.MatchString(key) {
		return nil, fmt.Errorf("invalid key column %q", key)
	}
	for class, table := range opts.TableMap {
		if !identifierRe.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q for entity class %q", table, class)
		}
	}
	return &DataStore{name: opts.Name, db: db, tables: opts.TableMap, keyColumn: key}, nil
}

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (d *DataStore) Name() string {
	return d.name
}

// table resolves an entity class to a validated table identifier.
func (d *DataStore) table(entityClass string) (string, error) {
	t, ok := d.tables[entityClass]
	if !ok {
		t = strings.ToLower(entityClass)
	}
	if !identifierRe.MatchString(t) {
		return "", fmt.Errorf("entity class %q does not resolve to a valid table name", entityClass)
	}
	return t, nil
}

func (d *DataStore) Begin(ctx context.Context) (dtx.StoreTx, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapError(err)
	}
	return &storeTx{tx: tx}, nil
}

func (d *DataStore) Exists(ctx context.Context, entityClass string, entityID string) (bool, error) {
	table, err := d.table(entityClass)
	if err != nil {
		return false, err
	}
	var found bool
	stmt := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)", table, d.keyColumn)
	if err := d.db.GetContext(ctx, &found, stmt, entityID); err != nil {
		return false, wrapError(err)
	}
	return found, nil
}

// Insert re-creates a row from a snapshot. ON CONFLICT DO NOTHING keeps
// re-applied inverses idempotent: a row restored by an earlier attempt stays.
func (d *DataStore) Insert(ctx context.Context, entityClass string, row map[string]any) error {
	table, err := d.table(entityClass)
	if err != nil {
		return err
	}
	columns, values, err := orderedColumns(row)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if _, err := d.db.ExecContext(ctx, stmt, values...); err != nil {
		return wrapError(err)
	}
	return nil
}

// MergeSnapshot overwrites the identified row with the snapshot's fields. When
// the row was deleted concurrently the merge degrades to an insert so the
// pre-image is still restored.
func (d *DataStore) MergeSnapshot(ctx context.Context, entityClass string, entityID string, snapshot map[string]any) error {
	table, err := d.table(entityClass)
	if err != nil {
		return err
	}
	if entityID == "" {
		// The caller derives the key from the snapshot for bulk restores.
		v, ok := snapshot[d.keyColumn]
		if !ok {
			return fmt.Errorf("snapshot for %s carries no %q key", entityClass, d.keyColumn)
		}
		entityID = fmt.Sprintf("%v", v)
	}
	columns, values, err := orderedColumns(snapshot)
	if err != nil {
		return err
	}
	assignments := make([]string, 0, len(columns))
	n := 0
	for i, col := range columns {
		if col == d.keyColumn {
			continue
		}
		n++
		assignments = append(assignments, fmt.Sprintf("%s = $%d", col, n))
		values[n-1] = values[i]
	}
	values = values[:n]
	if len(assignments) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		table, strings.Join(assignments, ", "), d.keyColumn, n+1)
	res, err := d.db.ExecContext(ctx, stmt, append(values, entityID)...)
	if err != nil {
		return wrapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError(err)
	}
	if affected == 0 {
		row := make(map[string]any, len(snapshot)+1)
		for k, v := range snapshot {
			row[k] = v
		}
		row[d.keyColumn] = entityID
		return d.Insert(ctx, entityClass, row)
	}
	return nil
}

func (d *DataStore) DeleteByID(ctx context.Context, entityClass string, entityID string) error {
	table, err := d.table(entityClass)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, d.keyColumn)
	if _, err := d.db.ExecContext(ctx, stmt, entityID); err != nil {
		return wrapError(err)
	}
	return nil
}

// ExecNative runs a screened inverse statement. Captured statements carry
// driver-neutral '?' placeholders and are rebound to the $N form.
func (d *DataStore) ExecNative(ctx context.Context, query string, params []any) error {
	if _, err := d.db.ExecContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), params...); err != nil {
		return wrapError(err)
	}
	return nil
}

func (d *DataStore) CallProcedure(ctx context.Context, name string, params []any) error {
	if !procedureRe.MatchString(name) {
		return fmt.Errorf("invalid procedure name %q", name)
	}
	placeholders := make([]string, len(params))
	for i := range params {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("CALL %s(%s)", name, strings.Join(placeholders, ", "))
	if _, err := d.db.ExecContext(ctx, stmt, params...); err != nil {
		return wrapError(err)
	}
	return nil
}

var procedureRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

func (d *DataStore) TableHasTriggers(ctx context.Context, table string) (bool, error) {
	if !identifierRe.MatchString(table) {
		return false, fmt.Errorf("invalid table name %q", table)
	}
	var found bool
	stmt := "SELECT EXISTS (SELECT 1 FROM pg_trigger tg JOIN pg_class t ON tg.tgrelid = t.oid WHERE t.relname = $1 AND NOT tg.tgisinternal AND tg.tgenabled <> 'D')"
	if err := d.db.GetContext(ctx, &found, stmt, table); err != nil {
		return false, wrapError(err)
	}
	return found, nil
}

func (d *DataStore) TableHasCascadeDelete(ctx context.Context, table string) (bool, error) {
	if !identifierRe.MatchString(table) {
		return false, fmt.Errorf("invalid table name %q", table)
	}
	var found bool
	stmt := "SELECT EXISTS (SELECT 1 FROM pg_constraint c JOIN pg_class t ON c.confrelid = t.oid WHERE t.relname = $1 AND c.contype = 'f' AND c.confdeltype = 'c')"
	if err := d.db.GetContext(ctx, &found, stmt, table); err != nil {
		return false, wrapError(err)
	}
	return found, nil
}

// VersionColumn reports the optimistic-concurrency column by convention; the
// merge-back path strips it from snapshots before overwriting.
func (d *DataStore) VersionColumn(ctx context.Context, entityClass string) (string, error) {
	table, err := d.table(entityClass)
	if err != nil {
		return "", err
	}
	var column string
	stmt := "SELECT column_name FROM information_schema.columns WHERE table_name = $1 AND column_name IN ('version', 'row_version') LIMIT 1"
	if err := d.db.GetContext(ctx, &column, stmt, table); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", wrapError(err)
	}
	return column, nil
}

// orderedColumns splits a snapshot into deterministic column order with every
// column validated as an identifier.
func orderedColumns(row map[string]any) ([]string, []any, error) {
	if len(row) == 0 {
		return nil, nil, fmt.Errorf("empty row")
	}
	columns := make([]string, 0, len(row))
	for col := range row {
		if !identifierRe.MatchString(col) {
			return nil, nil, fmt.Errorf("invalid column name %q", col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)
	values := make([]any, len(columns))
	for i, col := range columns {
		values[i] = row[col]
	}
	return columns, values, nil
}

// wrapError maps integrity-class database errors onto the dtx taxonomy so the
// compensator can classify them as fatal.
func wrapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return dtx.Error{Code: dtx.IntegrityViolation, Err: err}
	}
	return err
}

type storeTx struct {
	tx *sqlx.Tx
}

// Flush is a no-op: plain SQL statements are already visible inside the
// transaction, there is no pending-entity buffer to push.
func (t *storeTx) Flush(ctx context.Context) error {
	return nil
}

func (t *storeTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return wrapError(err)
	}
	return nil
}

func (t *storeTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return wrapError(err)
	}
	return nil
}
