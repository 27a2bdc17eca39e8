// Package introspect reads table, column, index, and foreign key metadata
// from a project's Postgres database.
package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/pgsage/pgsage/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultConnectTimeout = 15 * time.Second

type Introspector struct {
	timeout time.Duration
}

func New(timeout time.Duration) *Introspector {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &Introspector{timeout: timeout}
}

// Collect connects to dsn and builds a Snapshot of all user tables. The
// connection is read-only metadata access; nothing is ever written to the
// target database.
func (in *Introspector) Collect(ctx context.Context, dsn string) (*Snapshot, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open project database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(2)

	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping project database: %w", err)
	}

	tables, err := collectTables(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := collectColumns(ctx, db, tables); err != nil {
		return nil, err
	}
	if err := collectPrimaryKeys(ctx, db, tables); err != nil {
		return nil, err
	}
	if err := collectIndexes(ctx, db, tables); err != nil {
		return nil, err
	}
	if err := collectForeignKeys(ctx, db, tables); err != nil {
		return nil, err
	}

	snap := &Snapshot{CollectedAt: time.Now().UTC()}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		snap.Tables = append(snap.Tables, *tables[name])
	}
	return snap, nil
}

// tableKey is schema.name so same-named tables in different schemas stay distinct.
func tableKey(schema, name string) string { return schema + "." + name }

func collectTables(ctx context.Context, db *sql.DB) (map[string]*Table, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT n.nspname, c.relname, GREATEST(c.reltuples::bigint, 0)
		 FROM pg_class c
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE c.relkind = 'r'
		   AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		   AND n.nspname NOT LIKE 'pg_toast%'
		 ORDER BY n.nspname, c.relname`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]*Table)
	for rows.Next() {
		t := &Table{}
		if err := rows.Scan(&t.Schema, &t.Name, &t.RowEstimate); err != nil {
			return nil, err
		}
		tables[tableKey(t.Schema, t.Name)] = t
	}
	return tables, rows.Err()
}

func collectColumns(ctx context.Context, db *sql.DB, tables map[string]*Table) error {
	rows, err := db.QueryContext(ctx,
		`SELECT table_schema, table_name, column_name, data_type, is_nullable, COALESCE(column_default, ''),
				COALESCE(character_maximum_length, 0)
		 FROM information_schema.columns
		 WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		 ORDER BY table_schema, table_name, ordinal_position`)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, nullable string
		var col Column
		if err := rows.Scan(&schema, &table, &col.Name, &col.DataType, &nullable, &col.Default, &col.MaxLength); err != nil {
			return err
		}
		col.Nullable = nullable == "YES"
		if t, ok := tables[tableKey(schema, table)]; ok {
			t.Columns = append(t.Columns, col)
		}
	}
	return rows.Err()
}

func collectPrimaryKeys(ctx context.Context, db *sql.DB, tables map[string]*Table) error {
	rows, err := db.QueryContext(ctx,
		`SELECT n.nspname, t.relname, a.attname
		 FROM pg_index ix
		 JOIN pg_class t ON t.oid = ix.indrelid
		 JOIN pg_namespace n ON n.oid = t.relnamespace
		 JOIN unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON TRUE
		 JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		 WHERE ix.indisprimary
		   AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		 ORDER BY n.nspname, t.relname, k.ord`)
	if err != nil {
		return fmt.Errorf("list primary keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, col string
		if err := rows.Scan(&schema, &table, &col); err != nil {
			return err
		}
		if t, ok := tables[tableKey(schema, table)]; ok {
			t.PrimaryKey = append(t.PrimaryKey, col)
		}
	}
	return rows.Err()
}

func collectIndexes(ctx context.Context, db *sql.DB, tables map[string]*Table) error {
	rows, err := db.QueryContext(ctx,
		`SELECT n.nspname, t.relname, i.relname, ix.indisunique, a.attname
		 FROM pg_index ix
		 JOIN pg_class t ON t.oid = ix.indrelid
		 JOIN pg_class i ON i.oid = ix.indexrelid
		 JOIN pg_namespace n ON n.oid = t.relnamespace
		 JOIN unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON TRUE
		 JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		 WHERE NOT ix.indisprimary
		   AND k.attnum > 0
		   AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		 ORDER BY n.nspname, t.relname, i.relname, k.ord`)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	type indexKey struct{ table, index string }
	seen := make(map[indexKey]*Index)
	for rows.Next() {
		var schema, table, index, col string
		var unique bool
		if err := rows.Scan(&schema, &table, &index, &unique, &col); err != nil {
			return err
		}
		t, ok := tables[tableKey(schema, table)]
		if !ok {
			continue
		}
		key := indexKey{tableKey(schema, table), index}
		idx, ok := seen[key]
		if !ok {
			t.Indexes = append(t.Indexes, Index{Name: index, Unique: unique})
			idx = &t.Indexes[len(t.Indexes)-1]
			seen[key] = idx
		}
		idx.Columns = append(idx.Columns, col)
	}
	return rows.Err()
}

func collectForeignKeys(ctx context.Context, db *sql.DB, tables map[string]*Table) error {
	rows, err := db.QueryContext(ctx,
		`SELECT n.nspname, t.relname, c.conname, rt.relname,
			 (SELECT string_agg(a.attname, ',' ORDER BY x.ord)
			  FROM unnest(c.conkey) WITH ORDINALITY AS x(attnum, ord)
			  JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = x.attnum),
			 (SELECT string_agg(a.attname, ',' ORDER BY x.ord)
			  FROM unnest(c.confkey) WITH ORDINALITY AS x(attnum, ord)
			  JOIN pg_attribute a ON a.attrelid = c.confrelid AND a.attnum = x.attnum)
		 FROM pg_constraint c
		 JOIN pg_class t ON t.oid = c.conrelid
		 JOIN pg_class rt ON rt.oid = c.confrelid
		 JOIN pg_namespace n ON n.oid = t.relnamespace
		 WHERE c.contype = 'f'
		   AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		 ORDER BY n.nspname, t.relname, c.conname`)
	if err != nil {
		return fmt.Errorf("list foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, name, refTable, cols, refCols string
		if err := rows.Scan(&schema, &table, &name, &refTable, &cols, &refCols); err != nil {
			return err
		}
		if t, ok := tables[tableKey(schema, table)]; ok {
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				Name:       name,
				Columns:    models.SplitCSV(cols),
				RefTable:   refTable,
				RefColumns: models.SplitCSV(refCols),
			})
		}
	}
	return rows.Err()
}
