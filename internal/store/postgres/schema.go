package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/BladeCKG/graph-node-go/internal/domain"
)

// EnsureSchema creates the per-deployment namespace and one table per
// entity type, idempotently (spec.md §4.C "schema layout", §6). Column
// types are kept deliberately generic (text/jsonb) since a deployment's
// schema is only known at deploy time, not compile time (spec.md §9
// "Dynamic SQL over a statically-typed driver").
func (s *Store) EnsureSchema(ctx context.Context, deployment domain.DeploymentID, schema []byte) error {
	layout, err := BuildLayout(deployment, schema)
	if err != nil {
		return fmt.Errorf("build layout for %s: %w", deployment, err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(layout.SchemaName))); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	for _, table := range layout.Tables {
		if err := createEntityTable(ctx, conn, layout.SchemaName, table); err != nil {
			return fmt.Errorf("create table %s: %w", table.TableName, err)
		}
	}

	s.layouts.GetOrBuild(deployment, func() (*Layout, error) { return layout, nil })
	return nil
}

func createEntityTable(ctx context.Context, conn execer, schemaName string, table *TableLayout) error {
	var cols []string
	cols = append(cols, `"id" text NOT NULL`)
	cols = append(cols, `"block_range_lower" integer NOT NULL`)
	cols = append(cols, `"block_range_upper" integer`)
	for attr, col := range table.Columns {
		if attr == "id" {
			continue
		}
		cols = append(cols, fmt.Sprintf(`%s jsonb`, quoteIdent(col)))
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (%s)`,
		quoteIdent(schemaName), quoteIdent(table.TableName), strings.Join(cols, ", "))
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return err
	}

	idxName := table.TableName + "_open_idx"
	idx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s.%s ("id") WHERE "block_range_upper" IS NULL`,
		quoteIdent(idxName), quoteIdent(schemaName), quoteIdent(table.TableName))
	_, err := conn.ExecContext(ctx, idx)
	return err
}

// quoteIdent double-quotes a Postgres identifier we've already constrained
// to [a-z0-9_] (SchemaName, table/column names derived from GraphQL type
// and field names via toSnakeCase), defending against an entity type whose
// name happens to collide with a reserved word.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
