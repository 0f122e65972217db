package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
	istore "github.com/BladeCKG/graph-node-go/internal/store"
)

// layoutFor returns the cached Layout for deployment, rebuilding it from
// the stored schema (subgraphs.subgraph_deployment.schema) on a cold
// cache — e.g. right after a restart.
func (s *Store) layoutFor(ctx context.Context, deployment domain.DeploymentID) (*Layout, error) {
	return s.layouts.GetOrBuild(deployment, func() (*Layout, error) {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		var schema []byte
		err = conn.QueryRowContext(ctx,
			`SELECT schema FROM subgraphs.subgraph_deployment WHERE id = $1`, string(deployment)).Scan(&schema)
		if err == sql.ErrNoRows {
			return nil, errs.NotFound(fmt.Sprintf("deployment %s not found", deployment))
		}
		if err != nil {
			return nil, errs.Wrap(errs.CodeTransport, "load schema", err)
		}
		return BuildLayout(deployment, schema)
	})
}

// Find returns the row open at atBlock for key, or nil if none exists
// (spec.md §4.C find).
func (s *Store) Find(ctx context.Context, deployment domain.DeploymentID, key domain.Key, atBlock uint64) (*domain.Entity, error) {
	layout, err := s.layoutFor(ctx, deployment)
	if err != nil {
		return nil, err
	}
	table, ok := layout.Tables[key.EntityType]
	if !ok {
		return nil, errs.NotFound(fmt.Sprintf("unknown entity type %s", key.EntityType))
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return findOne(ctx, conn, layout.SchemaName, table, key.EntityID, atBlock)
}

func findOne(ctx context.Context, conn execer, schemaName string, table *TableLayout, id string, atBlock uint64) (*domain.Entity, error) {
	cols, attrs := selectColumns(table)
	query := fmt.Sprintf(
		`SELECT %s FROM %s.%s WHERE "id" = $1 AND "block_range_lower" <= $2 AND ("block_range_upper" IS NULL OR "block_range_upper" > $2)`,
		strings.Join(cols, ", "), quoteIdent(schemaName), quoteIdent(table.TableName))

	row := conn.QueryRowContext(ctx, query, id, atBlock)
	entity, err := scanEntity(row, table.EntityType, id, attrs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeQueryExecution, "find entity", err)
	}
	return entity, nil
}

// FindMany batches Find across multiple types and ids (spec.md §4.C
// find_many).
func (s *Store) FindMany(ctx context.Context, deployment domain.DeploymentID, idsByType map[string][]string, atBlock uint64) (map[domain.Key]domain.Entity, error) {
	layout, err := s.layoutFor(ctx, deployment)
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	out := make(map[domain.Key]domain.Entity)
	for entityType, ids := range idsByType {
		table, ok := layout.Tables[entityType]
		if !ok {
			continue
		}
		for _, id := range ids {
			entity, err := findOne(ctx, conn, layout.SchemaName, table, id, atBlock)
			if err != nil {
				return nil, err
			}
			if entity != nil {
				out[entity.Key] = *entity
			}
		}
	}
	return out, nil
}

// Query compiles filters/order/range into a single SQL statement against
// rows open at atBlock (spec.md §4.C query).
func (s *Store) Query(ctx context.Context, deployment domain.DeploymentID, collection string, filters []istore.Filter, order *istore.OrderBy, rng istore.Range, atBlock uint64) ([]domain.Entity, error) {
	layout, err := s.layoutFor(ctx, deployment)
	if err != nil {
		return nil, err
	}
	table, ok := layout.Tables[collection]
	if !ok {
		return nil, errs.NotFound(fmt.Sprintf("unknown entity type %s", collection))
	}

	cols, attrs := selectColumns(table)
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM %s.%s WHERE "block_range_lower" <= $1 AND ("block_range_upper" IS NULL OR "block_range_upper" > $1)`,
		strings.Join(cols, ", "), quoteIdent(layout.SchemaName), quoteIdent(table.TableName))

	args := []any{atBlock}
	for _, f := range filters {
		col, ok := table.Columns[f.Attribute]
		if !ok {
			return nil, errs.New(errs.CodeQueryExecution, fmt.Sprintf("unknown filter attribute %s", f.Attribute))
		}
		args = append(args, valueToJSON(f.Value))
		fmt.Fprintf(&sb, ` AND %s %s $%d`, quoteIdent(col), string(f.Op), len(args))
	}

	if order != nil {
		col, ok := table.Columns[order.Attribute]
		if !ok {
			return nil, errs.New(errs.CodeQueryExecution, fmt.Sprintf("unknown order attribute %s", order.Attribute))
		}
		dir := "ASC"
		if order.Direction == istore.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, ` ORDER BY %s %s`, quoteIdent(col), dir)
	}

	if rng.First > 0 {
		args = append(args, rng.First)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	if rng.Skip > 0 {
		args = append(args, rng.Skip)
		fmt.Fprintf(&sb, ` OFFSET $%d`, len(args))
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeQueryExecution, "run query", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		entity, err := scanEntityRows(rows, table.EntityType, attrs)
		if err != nil {
			return nil, errs.Wrap(errs.CodeQueryExecution, "scan row", err)
		}
		out = append(out, *entity)
	}
	return out, rows.Err()
}

// ConflictingEntity checks for an id collision across sibling types that
// share an id space (GraphQL interfaces), per
// original_source/store/postgres/entities.rs (SPEC_FULL.md §12).
func (s *Store) ConflictingEntity(ctx context.Context, deployment domain.DeploymentID, id string, candidateTypes []string) (string, error) {
	layout, err := s.layoutFor(ctx, deployment)
	if err != nil {
		return "", err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Release()

	for _, t := range candidateTypes {
		table, ok := layout.Tables[t]
		if !ok {
			continue
		}
		query := fmt.Sprintf(
			`SELECT 1 FROM %s.%s WHERE "id" = $1 AND "block_range_upper" IS NULL LIMIT 1`,
			quoteIdent(layout.SchemaName), quoteIdent(table.TableName))
		var one int
		err := conn.QueryRowContext(ctx, query, id).Scan(&one)
		if err == nil {
			return t, nil
		}
		if err != sql.ErrNoRows {
			return "", errs.Wrap(errs.CodeQueryExecution, "conflicting entity check", err)
		}
	}
	return "", nil
}

// ApplyOps applies a block's buffered entity mutations using the
// clip-and-insert discipline (spec.md §3 lifecycles, §4.F step 3-4): an
// update clips the currently-open row to [from, b) and inserts a new
// [b, +inf) row; a delete only clips. Entity-count delta and head advance
// land in the same transaction.
func (s *Store) ApplyOps(ctx context.Context, deployment domain.DeploymentID, ops []domain.EntityOp, countDelta int64, ptr domain.BlockPtr) error {
	layout, err := s.layoutFor(ctx, deployment)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			table, ok := layout.Tables[op.Key.EntityType]
			if !ok {
				return errs.New(errs.CodeConstraintViolation, fmt.Sprintf("unknown entity type %s", op.Key.EntityType))
			}
			switch op.Kind {
			case domain.OpSet:
				if err := upsertClip(ctx, tx, layout.SchemaName, table, op.Entity, ptr); err != nil {
					return err
				}
			case domain.OpRemove:
				if err := clipOpen(ctx, tx, layout.SchemaName, table.TableName, op.Key.EntityID, ptr.Number); err != nil {
					return err
				}
			}
		}
		if err := applyEntityCountDelta(ctx, tx, string(deployment), countDelta, layout); err != nil {
			return err
		}
		return forwardHead(ctx, tx, string(deployment), ptr)
	})
}

func upsertClip(ctx context.Context, tx *sql.Tx, schemaName string, table *TableLayout, entity domain.Entity, ptr domain.BlockPtr) error {
	if err := clipOpen(ctx, tx, schemaName, table.TableName, entity.Key.EntityID, ptr.Number); err != nil {
		return err
	}

	cols := []string{`"id"`, `"block_range_lower"`, `"block_range_upper"`}
	vals := []any{entity.Key.EntityID, ptr.Number, nil}
	for attr, col := range table.Columns {
		if attr == "id" {
			continue
		}
		cols = append(cols, quoteIdent(col))
		v, ok := entity.Attributes[attr]
		if !ok {
			vals = append(vals, nil)
			continue
		}
		vals = append(vals, valueToJSON(v))
	}

	placeholders := make([]string, len(vals))
	for i := range vals {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO %s.%s (%s) VALUES (%s)`,
		quoteIdent(schemaName), quoteIdent(table.TableName), strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	_, err := tx.ExecContext(ctx, query, vals...)
	return err
}

// clipOpen closes the currently-open row for id at block b, a no-op if
// none is open (first insert).
func clipOpen(ctx context.Context, tx *sql.Tx, schemaName, tableName, id string, atBlock uint64) error {
	query := fmt.Sprintf(
		`UPDATE %s.%s SET "block_range_upper" = $1 WHERE "id" = $2 AND "block_range_upper" IS NULL`,
		quoteIdent(schemaName), quoteIdent(tableName))
	_, err := tx.ExecContext(ctx, query, atBlock, id)
	return err
}

// selectColumns returns the SQL column list and the ordered attribute
// names it corresponds to (id first, then every non-id attribute).
func selectColumns(table *TableLayout) ([]string, []string) {
	cols := []string{`"id"`}
	attrs := []string{"id"}
	for attr, col := range table.Columns {
		if attr == "id" {
			continue
		}
		cols = append(cols, quoteIdent(col))
		attrs = append(attrs, attr)
	}
	return cols, attrs
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, entityType, id string, attrs []string) (*domain.Entity, error) {
	return scanInto(row, entityType, attrs)
}

func scanEntityRows(rows *sql.Rows, entityType string, attrs []string) (*domain.Entity, error) {
	return scanInto(rows, entityType, attrs)
}

func scanInto(row rowScanner, entityType string, attrs []string) (*domain.Entity, error) {
	dest := make([]any, len(attrs))
	raw := make([]sql.NullString, len(attrs))
	for i := range dest {
		dest[i] = &raw[i]
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	entity := &domain.Entity{Attributes: make(map[string]domain.Value)}
	for i, attr := range attrs {
		if attr == "id" {
			entity.Key = domain.Key{EntityType: entityType, EntityID: raw[i].String}
			continue
		}
		if !raw[i].Valid {
			continue
		}
		v, err := valueFromJSON([]byte(raw[i].String))
		if err != nil {
			return nil, fmt.Errorf("decode attribute %s: %w", attr, err)
		}
		entity.Attributes[attr] = v
	}
	return entity, nil
}

// jsonValue is the on-disk shape of domain.Value: a discriminant tag plus
// the one populated payload field.
type jsonValue struct {
	Kind  string          `json:"kind"`
	Str   string          `json:"str,omitempty"`
	Int32 int32           `json:"int32,omitempty"`
	Big   string          `json:"big,omitempty"`
	Bytes string          `json:"bytes,omitempty"`
	Bool  bool            `json:"bool,omitempty"`
	List  []json.RawMessage `json:"list,omitempty"`
}

func valueToJSON(v domain.Value) []byte {
	jv := jsonValue{}
	switch v.Kind {
	case domain.ValueKindString:
		jv.Kind, jv.Str = "string", v.Str
	case domain.ValueKindID:
		jv.Kind, jv.Str = "id", v.Str
	case domain.ValueKindInt:
		jv.Kind, jv.Int32 = "int", v.Int32
	case domain.ValueKindBigInt:
		jv.Kind = "bigint"
		if v.BigInt != nil {
			jv.Big = v.BigInt.String()
		}
	case domain.ValueKindBigDecimal:
		jv.Kind, jv.Str = "bigdecimal", v.Str
	case domain.ValueKindBytes:
		jv.Kind, jv.Bytes = "bytes", fmt.Sprintf("%x", v.Bytes)
	case domain.ValueKindBool:
		jv.Kind, jv.Bool = "bool", v.Bool
	case domain.ValueKindList:
		jv.Kind = "list"
		for _, item := range v.List {
			jv.List = append(jv.List, valueToJSON(item))
		}
	default:
		jv.Kind = "null"
	}
	b, _ := json.Marshal(jv)
	return b
}

func valueFromJSON(raw []byte) (domain.Value, error) {
	var jv jsonValue
	if err := json.Unmarshal(raw, &jv); err != nil {
		return domain.Value{}, err
	}
	switch jv.Kind {
	case "string":
		return domain.NewString(jv.Str), nil
	case "id":
		return domain.NewID(jv.Str), nil
	case "int":
		return domain.NewInt(jv.Int32), nil
	case "bigint":
		n, ok := new(big.Int).SetString(jv.Big, 10)
		if !ok {
			return domain.Value{}, fmt.Errorf("invalid bigint %q", jv.Big)
		}
		return domain.NewBigInt(n), nil
	case "bigdecimal":
		return domain.NewBigDecimal(jv.Str), nil
	case "bytes":
		b := make([]byte, len(jv.Bytes)/2)
		if _, err := fmt.Sscanf(jv.Bytes, "%x", &b); err != nil {
			return domain.Value{}, err
		}
		return domain.NewBytes(b), nil
	case "bool":
		return domain.NewBool(jv.Bool), nil
	case "list":
		items := make([]domain.Value, 0, len(jv.List))
		for _, raw := range jv.List {
			v, err := valueFromJSON(raw)
			if err != nil {
				return domain.Value{}, err
			}
			items = append(items, v)
		}
		return domain.NewList(items), nil
	default:
		return domain.Null(), nil
	}
}

// withTx runs f inside a single SQL transaction, committing on success and
// rolling back on any error or panic (spec.md §4.C transaction, §5 "one
// block = one SQL transaction").
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeTransport, "begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeTransport, "commit transaction", err)
	}
	committed = true
	return nil
}
