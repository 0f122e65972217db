package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
)

// RevertBlock undoes every row mutation tied to blocks >= ptr.Number:
// rows opened at or after ptr.Number are deleted outright (they never
// should have existed on the surviving chain), rows clipped at or after
// ptr.Number are reopened by clearing block_range_upper. Both happen in
// one transaction alongside the reorg counters and head pointer, matching
// original_source/store/postgres/entities.rs's revert_block (spec.md
// §4.C revert_block, §7 reorg scenario).
func (s *Store) RevertBlock(ctx context.Context, deployment domain.DeploymentID, ptr domain.BlockPtr) ([]domain.EntityChange, error) {
	layout, err := s.layoutFor(ctx, deployment)
	if err != nil {
		return nil, err
	}

	var changes []domain.EntityChange
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range layout.Tables {
			removed, err := deleteOpenedAtOrAfter(ctx, tx, layout.SchemaName, table, ptr.Number)
			if err != nil {
				return err
			}
			for _, id := range removed {
				changes = append(changes, domain.EntityChange{
					DeploymentID: deployment,
					Key:          domain.Key{EntityType: table.EntityType, EntityID: id},
					Removed:      true,
				})
			}

			reopened, err := reopenClippedAtOrAfter(ctx, tx, layout.SchemaName, table, ptr.Number)
			if err != nil {
				return err
			}
			for _, id := range reopened {
				changes = append(changes, domain.EntityChange{
					DeploymentID: deployment,
					Key:          domain.Key{EntityType: table.EntityType, EntityID: id},
					Removed:      false,
				})
			}
		}

		if err := bumpReorgCounters(ctx, tx, string(deployment)); err != nil {
			return err
		}
		return revertHead(ctx, tx, string(deployment), ptr)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func deleteOpenedAtOrAfter(ctx context.Context, tx *sql.Tx, schemaName string, table *TableLayout, fromBlock uint64) ([]string, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s.%s WHERE "block_range_lower" >= $1 RETURNING "id"`,
		quoteIdent(schemaName), quoteIdent(table.TableName))
	rows, err := tx.QueryContext(ctx, query, fromBlock)
	if err != nil {
		return nil, errs.Wrap(errs.CodeQueryExecution, "delete reverted rows", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func reopenClippedAtOrAfter(ctx context.Context, tx *sql.Tx, schemaName string, table *TableLayout, fromBlock uint64) ([]string, error) {
	query := fmt.Sprintf(
		`UPDATE %s.%s SET "block_range_upper" = NULL WHERE "block_range_upper" >= $1 RETURNING "id"`,
		quoteIdent(schemaName), quoteIdent(table.TableName))
	rows, err := tx.QueryContext(ctx, query, fromBlock)
	if err != nil {
		return nil, errs.Wrap(errs.CodeQueryExecution, "reopen clipped rows", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// bumpReorgCounters increments reorg_count and current_reorg_depth, and
// raises max_reorg_depth if the running depth is a new high. A forward
// block (forwardHead) resets current_reorg_depth back to zero.
func bumpReorgCounters(ctx context.Context, tx *sql.Tx, deploymentID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subgraphs.subgraph_deployment
		SET reorg_count = reorg_count + 1,
		    current_reorg_depth = current_reorg_depth + 1,
		    max_reorg_depth = GREATEST(max_reorg_depth, current_reorg_depth + 1)
		WHERE id = $1`, deploymentID)
	return err
}

func revertHead(ctx context.Context, tx *sql.Tx, deploymentID string, ptr domain.BlockPtr) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subgraphs.subgraph_deployment
		SET latest_block_hash = $1, latest_block_number = $2
		WHERE id = $3`, ptr.Hash[:], ptr.Number, deploymentID)
	return err
}

// forwardHead advances the head pointer and resets current_reorg_depth,
// used by ApplyOps on every successfully processed block.
func forwardHead(ctx context.Context, tx *sql.Tx, deploymentID string, ptr domain.BlockPtr) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subgraphs.subgraph_deployment
		SET latest_block_hash = $1, latest_block_number = $2, current_reorg_depth = 0
		WHERE id = $3`, ptr.Hash[:], ptr.Number, deploymentID)
	return err
}

// UpdateEntityCount applies delta directly, unless the stored value is
// domain.RecountSentinel, in which case it re-derives the true count with
// a UNION ALL COUNT(*) across every entity table in the deployment's
// layout (spec.md §3 invariants, §4.C update_entity_count).
func (s *Store) UpdateEntityCount(ctx context.Context, deployment domain.DeploymentID, delta int64) error {
	layout, err := s.layoutFor(ctx, deployment)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return applyEntityCountDelta(ctx, tx, string(deployment), delta, layout)
	})
}

func applyEntityCountDelta(ctx context.Context, tx *sql.Tx, deploymentID string, delta int64, layout *Layout) error {
	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT entity_count FROM subgraphs.subgraph_deployment WHERE id = $1`, deploymentID).Scan(&current); err != nil {
		return errs.Wrap(errs.CodeQueryExecution, "read entity count", err)
	}

	if current != domain.RecountSentinel {
		_, err := tx.ExecContext(ctx,
			`UPDATE subgraphs.subgraph_deployment SET entity_count = entity_count + $1 WHERE id = $2`,
			delta, deploymentID)
		return err
	}

	count, err := recountEntities(ctx, tx, layout)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE subgraphs.subgraph_deployment SET entity_count = $1 WHERE id = $2`, count, deploymentID)
	return err
}

func recountEntities(ctx context.Context, tx *sql.Tx, layout *Layout) (int64, error) {
	if len(layout.Tables) == 0 {
		return 0, nil
	}
	var parts []string
	for _, table := range layout.Tables {
		parts = append(parts, fmt.Sprintf(
			`SELECT count(*) AS c FROM %s.%s WHERE "block_range_upper" IS NULL`,
			quoteIdent(layout.SchemaName), quoteIdent(table.TableName)))
	}
	query := `SELECT COALESCE(SUM(c), 0) FROM (` + strings.Join(parts, " UNION ALL ") + `) AS counts`

	var total int64
	err := tx.QueryRowContext(ctx, query).Scan(&total)
	if err != nil {
		return 0, errs.Wrap(errs.CodeQueryExecution, "recount entities", err)
	}
	return total, nil
}
