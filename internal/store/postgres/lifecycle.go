package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
	istore "github.com/BladeCKG/graph-node-go/internal/store"
)

// CreateSubgraphVersion records a new Version for name pointing at id and
// decides whether it becomes the subgraph's current or pending slot,
// following original_source/store/postgres/metadata.rs create_subgraph_version:
//
//   - mode Instant always promotes straight to current, clearing pending.
//   - mode Synced promotes straight to current only if there is no current
//     version yet, or the current version's deployment is already synced;
//     otherwise the new version sits in pending until DeploymentSynced
//     promotes it (spec.md §4.C create_subgraph_version, §12).
//
// Promoting or queuing a new version can orphan whatever deployment the
// subgraph's current/pending slots pointed at before, so the same
// transaction removes assignments for deployments no longer referenced as
// current or pending anywhere (spec.md §4.C create_subgraph_version).
func (s *Store) CreateSubgraphVersion(ctx context.Context, name domain.SubgraphName, id domain.DeploymentID, nodeID string, mode domain.Mode, manifestRaw, schemaRaw []byte) ([]domain.EntityChange, error) {
	var changes []domain.EntityChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		subgraphID, currentVersion, err := findOrCreateSubgraph(ctx, tx, name)
		if err != nil {
			return err
		}

		versionID := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subgraphs.subgraph_version (id, subgraph, deployment) VALUES ($1, $2, $3)`,
			versionID, subgraphID, string(id)); err != nil {
			return errs.Wrap(errs.CodeConstraintViolation, "insert subgraph version", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subgraphs.subgraph_deployment (id, health, manifest, schema) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET manifest = EXCLUDED.manifest, schema = EXCLUDED.schema`,
			string(id), domain.HealthHealthy, manifestRaw, schemaRaw); err != nil {
			return errs.Wrap(errs.CodeConstraintViolation, "insert deployment row", err)
		}

		promoteNow, err := shouldPromoteToCurrent(ctx, tx, mode, currentVersion)
		if err != nil {
			return err
		}

		if promoteNow {
			if _, err := tx.ExecContext(ctx,
				`UPDATE subgraphs.subgraph SET current_version = $1, pending_version = NULL WHERE id = $2`,
				versionID, subgraphID); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE subgraphs.subgraph SET pending_version = $1 WHERE id = $2`,
				versionID, subgraphID); err != nil {
				return err
			}
		}

		if err := assignDeployment(ctx, tx, id, nodeID); err != nil {
			return err
		}

		if err := cleanupOrphanAssignments(ctx, tx); err != nil {
			return err
		}

		changes = append(changes, domain.EntityChange{DeploymentID: domain.MetaDeploymentID,
			Key: domain.Key{EntityType: "Subgraph", EntityID: subgraphID}})
		changes = append(changes, domain.EntityChange{DeploymentID: domain.MetaDeploymentID,
			Key: domain.Key{EntityType: "SubgraphVersion", EntityID: versionID}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// cleanupOrphanAssignments deletes every deployment assignment whose
// deployment is no longer any subgraph's current or pending version
// (spec.md §4.C: "remove assignments for deployments no longer referenced
// as current or pending" / "run assignment cleanup" / "cleanup orphan
// assignments", named under create_subgraph_version, deployment_synced and
// remove_subgraph respectively). The assignment table is sized to the
// number of live deployments, so a full scan per call is cheap.
func cleanupOrphanAssignments(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM subgraphs.subgraph_deployment_assignment a
		WHERE NOT EXISTS (
			SELECT 1 FROM subgraphs.subgraph_version v
			JOIN subgraphs.subgraph s ON s.current_version = v.id OR s.pending_version = v.id
			WHERE v.deployment = a.deployment_id
		)`)
	if err != nil {
		return errs.Wrap(errs.CodeQueryExecution, "cleanup orphan assignments", err)
	}
	return nil
}

func findOrCreateSubgraph(ctx context.Context, tx *sql.Tx, name domain.SubgraphName) (subgraphID string, currentVersion *string, err error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, current_version FROM subgraphs.subgraph WHERE name = $1`, string(name))
	err = row.Scan(&subgraphID, &currentVersion)
	if err == nil {
		return subgraphID, currentVersion, nil
	}
	if err != sql.ErrNoRows {
		return "", nil, errs.Wrap(errs.CodeQueryExecution, "look up subgraph", err)
	}

	subgraphID = uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subgraphs.subgraph (id, name) VALUES ($1, $2)`, subgraphID, string(name)); err != nil {
		return "", nil, errs.Wrap(errs.CodeConstraintViolation, "insert subgraph", err)
	}
	return subgraphID, nil, nil
}

// shouldPromoteToCurrent implements the Instant/Synced decision table.
func shouldPromoteToCurrent(ctx context.Context, tx *sql.Tx, mode domain.Mode, currentVersion *string) (bool, error) {
	if mode == domain.ModeInstant {
		return true, nil
	}
	if currentVersion == nil {
		return true, nil
	}

	var synced bool
	err := tx.QueryRowContext(ctx, `
		SELECT d.synced
		FROM subgraphs.subgraph_deployment d
		JOIN subgraphs.subgraph_version v ON v.deployment = d.id
		WHERE v.id = $1`, *currentVersion).Scan(&synced)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.CodeQueryExecution, "check current version synced", err)
	}
	return synced, nil
}

func assignDeployment(ctx context.Context, tx *sql.Tx, id domain.DeploymentID, nodeID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO subgraphs.subgraph_deployment_assignment (deployment_id, node_id)
		VALUES ($1, $2)
		ON CONFLICT (deployment_id) DO UPDATE SET node_id = EXCLUDED.node_id`,
		string(id), nodeID)
	return err
}

// DeploymentSynced marks id's deployment synced and, for every subgraph
// whose pending_version points at it, promotes that version to current
// (original_source/store/postgres/metadata.rs deployment_synced).
// Promotion can orphan the subgraph's former current deployment, so the
// same transaction runs assignment cleanup afterward (spec.md §4.C
// deployment_synced).
func (s *Store) DeploymentSynced(ctx context.Context, id domain.DeploymentID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subgraphs.subgraph_deployment SET synced = true WHERE id = $1`, string(id)); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT s.id, v.id
			FROM subgraphs.subgraph s
			JOIN subgraphs.subgraph_version v ON v.id = s.pending_version
			WHERE v.deployment = $1`, string(id))
		if err != nil {
			return errs.Wrap(errs.CodeQueryExecution, "find pending versions", err)
		}
		type promotion struct{ subgraphID, versionID string }
		var promotions []promotion
		for rows.Next() {
			var p promotion
			if err := rows.Scan(&p.subgraphID, &p.versionID); err != nil {
				rows.Close()
				return err
			}
			promotions = append(promotions, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range promotions {
			if _, err := tx.ExecContext(ctx,
				`UPDATE subgraphs.subgraph SET current_version = $1, pending_version = NULL WHERE id = $2`,
				p.versionID, p.subgraphID); err != nil {
				return err
			}
		}

		if len(promotions) == 0 {
			return nil
		}
		return cleanupOrphanAssignments(ctx, tx)
	})
}

// RemoveSubgraph deletes the named subgraph and its versions. The
// deployment rows and entity tables are left in place, but the deployment
// assignment is cleaned up in the same transaction since it is no longer
// current or pending for any subgraph once this one is gone (spec.md §4.C
// remove_subgraph).
func (s *Store) RemoveSubgraph(ctx context.Context, name domain.SubgraphName) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM subgraphs.subgraph WHERE name = $1`, string(name))
		if err != nil {
			return errs.Wrap(errs.CodeQueryExecution, "remove subgraph", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NotFound(fmt.Sprintf("subgraph %s not found", name))
		}
		return cleanupOrphanAssignments(ctx, tx)
	})
}

// ListSubgraphs returns every subgraph paired with its current deployment,
// skipping subgraphs that have no current_version (mid-deploy with only a
// pending slot populated so far).
func (s *Store) ListSubgraphs(ctx context.Context) ([]istore.SubgraphListing, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.QueryContext(ctx, `
		SELECT s.name, v.deployment
		FROM subgraphs.subgraph s
		JOIN subgraphs.subgraph_version v ON v.id = s.current_version`)
	if err != nil {
		return nil, errs.Wrap(errs.CodeQueryExecution, "list subgraphs", err)
	}
	defer rows.Close()

	var out []istore.SubgraphListing
	for rows.Next() {
		var name, deployment string
		if err := rows.Scan(&name, &deployment); err != nil {
			return nil, err
		}
		out = append(out, istore.SubgraphListing{Name: domain.SubgraphName(name), Deployment: domain.DeploymentID(deployment)})
	}
	return out, rows.Err()
}

// GetDeploymentState loads the full bookkeeping row for id.
func (s *Store) GetDeploymentState(ctx context.Context, id domain.DeploymentID) (*domain.DeploymentState, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var (
		st                                         domain.DeploymentState
		manifest, schema                           []byte
		latestHash, earliestHash                   []byte
		latestNumber, earliestNumber, graftBlock    sql.NullInt64
		fatalError, graftBase                       sql.NullString
		health                                      string
	)
	st.ID = id
	row := conn.QueryRowContext(ctx, `
		SELECT manifest, schema, failed, health, synced,
		       latest_block_hash, latest_block_number,
		       earliest_block_hash, earliest_block_number,
		       fatal_error, entity_count, graft_base, graft_block,
		       reorg_count, current_reorg_depth, max_reorg_depth
		FROM subgraphs.subgraph_deployment WHERE id = $1`, string(id))
	err = row.Scan(&manifest, &schema, &st.Failed, &health, &st.Synced,
		&latestHash, &latestNumber, &earliestHash, &earliestNumber,
		&fatalError, &st.EntityCount, &graftBase, &graftBlock,
		&st.ReorgCount, &st.CurrentReorgDepth, &st.MaxReorgDepth)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound(fmt.Sprintf("deployment %s not found", id))
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeQueryExecution, "load deployment state", err)
	}

	st.Manifest = manifest
	st.Schema = schema
	st.Health = domain.Health(health)
	if fatalError.Valid {
		st.FatalError = &fatalError.String
	}
	if graftBase.Valid {
		g := domain.DeploymentID(graftBase.String)
		st.GraftBase = &g
	}
	if graftBlock.Valid {
		b := uint64(graftBlock.Int64)
		st.GraftBlock = &b
	}
	if latestHash != nil && latestNumber.Valid {
		h, err := domain.BlockHashFromBytes(latestHash)
		if err == nil {
			st.LatestBlock = &domain.BlockPtr{Hash: h, Number: uint64(latestNumber.Int64)}
		}
	}
	if earliestHash != nil && earliestNumber.Valid {
		h, err := domain.BlockHashFromBytes(earliestHash)
		if err == nil {
			st.EarliestBlock = &domain.BlockPtr{Hash: h, Number: uint64(earliestNumber.Int64)}
		}
	}
	return &st, nil
}

// SetDeploymentFailed marks a deployment unhealthy/failed with a fatal
// error message, the terminal state an Instance Runtime reaches after a
// non-retriable mapping error (spec.md §4.F, §7).
func (s *Store) SetDeploymentFailed(ctx context.Context, id domain.DeploymentID, fatalErr string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.ExecContext(ctx, `
		UPDATE subgraphs.subgraph_deployment
		SET failed = true, health = $1, fatal_error = $2
		WHERE id = $3`, domain.HealthFailed, fatalErr, string(id))
	return err
}

// Assignments lists the deployments pinned to nodeID (spec.md §4.H
// assignments_for_node).
func (s *Store) Assignments(ctx context.Context, nodeID string) ([]domain.Assignment, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.QueryContext(ctx,
		`SELECT deployment_id, node_id, cost FROM subgraphs.subgraph_deployment_assignment WHERE node_id = $1`, nodeID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeQueryExecution, "list assignments", err)
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var deploymentID string
		if err := rows.Scan(&deploymentID, &a.NodeID, &a.Cost); err != nil {
			return nil, err
		}
		a.DeploymentID = domain.DeploymentID(deploymentID)
		out = append(out, a)
	}
	return out, rows.Err()
}
