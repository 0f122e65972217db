// Package store defines the interfaces the instance runtime, block stream
// and lifecycle provider use to talk to the versioned relational entity
// store (spec.md §4.C). internal/store/postgres provides the only
// implementation; the interfaces exist so the runtime and lifecycle
// packages can be tested against an in-memory fake without a database.
package store

import (
	"context"

	"github.com/BladeCKG/graph-node-go/internal/domain"
)

// OrderDirection for Query's ORDER BY clause.
type OrderDirection int

const (
	Ascending OrderDirection = iota
	Descending
)

// OrderBy names the attribute to sort a Query result on.
type OrderBy struct {
	Attribute string
	Direction OrderDirection
}

// FilterOp is a comparison operator usable in a Query filter.
type FilterOp string

const (
	OpEqual        FilterOp = "="
	OpNotEqual     FilterOp = "!="
	OpGreaterThan  FilterOp = ">"
	OpGreaterEqual FilterOp = ">="
	OpLessThan     FilterOp = "<"
	OpLessEqual    FilterOp = "<="
)

// Filter is one predicate in a Query's WHERE clause, compiled to a single
// SQL statement against the open-at-block rows (spec.md §4.C query).
type Filter struct {
	Attribute string
	Op        FilterOp
	Value     domain.Value
}

// Range paginates a Query result.
type Range struct {
	First int
	Skip  int
}

// EntityStore is the per-deployment data-plane surface: reads and writes
// against one deployment's versioned tables.
type EntityStore interface {
	Find(ctx context.Context, deployment domain.DeploymentID, key domain.Key, atBlock uint64) (*domain.Entity, error)
	FindMany(ctx context.Context, deployment domain.DeploymentID, idsByType map[string][]string, atBlock uint64) (map[domain.Key]domain.Entity, error)
	Query(ctx context.Context, deployment domain.DeploymentID, collection string, filters []Filter, order *OrderBy, rng Range, atBlock uint64) ([]domain.Entity, error)
	ConflictingEntity(ctx context.Context, deployment domain.DeploymentID, id string, candidateTypes []string) (string, error)

	// ApplyOps applies a batch of buffered entity operations for one block
	// inside a single transaction, along with the entity-count delta and
	// head advance (spec.md §4.F step 3-4, §5 "one block = one SQL
	// transaction").
	ApplyOps(ctx context.Context, deployment domain.DeploymentID, ops []domain.EntityOp, countDelta int64, ptr domain.BlockPtr) error

	// RevertBlock undoes every mutation tied to blocks >= ptr.Number,
	// reopens rows clipped at or after ptr.Number, advances the reorg
	// counters and the head pointer, all in one transaction.
	RevertBlock(ctx context.Context, deployment domain.DeploymentID, ptr domain.BlockPtr) ([]domain.EntityChange, error)

	// UpdateEntityCount applies delta, or recomputes the full count when
	// the stored value is the RecountSentinel (spec.md §3, §4.C).
	UpdateEntityCount(ctx context.Context, deployment domain.DeploymentID, delta int64) error

	// EnsureSchema creates the per-deployment namespace and one table per
	// entity type declared in the manifest's GraphQL schema, idempotently.
	EnsureSchema(ctx context.Context, deployment domain.DeploymentID, schema []byte) error
}

// MetaStore is the control-plane surface backing the lifecycle provider
// (spec.md §4.C deployment lifecycle ops, §4.H).
type MetaStore interface {
	// CreateSubgraphVersion also persists manifestRaw and schemaRaw onto
	// the deployment row: GetDeploymentState's replay path and
	// layoutFor's cold-start table rebuild both read them back.
	CreateSubgraphVersion(ctx context.Context, name domain.SubgraphName, id domain.DeploymentID, nodeID string, mode domain.Mode, manifestRaw, schemaRaw []byte) ([]domain.EntityChange, error)
	DeploymentSynced(ctx context.Context, id domain.DeploymentID) error
	RemoveSubgraph(ctx context.Context, name domain.SubgraphName) error
	ListSubgraphs(ctx context.Context) ([]SubgraphListing, error)
	GetDeploymentState(ctx context.Context, id domain.DeploymentID) (*domain.DeploymentState, error)
	SetDeploymentFailed(ctx context.Context, id domain.DeploymentID, fatalErr string) error
	Assignments(ctx context.Context, nodeID string) ([]domain.Assignment, error)
}

// SubgraphListing is one row of MetaStore.ListSubgraphs: a name paired with
// its current deployment, matching the list() -> [(name, id)] operation in
// spec.md §4.H.
type SubgraphListing struct {
	Name       domain.SubgraphName
	Deployment domain.DeploymentID
}

// Store bundles both surfaces, which the Postgres implementation satisfies
// from a single connection pool.
type Store interface {
	EntityStore
	MetaStore
	Close() error
}
