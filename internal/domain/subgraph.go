package domain

import "time"

// Health summarizes a deployment's indexing state.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthFailed    Health = "failed"
)

// Mode controls how create_subgraph_version picks the current/pending slot
// for the new version (spec.md §4.C).
type Mode string

const (
	ModeInstant Mode = "instant"
	ModeSynced  Mode = "synced"
)

// Subgraph is a named slot pointing at up to two deployments: the current
// (serving) one and an optional pending one that is still syncing.
type Subgraph struct {
	ID              string
	Name            SubgraphName
	CurrentVersion  *string // Version.ID
	PendingVersion  *string // Version.ID
	CreatedAt       time.Time
}

// Version is an immutable record created on every deploy, linking a
// subgraph name to a specific deployment.
type Version struct {
	ID         string
	Subgraph   string // Subgraph.ID
	Deployment DeploymentID
	CreatedAt  time.Time
}

// DeploymentState is the mutable bookkeeping record for one deployment.
// entity_count uses -1 as a sentinel forcing a full recount on the next
// update_entity_count call (spec.md §3 invariants).
type DeploymentState struct {
	ID                DeploymentID
	Manifest          []byte // raw manifest YAML, as resolved
	Schema            []byte // raw GraphQL SDL
	Failed            bool
	Health            Health
	Synced            bool
	LatestBlock       *BlockPtr
	EarliestBlock     *BlockPtr
	FatalError        *string
	EntityCount       int64
	GraftBase         *DeploymentID
	GraftBlock        *uint64
	ReorgCount        int64
	CurrentReorgDepth int64
	MaxReorgDepth     int64
}

// RecountSentinel forces update_entity_count to re-derive the count from a
// full COUNT(*) rather than applying a delta.
const RecountSentinel int64 = -1

// Assignment pins a deployment to the node responsible for running it.
// At most one assignment exists per deployment (spec.md §3).
type Assignment struct {
	DeploymentID DeploymentID
	NodeID       string
	Cost         int64
}
