// Package domain holds the data model shared by the store, block stream,
// instance runtime and lifecycle provider: deployments, subgraphs,
// versions, assignments, data sources and entities.
package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DeploymentID is an opaque content hash identifying a specific subgraph
// build (a CIDv0-shaped string in practice). It is compared and stored as
// a plain string; nothing in this package parses the base58 payload.
type DeploymentID string

// MetaDeploymentID is the reserved sentinel deployment under which the node
// stores its own bookkeeping entities (subgraphs, versions, assignments).
const MetaDeploymentID DeploymentID = "subgraphs"

func (id DeploymentID) String() string { return string(id) }

// IsMeta reports whether id is the reserved meta deployment.
func (id DeploymentID) IsMeta() bool { return id == MetaDeploymentID }

// Valid reports whether id is non-empty. The real CIDv0 alphabet isn't
// enforced here; callers that need it should reject obviously malformed
// ids (empty string) and let the store surface anything else as
// NotFound/ConstraintViolation.
func (id DeploymentID) Valid() bool { return len(id) > 0 }

// SubgraphName is a human-readable, cluster-unique identifier such as
// "org/name".
type SubgraphName string

func (n SubgraphName) String() string { return string(n) }

// Valid rejects the empty name and bare slashes.
func (n SubgraphName) Valid() bool {
	s := string(n)
	return s != "" && s != "/" && strings.TrimSpace(s) == s
}

// BlockHash is a 32-byte block hash, displayed as 0x-prefixed hex.
type BlockHash [32]byte

func (h BlockHash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// BlockHashFromBytes copies b into a BlockHash, requiring exactly 32 bytes.
func BlockHashFromBytes(b []byte) (BlockHash, error) {
	var h BlockHash
	if len(b) != 32 {
		return h, fmt.Errorf("block hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BlockPtr identifies a block unambiguously by hash and number. Block
// numbers are stored as i32 in Postgres (see store/postgres), so values
// above math.MaxInt32 are rejected at the store boundary, not here.
type BlockPtr struct {
	Hash   BlockHash
	Number uint64
}

func (p BlockPtr) String() string {
	return fmt.Sprintf("#%d (%s)", p.Number, p.Hash)
}

// Equal reports whether two pointers reference the same block.
func (p BlockPtr) Equal(o BlockPtr) bool {
	return p.Number == o.Number && p.Hash == o.Hash
}

// IsZero reports whether p is the zero value (no block processed yet).
func (p BlockPtr) IsZero() bool {
	return p.Number == 0 && p.Hash == BlockHash{}
}
