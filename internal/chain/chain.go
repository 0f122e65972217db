// Package chain defines the Chain Adapter (spec.md §4.B): the narrow
// read-only capability set the Block Stream needs from an Ethereum-class
// node, plus a minimal concrete client. JSON-RPC wire transport itself is
// out of scope (spec.md §1) — Client exists only far enough to exercise
// the interface below, not as a general-purpose RPC library.
package chain

import (
	"context"

	"github.com/BladeCKG/graph-node-go/internal/domain"
)

// NetIdentifiers identifies the chain a Chain Adapter talks to, used to
// detect an operator pointing a deployment at the wrong network.
type NetIdentifiers struct {
	Network     string
	GenesisHash domain.BlockHash
}

// Block is the subset of block data the Block Stream and Instance Runtime
// need: its own pointer, its parent's hash (for reorg detection), and the
// logs emitted within it.
type Block struct {
	Ptr        domain.BlockPtr
	ParentHash domain.BlockHash
	Timestamp  int64
	Logs       []Log
}

// Log is one emitted event, enough for the Block Stream's ordering
// guarantee (transaction index then log index) and for the Instance
// Runtime to route it to a data source by address and topic0.
type Log struct {
	Address          string
	Topics           []string
	Data             []byte
	TransactionIndex uint32
	LogIndex         uint32
}

// LogFilter restricts find_blocks_with_logs to a block range and a set of
// event-signature hashes (topic0), the union of every running data
// source's handled events (spec.md §4.E "union of all data-source topic
// filters").
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Topic0    []string
	Addresses []string
}

// TokenKind enumerates the ABI token variants ethereum.call results decode
// into (spec.md §4.D Token sum type).
type TokenKind uint8

const (
	TokenAddress TokenKind = iota
	TokenFixedBytes
	TokenBytes
	TokenInt
	TokenUint
	TokenBool
	TokenString
	TokenFixedArray
	TokenArray
)

// Token is a decoded contract-call return value. Exactly one payload field
// is meaningful per Kind; Items holds FixedArray/Array elements.
type Token struct {
	Kind    TokenKind
	Bytes   []byte
	Int     int64
	BigInt  []byte // big-endian two's complement, for values outside int64 range
	Bool    bool
	Str     string
	Items   []Token
}

// ContractCall is a read-only call request against a deployed contract.
type ContractCall struct {
	Address    string
	Signature  string // e.g. "balanceOf(address)"
	Args       []Token
	BlockPtr   domain.BlockPtr
}

// CallOutcome distinguishes a successful call from a deliberate contract
// revert, which must reach the mapping as a typed null rather than an
// error (spec.md §4.B, §4.D ethereum.call).
type CallOutcome struct {
	Results  []Token
	Reverted bool
}

// Adapter is the read-only capability set the Block Stream and the
// ethereum.call host function consume. Implementations own their own
// retry policy internally is explicitly NOT required — spec.md §4.B
// states the Block Stream owns retries, so Adapter methods return
// transport failures (errs.CodeTransport) rather than retrying silently.
type Adapter interface {
	NetIdentifiers(ctx context.Context) (NetIdentifiers, error)
	BlockByHash(ctx context.Context, hash domain.BlockHash) (*Block, error)
	BlockHashByNumber(ctx context.Context, number uint64) (*domain.BlockHash, error)
	IsOnMainChain(ctx context.Context, ptr domain.BlockPtr) (bool, error)
	FindBlocksWithLogs(ctx context.Context, filter LogFilter) ([]domain.BlockPtr, error)
	ContractCall(ctx context.Context, call ContractCall) (*CallOutcome, error)
}
