package domain

import "math/big"

// ValueKind enumerates the scalar kinds an entity attribute may hold
// (spec.md §3, §4.D Value sum type).
type ValueKind uint8

const (
	ValueKindString ValueKind = iota
	ValueKindInt
	ValueKindBigInt
	ValueKindBigDecimal
	ValueKindBytes
	ValueKindBool
	ValueKindID
	ValueKindList
	ValueKindNull
)

// Value is a tagged union mirroring the WASM host's Value ABI type. Exactly
// one field is meaningful per Kind; List holds a homogeneous slice of
// single-valued Values.
type Value struct {
	Kind    ValueKind
	Str     string
	Int32   int32
	BigInt  *big.Int
	Bytes   []byte
	Bool    bool
	List    []Value
}

// NewString, NewInt, ... are convenience constructors used throughout the
// store and WASM host bridges.
func NewString(s string) Value     { return Value{Kind: ValueKindString, Str: s} }
func NewID(s string) Value         { return Value{Kind: ValueKindID, Str: s} }
func NewInt(i int32) Value         { return Value{Kind: ValueKindInt, Int32: i} }
func NewBigInt(b *big.Int) Value   { return Value{Kind: ValueKindBigInt, BigInt: b} }
func NewBigDecimal(s string) Value { return Value{Kind: ValueKindBigDecimal, Str: s} }
func NewBytes(b []byte) Value      { return Value{Kind: ValueKindBytes, Bytes: b} }
func NewBool(b bool) Value         { return Value{Kind: ValueKindBool, Bool: b} }
func NewList(vs []Value) Value     { return Value{Kind: ValueKindList, List: vs} }
func Null() Value                  { return Value{Kind: ValueKindNull} }

// Key identifies one entity row by its GraphQL type name and id.
type Key struct {
	EntityType string
	EntityID   string
}

// Entity is a full attribute map for one (type, id) at some point in time.
// The store is the authority on block-range versioning; Entity itself is
// just the payload.
type Entity struct {
	Key        Key
	Attributes map[string]Value
}

// Clone returns a deep-enough copy for safe mutation (the attribute map is
// copied; Value payloads, being immutable by convention once constructed,
// are shared).
func (e Entity) Clone() Entity {
	out := Entity{Key: e.Key, Attributes: make(map[string]Value, len(e.Attributes))}
	for k, v := range e.Attributes {
		out.Attributes[k] = v
	}
	return out
}

// OpKind distinguishes the two mutations a handler may buffer against the
// store: store.set and store.remove (store.get reads and buffers nothing).
type OpKind uint8

const (
	OpSet OpKind = iota
	OpRemove
)

// EntityOp is one buffered mutation produced by a handler invocation,
// applied atomically by the instance runtime at the end of the block
// (spec.md §4.F step 3).
type EntityOp struct {
	Kind   OpKind
	Key    Key
	Entity Entity // populated for OpSet
}

// EntityChange describes one observable effect of a store mutation,
// returned by revert_block and create_subgraph_version so interested
// subscribers (out of scope here) can invalidate caches.
type EntityChange struct {
	DeploymentID DeploymentID
	Key          Key
	Removed      bool
}
