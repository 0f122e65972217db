package wasmhost

import (
	"math/big"

	"github.com/tetratelabs/wazero/api"

	"github.com/BladeCKG/graph-node-go/internal/chain"
)

// tokenDiscr is an alias of chain.TokenKind: the ABI discriminant on the
// wire is chain.TokenKind's ordinal value, so reordering those constants
// reorders the discriminants guest mappings see (spec.md §4.D Token sum
// type).
type tokenDiscr = chain.TokenKind

// ReadToken decodes an AscEnum<TokenDiscr> at ptr into a chain.Token
// (spec.md §4.D, §8 testable property 6: from_asc(to_asc(v)) == v).
// Uint payloads decode into Kind TokenInt: the ABI does not distinguish
// signed from unsigned on the way back into the guest, matching the
// original runtime's to_from.rs (spec.md §9 "Signed vs unsigned BigInt").
func ReadToken(mem api.Memory, ptr AscPtr) (chain.Token, error) {
	if ptr == NilPtr {
		return chain.Token{}, HostExportError("nil token pointer")
	}
	e, err := readEnum(mem, ptr)
	if err != nil {
		return chain.Token{}, err
	}

	kind := tokenDiscr(e.Discr)
	switch kind {
	case chain.TokenBool:
		return chain.Token{Kind: chain.TokenBool, Bool: e.Payload != 0}, nil

	case chain.TokenInt, chain.TokenUint:
		buf, err := ReadArrayBuffer(mem, AscPtr(e.Payload))
		if err != nil {
			return chain.Token{}, err
		}
		n := FromSignedBytesLE(buf)
		out := chain.Token{Kind: chain.TokenInt}
		if n.IsInt64() {
			out.Int = n.Int64()
		} else {
			out.BigInt = bigEndianTwosComplement(n)
		}
		return out, nil

	case chain.TokenAddress, chain.TokenFixedBytes, chain.TokenBytes:
		buf, err := ReadArrayBuffer(mem, AscPtr(e.Payload))
		if err != nil {
			return chain.Token{}, err
		}
		return chain.Token{Kind: kind, Bytes: buf}, nil

	case chain.TokenString:
		s, err := ReadString(mem, AscPtr(e.Payload))
		if err != nil {
			return chain.Token{}, err
		}
		return chain.Token{Kind: chain.TokenString, Str: s}, nil

	case chain.TokenFixedArray, chain.TokenArray:
		items, err := ReadPtrArray(mem, AscPtr(e.Payload), ReadToken)
		if err != nil {
			return chain.Token{}, err
		}
		return chain.Token{Kind: kind, Items: items}, nil

	default:
		return chain.Token{}, HostExportError("unknown token discriminant")
	}
}

// bigEndianTwosComplement is the wire shape chain.Token.BigInt carries for
// values outside int64 range (spec.md §4.B Token.BigInt doc comment).
func bigEndianTwosComplement(n *big.Int) []byte {
	le := ToSignedBytesLE(n)
	return reversed(le)
}

// WriteToken allocates nothing; it writes the enum header at ptr and any
// nested payload at payloadPtr, which the caller must have already sized
// via TokenPayloadByteLen and allocated through the guest's own allocator.
func WriteToken(mem api.Memory, ptr, payloadPtr AscPtr, t chain.Token) error {
	switch t.Kind {
	case chain.TokenBool:
		payload := uint64(0)
		if t.Bool {
			payload = 1
		}
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(t.Kind), Payload: payload})

	case chain.TokenInt, chain.TokenUint:
		n := new(big.Int)
		if t.BigInt != nil {
			n = FromSignedBytesLE(reversed(t.BigInt))
		} else {
			n.SetInt64(t.Int)
		}
		if err := WriteArrayBuffer(mem, payloadPtr, ToSignedBytesLE(n)); err != nil {
			return err
		}
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(t.Kind), Payload: uint64(payloadPtr)})

	case chain.TokenAddress, chain.TokenFixedBytes, chain.TokenBytes:
		if err := WriteArrayBuffer(mem, payloadPtr, t.Bytes); err != nil {
			return err
		}
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(t.Kind), Payload: uint64(payloadPtr)})

	case chain.TokenString:
		if err := WriteString(mem, payloadPtr, t.Str); err != nil {
			return err
		}
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(t.Kind), Payload: uint64(payloadPtr)})

	default:
		return HostExportError("WriteToken: array tokens must be written via the caller's own element loop")
	}
}

// TokenPayloadByteLen is the guest-side allocation size WriteToken's
// payloadPtr argument needs for t, or 0 when the token is fully inline
// (Bool).
func TokenPayloadByteLen(t chain.Token) uint32 {
	switch t.Kind {
	case chain.TokenBool:
		return 0
	case chain.TokenInt, chain.TokenUint:
		n := new(big.Int)
		if t.BigInt != nil {
			n = FromSignedBytesLE(reversed(t.BigInt))
		} else {
			n.SetInt64(t.Int)
		}
		return ArrayBufferByteLen(len(ToSignedBytesLE(n)))
	case chain.TokenAddress, chain.TokenFixedBytes, chain.TokenBytes:
		return ArrayBufferByteLen(len(t.Bytes))
	case chain.TokenString:
		return StringByteLen(t.Str)
	default:
		return 0
	}
}
