package wasmhost

import (
	"math/big"

	"github.com/tetratelabs/wazero/api"

	"github.com/BladeCKG/graph-node-go/internal/domain"
)

// ReadValue decodes an AscEnum<ValueDiscr> at ptr into a domain.Value, the
// shape store.set's entity attribute map arrives in (spec.md §4.D Value
// sum type, §8 testable property 6).
func ReadValue(mem api.Memory, ptr AscPtr) (domain.Value, error) {
	if ptr == NilPtr {
		return domain.Null(), nil
	}
	e, err := readEnum(mem, ptr)
	if err != nil {
		return domain.Value{}, err
	}

	kind := domain.ValueKind(e.Discr)
	switch kind {
	case domain.ValueKindNull:
		return domain.Null(), nil

	case domain.ValueKindBool:
		return domain.NewBool(e.Payload != 0), nil

	case domain.ValueKindInt:
		return domain.NewInt(int32(e.Payload)), nil

	case domain.ValueKindString, domain.ValueKindID, domain.ValueKindBigDecimal:
		s, err := ReadString(mem, AscPtr(e.Payload))
		if err != nil {
			return domain.Value{}, err
		}
		if kind == domain.ValueKindID {
			return domain.NewID(s), nil
		}
		if kind == domain.ValueKindBigDecimal {
			return domain.NewBigDecimal(s), nil
		}
		return domain.NewString(s), nil

	case domain.ValueKindBigInt:
		buf, err := ReadArrayBuffer(mem, AscPtr(e.Payload))
		if err != nil {
			return domain.Value{}, err
		}
		return domain.NewBigInt(FromSignedBytesLE(buf)), nil

	case domain.ValueKindBytes:
		buf, err := ReadArrayBuffer(mem, AscPtr(e.Payload))
		if err != nil {
			return domain.Value{}, err
		}
		return domain.NewBytes(buf), nil

	case domain.ValueKindList:
		items, err := ReadPtrArray(mem, AscPtr(e.Payload), ReadValue)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.NewList(items), nil

	default:
		return domain.Value{}, HostExportError("unknown value discriminant")
	}
}

// WriteValue mirrors ReadValue; payloadPtr must already be sized via
// ValuePayloadByteLen and allocated by the caller, except for List values
// which the caller must assemble itself (each element needs its own
// enum+payload pair before the array buffer of pointers can be built).
func WriteValue(mem api.Memory, ptr, payloadPtr AscPtr, v domain.Value) error {
	switch v.Kind {
	case domain.ValueKindNull:
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(v.Kind)})

	case domain.ValueKindBool:
		payload := uint64(0)
		if v.Bool {
			payload = 1
		}
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(v.Kind), Payload: payload})

	case domain.ValueKindInt:
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(v.Kind), Payload: uint64(uint32(v.Int32))})

	case domain.ValueKindString, domain.ValueKindID, domain.ValueKindBigDecimal:
		if err := WriteString(mem, payloadPtr, v.Str); err != nil {
			return err
		}
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(v.Kind), Payload: uint64(payloadPtr)})

	case domain.ValueKindBigInt:
		n := v.BigInt
		if n == nil {
			n = big.NewInt(0)
		}
		if err := WriteArrayBuffer(mem, payloadPtr, ToSignedBytesLE(n)); err != nil {
			return err
		}
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(v.Kind), Payload: uint64(payloadPtr)})

	case domain.ValueKindBytes:
		if err := WriteArrayBuffer(mem, payloadPtr, v.Bytes); err != nil {
			return err
		}
		return writeEnum(mem, ptr, ascEnum{Discr: uint32(v.Kind), Payload: uint64(payloadPtr)})

	default:
		return HostExportError("WriteValue: list values must be written via the caller's own element loop")
	}
}

// ValuePayloadByteLen is the guest-side allocation size WriteValue's
// payloadPtr argument needs for v, or 0 when v is fully inline (Null,
// Bool, Int).
func ValuePayloadByteLen(v domain.Value) uint32 {
	switch v.Kind {
	case domain.ValueKindString, domain.ValueKindID, domain.ValueKindBigDecimal:
		return StringByteLen(v.Str)
	case domain.ValueKindBigInt:
		n := v.BigInt
		if n == nil {
			n = big.NewInt(0)
		}
		return ArrayBufferByteLen(len(ToSignedBytesLE(n)))
	case domain.ValueKindBytes:
		return ArrayBufferByteLen(len(v.Bytes))
	default:
		return 0
	}
}
