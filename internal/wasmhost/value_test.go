package wasmhost

import (
	"math/big"
	"testing"

	"github.com/BladeCKG/graph-node-go/internal/domain"
)

// writeValueForTest mirrors host.go's writeValueEnum against the bump
// allocator test double.
func writeValueForTest(t *testing.T, mem *mockMemory, v domain.Value) AscPtr {
	t.Helper()
	if v.Kind == domain.ValueKindList {
		elemPtrs := make([]AscPtr, len(v.List))
		for i, item := range v.List {
			elemPtrs[i] = writeValueForTest(t, mem, item)
		}
		bufPtr := mem.alloc(ArrayBufferByteLen(len(elemPtrs)*4)) + 4
		raw := make([]byte, len(elemPtrs)*4)
		for i, p := range elemPtrs {
			raw[4*i] = byte(p)
			raw[4*i+1] = byte(p >> 8)
			raw[4*i+2] = byte(p >> 16)
			raw[4*i+3] = byte(p >> 24)
		}
		if err := WriteArrayBuffer(mem, bufPtr, raw); err != nil {
			t.Fatalf("WriteArrayBuffer: %v", err)
		}
		headerPtr := mem.alloc(8)
		if err := writeU32(mem, headerPtr, bufPtr); err != nil {
			t.Fatalf("writeU32: %v", err)
		}
		if err := writeU32(mem, headerPtr+4, uint32(len(elemPtrs))); err != nil {
			t.Fatalf("writeU32: %v", err)
		}
		enumPtr := mem.alloc(EnumByteLen)
		if err := writeEnum(mem, enumPtr, ascEnum{Discr: uint32(v.Kind), Payload: uint64(headerPtr)}); err != nil {
			t.Fatalf("writeEnum: %v", err)
		}
		return enumPtr
	}

	payloadLen := ValuePayloadByteLen(v)
	var payloadPtr AscPtr
	if payloadLen > 0 {
		payloadPtr = mem.alloc(payloadLen)
		if v.Kind == domain.ValueKindBigInt || v.Kind == domain.ValueKindBytes {
			payloadPtr += 4
		}
	}
	enumPtr := mem.alloc(EnumByteLen)
	if err := WriteValue(mem, enumPtr, payloadPtr, v); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	return enumPtr
}

func TestValueRoundTripScalars(t *testing.T) {
	cases := []domain.Value{
		domain.Null(),
		domain.NewBool(true),
		domain.NewInt(-7),
		domain.NewString("hello"),
		domain.NewID("0xabc"),
		domain.NewBigDecimal("3.14159"),
		domain.NewBigInt(big.NewInt(123456789)),
		domain.NewBytes([]byte{1, 2, 3}),
	}

	for _, v := range cases {
		mem := newMockMemory(512)
		ptr := writeValueForTest(t, mem, v)
		got, err := ReadValue(mem, ptr)
		if err != nil {
			t.Fatalf("ReadValue(%v): %v", v.Kind, err)
		}
		if got.Kind != v.Kind {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind, v.Kind)
		}
		switch v.Kind {
		case domain.ValueKindBool:
			if got.Bool != v.Bool {
				t.Fatalf("bool mismatch")
			}
		case domain.ValueKindInt:
			if got.Int32 != v.Int32 {
				t.Fatalf("int mismatch")
			}
		case domain.ValueKindString, domain.ValueKindID, domain.ValueKindBigDecimal:
			if got.Str != v.Str {
				t.Fatalf("string mismatch: got %q want %q", got.Str, v.Str)
			}
		case domain.ValueKindBigInt:
			if got.BigInt.Cmp(v.BigInt) != 0 {
				t.Fatalf("bigint mismatch")
			}
		case domain.ValueKindBytes:
			if string(got.Bytes) != string(v.Bytes) {
				t.Fatalf("bytes mismatch")
			}
		}
	}
}

func TestValueRoundTripList(t *testing.T) {
	v := domain.NewList([]domain.Value{
		domain.NewString("a"),
		domain.NewInt(1),
		domain.NewBool(true),
	})
	mem := newMockMemory(1024)
	ptr := writeValueForTest(t, mem, v)

	got, err := ReadValue(mem, ptr)
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if got.Kind != domain.ValueKindList || len(got.List) != 3 {
		t.Fatalf("got %+v", got)
	}
	if got.List[0].Str != "a" || got.List[1].Int32 != 1 || got.List[2].Bool != true {
		t.Fatalf("list contents mismatch: %+v", got.List)
	}
}

func TestReadValueNilPointerIsNull(t *testing.T) {
	mem := newMockMemory(64)
	v, err := ReadValue(mem, NilPtr)
	if err != nil {
		t.Fatalf("ReadValue(nil): %v", err)
	}
	if v.Kind != domain.ValueKindNull {
		t.Fatalf("got %v, want Null", v.Kind)
	}
}
