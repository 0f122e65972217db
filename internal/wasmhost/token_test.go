package wasmhost

import (
	"testing"

	"github.com/BladeCKG/graph-node-go/internal/chain"
)

// writeTokenForTest mirrors host.go's writeTokenEnum but against the bump
// allocator test double, keeping the ABI bridge (token.go) under test
// independent from the host-function wiring (host.go).
func writeTokenForTest(t *testing.T, mem *mockMemory, tok chain.Token) AscPtr {
	t.Helper()
	if tok.Kind == chain.TokenFixedArray || tok.Kind == chain.TokenArray {
		elemPtrs := make([]AscPtr, len(tok.Items))
		for i, item := range tok.Items {
			elemPtrs[i] = writeTokenForTest(t, mem, item)
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
		if err := writeEnum(mem, enumPtr, ascEnum{Discr: uint32(tok.Kind), Payload: uint64(headerPtr)}); err != nil {
			t.Fatalf("writeEnum: %v", err)
		}
		return enumPtr
	}

	payloadLen := TokenPayloadByteLen(tok)
	var payloadPtr AscPtr
	if payloadLen > 0 {
		payloadPtr = mem.alloc(payloadLen)
		switch tok.Kind {
		case chain.TokenInt, chain.TokenUint, chain.TokenAddress, chain.TokenFixedBytes, chain.TokenBytes:
			payloadPtr += 4
		}
	}
	enumPtr := mem.alloc(EnumByteLen)
	if err := WriteToken(mem, enumPtr, payloadPtr, tok); err != nil {
		t.Fatalf("WriteToken: %v", err)
	}
	return enumPtr
}

func TestTokenRoundTripScalars(t *testing.T) {
	cases := []chain.Token{
		{Kind: chain.TokenBool, Bool: true},
		{Kind: chain.TokenBool, Bool: false},
		{Kind: chain.TokenInt, Int: -42},
		{Kind: chain.TokenUint, Int: 42}, // decodes back as TokenInt per spec
		{Kind: chain.TokenAddress, Bytes: make([]byte, 20)},
		{Kind: chain.TokenBytes, Bytes: []byte{0xde, 0xad, 0xbe, 0xef}},
		{Kind: chain.TokenString, Str: "transfer"},
	}

	for _, tok := range cases {
		mem := newMockMemory(512)
		ptr := writeTokenForTest(t, mem, tok)
		got, err := ReadToken(mem, ptr)
		if err != nil {
			t.Fatalf("ReadToken(%v): %v", tok.Kind, err)
		}
		if tok.Kind == chain.TokenUint {
			if got.Kind != chain.TokenInt || got.Int != tok.Int {
				t.Fatalf("uint round trip: got %+v", got)
			}
			continue
		}
		if got.Kind != tok.Kind {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind, tok.Kind)
		}
		switch tok.Kind {
		case chain.TokenBool:
			if got.Bool != tok.Bool {
				t.Fatalf("bool mismatch")
			}
		case chain.TokenInt:
			if got.Int != tok.Int {
				t.Fatalf("int mismatch: got %d want %d", got.Int, tok.Int)
			}
		case chain.TokenAddress, chain.TokenBytes:
			if string(got.Bytes) != string(tok.Bytes) {
				t.Fatalf("bytes mismatch")
			}
		case chain.TokenString:
			if got.Str != tok.Str {
				t.Fatalf("string mismatch")
			}
		}
	}
}

func TestTokenRoundTripArray(t *testing.T) {
	tok := chain.Token{
		Kind: chain.TokenArray,
		Items: []chain.Token{
			{Kind: chain.TokenInt, Int: 1},
			{Kind: chain.TokenInt, Int: 2},
			{Kind: chain.TokenInt, Int: 3},
		},
	}
	mem := newMockMemory(1024)
	ptr := writeTokenForTest(t, mem, tok)

	got, err := ReadToken(mem, ptr)
	if err != nil {
		t.Fatalf("ReadToken: %v", err)
	}
	if got.Kind != chain.TokenArray || len(got.Items) != 3 {
		t.Fatalf("got %+v", got)
	}
	for i, item := range got.Items {
		if item.Int != tok.Items[i].Int {
			t.Fatalf("item %d: got %d want %d", i, item.Int, tok.Items[i].Int)
		}
	}
}
