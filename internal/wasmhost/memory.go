// Package wasmhost implements the WASM Host (spec.md §4.D): instantiating
// an AssemblyScript-compiled mapping module on wazero, marshaling values
// across its linear-memory ABI, and exposing the store/ipfs/crypto/
// bigInt/typeConversion/ethereum host function namespaces.
package wasmhost

import (
	"fmt"
	"unicode/utf16"

	"github.com/tetratelabs/wazero/api"

	"github.com/BladeCKG/graph-node-go/internal/errs"
)

// AscPtr is a 32-bit offset into a guest module's linear memory, the
// universal currency host functions trade in (spec.md §4.D, §6).
type AscPtr = uint32

// NilPtr is the AssemblyScript convention for "no value" (address 0 is
// always unmapped in a freshly grown AS memory).
const NilPtr AscPtr = 0

// readBytes is a small wrapper turning wazero's (data, ok) memory reads
// into a HostExportError, since every decoder in this package must fail
// that way rather than let a bad guest offset reach a Go-level panic
// (spec.md §4.D "every decoder ... fails with HostExportError").
func readBytes(mem api.Memory, offset, length uint32) ([]byte, error) {
	b, ok := mem.Read(offset, length)
	if !ok {
		return nil, HostExportError(fmt.Sprintf("read %d bytes at 0x%x out of bounds", length, offset))
	}
	return b, nil
}

func readU32(mem api.Memory, offset uint32) (uint32, error) {
	v, ok := mem.ReadUint32Le(offset)
	if !ok {
		return 0, HostExportError(fmt.Sprintf("read u32 at 0x%x out of bounds", offset))
	}
	return v, nil
}

func writeU32(mem api.Memory, offset, v uint32) error {
	if !mem.WriteUint32Le(offset, v) {
		return HostExportError(fmt.Sprintf("write u32 at 0x%x out of bounds", offset))
	}
	return nil
}

func readU64(mem api.Memory, offset uint32) (uint64, error) {
	v, ok := mem.ReadUint64Le(offset)
	if !ok {
		return 0, HostExportError(fmt.Sprintf("read u64 at 0x%x out of bounds", offset))
	}
	return v, nil
}

func writeU64(mem api.Memory, offset uint32, v uint64) error {
	if !mem.WriteUint64Le(offset, v) {
		return HostExportError(fmt.Sprintf("write u64 at 0x%x out of bounds", offset))
	}
	return nil
}

// ReadString reads the spec's simplified String representation: a 32-bit
// byte-length prefix immediately followed by UTF-16LE code units
// (spec.md §6 "String is a 32-bit length-prefixed UTF-16 region").
func ReadString(mem api.Memory, ptr AscPtr) (string, error) {
	if ptr == NilPtr {
		return "", nil
	}
	byteLen, err := readU32(mem, ptr)
	if err != nil {
		return "", err
	}
	if byteLen%2 != 0 {
		return "", HostExportError("UTF-16 string byte length must be even")
	}
	raw, err := readBytes(mem, ptr+4, byteLen)
	if err != nil {
		return "", err
	}
	units := make([]uint16, byteLen/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

// WriteString writes s at ptr as a length-prefixed UTF-16LE region of
// byteLen+4 bytes. It allocates nothing: the caller is responsible for
// guest-side allocation via the module's own `__new` export.
func WriteString(mem api.Memory, ptr AscPtr, s string) error {
	units := utf16.Encode([]rune(s))
	if err := writeU32(mem, ptr, uint32(len(units)*2)); err != nil {
		return err
	}
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		raw[2*i] = byte(u)
		raw[2*i+1] = byte(u >> 8)
	}
	if !mem.Write(ptr+4, raw) {
		return HostExportError(fmt.Sprintf("write string body at 0x%x out of bounds", ptr+4))
	}
	return nil
}

// StringByteLen returns the guest-side allocation size (header + body) a
// WriteString call for s will need.
func StringByteLen(s string) uint32 {
	return 4 + uint32(len(utf16.Encode([]rune(s)))*2)
}

// ReadArrayBuffer reads an ArrayBuffer<u8>-shaped region: a 32-bit
// byte-length header at ptr-4 (AssemblyScript's runtime block-size
// convention) followed by the raw bytes at ptr (spec.md §4.D
// "ArrayBuffer<T> (contiguous T)").
func ReadArrayBuffer(mem api.Memory, ptr AscPtr) ([]byte, error) {
	if ptr == NilPtr {
		return nil, nil
	}
	if ptr < 4 {
		return nil, HostExportError("ArrayBuffer pointer too low to hold a size header")
	}
	byteLen, err := readU32(mem, ptr-4)
	if err != nil {
		return nil, err
	}
	return readBytes(mem, ptr, byteLen)
}

// WriteArrayBuffer writes byteLen header at ptr-4 and copies data at ptr.
func WriteArrayBuffer(mem api.Memory, ptr AscPtr, data []byte) error {
	if ptr < 4 {
		return HostExportError("ArrayBuffer pointer too low to hold a size header")
	}
	if err := writeU32(mem, ptr-4, uint32(len(data))); err != nil {
		return err
	}
	if !mem.Write(ptr, data) {
		return HostExportError(fmt.Sprintf("write array buffer at 0x%x out of bounds", ptr))
	}
	return nil
}

// ArrayBufferByteLen is the guest-side allocation size (header + body) a
// WriteArrayBuffer call for n bytes will need; callers must allocate at
// ptr-4 and pass the returned ptr (not ptr-4) to WriteArrayBuffer.
func ArrayBufferByteLen(n int) uint32 { return uint32(4 + n) }

// ascArrayHeader is spec.md §4.D's Array<T>: "a header pointing at a
// buffer" — bufferPtr at ptr, element count at ptr+4.
type ascArrayHeader struct {
	BufferPtr AscPtr
	Length    uint32
}

func readArrayHeader(mem api.Memory, ptr AscPtr) (ascArrayHeader, error) {
	bufferPtr, err := readU32(mem, ptr)
	if err != nil {
		return ascArrayHeader{}, err
	}
	length, err := readU32(mem, ptr+4)
	if err != nil {
		return ascArrayHeader{}, err
	}
	return ascArrayHeader{BufferPtr: bufferPtr, Length: length}, nil
}

// ReadPtrArray reads an Array<Ptr<T>>: the header's buffer is itself an
// ArrayBuffer of 4-byte element pointers (spec.md §4.D "Array<Ptr<T>> ↔
// Vec<T>"). decode is applied to each element pointer.
func ReadPtrArray[T any](mem api.Memory, ptr AscPtr, decode func(api.Memory, AscPtr) (T, error)) ([]T, error) {
	if ptr == NilPtr {
		return nil, nil
	}
	header, err := readArrayHeader(mem, ptr)
	if err != nil {
		return nil, err
	}
	buf, err := ReadArrayBuffer(mem, header.BufferPtr)
	if err != nil {
		return nil, err
	}
	if uint32(len(buf)) < header.Length*4 {
		return nil, HostExportError("array buffer shorter than declared length")
	}

	out := make([]T, 0, header.Length)
	for i := uint32(0); i < header.Length; i++ {
		elemPtr := uint32(buf[4*i]) | uint32(buf[4*i+1])<<8 | uint32(buf[4*i+2])<<16 | uint32(buf[4*i+3])<<24
		v, err := decode(mem, elemPtr)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ascEnum is spec.md §4.D's Enum<Discr>: a discriminant followed by an
// 8-byte payload interpreted per discriminant — either an inline scalar
// (bool, i64) or an AscPtr to a nested heap value. Laid out as
// {discr: u32, _pad: u32, payload: u64}, the natural repr(C) shape for a
// u32 tag followed by a u64 payload.
type ascEnum struct {
	Discr   uint32
	Payload uint64
}

func readEnum(mem api.Memory, ptr AscPtr) (ascEnum, error) {
	discr, err := readU32(mem, ptr)
	if err != nil {
		return ascEnum{}, err
	}
	payload, err := readU64(mem, ptr+8)
	if err != nil {
		return ascEnum{}, err
	}
	return ascEnum{Discr: discr, Payload: payload}, nil
}

func writeEnum(mem api.Memory, ptr AscPtr, e ascEnum) error {
	if err := writeU32(mem, ptr, e.Discr); err != nil {
		return err
	}
	return writeU64(mem, ptr+8, e.Payload)
}

// EnumByteLen is the allocation size a writeEnum call needs.
const EnumByteLen uint32 = 16
