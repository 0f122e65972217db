package wasmhost

import (
	"github.com/tetratelabs/wazero/api"
)

// mockMemory is a minimal api.Memory backed by a plain byte slice, used to
// exercise the linear-memory bridges in this package without compiling a
// real AssemblyScript module. Embedding the nil interface satisfies every
// method this package's bridges don't call; only Read/Write and the
// fixed-width accessors actually used by memory.go are implemented.
type mockMemory struct {
	api.Memory
	buf  []byte
	next uint32 // bump allocator cursor, mimicking the guest's __new
}

func newMockMemory(size uint32) *mockMemory {
	return &mockMemory{buf: make([]byte, size), next: 8}
}

// alloc is a raw bump allocator mimicking the guest's __new(n, 0): it
// returns the base of a freshly reserved n-byte region with no regard for
// what convention the caller intends to write there. Callers writing an
// ArrayBuffer-backed payload (ArrayBufferByteLen(n) bytes reserved) must
// offset the returned base by +4 themselves before calling
// WriteArrayBuffer, exactly as Session.writeBytesBuffer does in host.go.
func (m *mockMemory) alloc(n uint32) AscPtr {
	if m.next+n > uint32(len(m.buf)) {
		panic("mockMemory: out of space, grow test buffer")
	}
	ptr := m.next
	m.next += n
	return ptr
}

func (m *mockMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+byteCount], true
}

func (m *mockMemory) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func (m *mockMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	b, ok := m.Read(offset, 4)
	if !ok {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

func (m *mockMemory) WriteUint32Le(offset, v uint32) bool {
	return m.Write(offset, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (m *mockMemory) ReadUint64Le(offset uint32) (uint64, bool) {
	b, ok := m.Read(offset, 8)
	if !ok {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, true
}

func (m *mockMemory) WriteUint64Le(offset uint32, v uint64) bool {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return m.Write(offset, b)
}
