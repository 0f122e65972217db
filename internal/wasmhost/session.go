package wasmhost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
	"github.com/BladeCKG/graph-node-go/internal/resolver"
	"github.com/BladeCKG/graph-node-go/internal/store"
)

// Session encapsulates one data source's module instance: the compiled
// WASM code, its resolver/chain/store handles, and the per-call scratch a
// handler invocation accumulates (spec.md §4.D "Module session").
//
// One Session is owned by exactly one Instance Runtime goroutine; nothing
// here is safe for concurrent use from multiple goroutines, matching
// spec.md §5 "WASM execution within [a runtime] is single-threaded and
// synchronous".
type Session struct {
	Deployment domain.DeploymentID
	DataSource domain.DataSource

	Resolver resolver.Resolver
	Chain    chain.Adapter
	Store    store.EntityStore

	runtime  wazero.Runtime
	module   api.Module
	malloc   api.Function // AssemblyScript's exported __new(size, id) -> ptr
	atBlock  uint64
	ops      []domain.EntityOp
	ctx      context.Context
}

// NewSession instantiates ds's WASM module against runtime, wiring the
// host function namespaces host.go builds and registering them under the
// module name the guest's import statements expect ("index", matching
// AssemblyScript's default for a runtime-supplied namespace).
func NewSession(ctx context.Context, rt wazero.Runtime, ds domain.DataSource, deployment domain.DeploymentID, res resolver.Resolver, chainAdapter chain.Adapter, entityStore store.EntityStore) (*Session, error) {
	sess := &Session{
		Deployment: deployment,
		DataSource: ds,
		Resolver:   res,
		Chain:      chainAdapter,
		Store:      entityStore,
		runtime:    rt,
	}

	if err := buildHostModule(ctx, rt, sess); err != nil {
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, ds.Mapping.RuntimeBlob)
	if err != nil {
		return nil, HostExportError(fmt.Sprintf("compile mapping module for %s: %v", ds.Name, err))
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(string(deployment)+"/"+ds.Name))
	if err != nil {
		return nil, HostExportError(fmt.Sprintf("instantiate mapping module for %s: %v", ds.Name, err))
	}
	sess.module = mod
	sess.malloc = mod.ExportedFunction("__new")

	return sess, nil
}

// Close releases the module instance. The shared host module and runtime
// outlive individual sessions and are closed by the owning Instance
// Runtime.
func (s *Session) Close(ctx context.Context) error {
	if s.module == nil {
		return nil
	}
	return s.module.Close(ctx)
}

// alloc asks the guest's own allocator for n bytes, the only way host code
// may safely create guest-visible heap values (AssemblyScript owns its GC
// and any pointer host.go hands back must originate from __new).
// id 0 is AssemblyScript's reserved ArrayBuffer class id, sufficient for
// every raw-bytes/string payload this bridge writes.
func (s *Session) alloc(ctx context.Context, n uint32) (AscPtr, error) {
	if s.malloc == nil {
		return NilPtr, HostExportError("mapping module does not export __new")
	}
	results, err := s.malloc.Call(ctx, uint64(n), 0)
	if err != nil {
		return NilPtr, HostExportError(fmt.Sprintf("__new(%d) failed: %v", n, err))
	}
	return AscPtr(results[0]), nil
}

// writeBytesBuffer allocates an ArrayBuffer<u8> of len(data) bytes and
// writes data into it, returning the data pointer (not the allocation
// base: ArrayBufferByteLen's extra 4 bytes hold the length header at
// ptr-4, so the data pointer callers hand to the guest is base+4).
func (s *Session) writeBytesBuffer(ctx context.Context, mem api.Memory, data []byte) (AscPtr, error) {
	base, err := s.alloc(ctx, ArrayBufferByteLen(len(data)))
	if err != nil {
		return NilPtr, err
	}
	ptr := base + 4
	if err := WriteArrayBuffer(mem, ptr, data); err != nil {
		return NilPtr, err
	}
	return ptr, nil
}

// writeGuestString allocates an AssemblyScript String and encodes str into
// it, returning the pointer. Shared by host.go's writeString (which wraps
// this and panics, matching every other host-function-side encoder) and
// by code building guest-bound arguments outside the panic/recover
// boundary, such as event.go's WriteLogEvent.
func (s *Session) writeGuestString(ctx context.Context, mem api.Memory, str string) (AscPtr, error) {
	ptr, err := s.alloc(ctx, StringByteLen(str))
	if err != nil {
		return NilPtr, err
	}
	if err := WriteString(mem, ptr, str); err != nil {
		return NilPtr, err
	}
	return ptr, nil
}

// writePtrArray allocates and writes an Array<Ptr<T>> (header + packed
// element-pointer buffer) over elemPtrs, returning the header pointer.
func (s *Session) writePtrArray(ctx context.Context, mem api.Memory, elemPtrs []AscPtr) (AscPtr, error) {
	raw := make([]byte, len(elemPtrs)*4)
	for i, p := range elemPtrs {
		raw[4*i] = byte(p)
		raw[4*i+1] = byte(p >> 8)
		raw[4*i+2] = byte(p >> 16)
		raw[4*i+3] = byte(p >> 24)
	}
	bufPtr, err := s.writeBytesBuffer(ctx, mem, raw)
	if err != nil {
		return NilPtr, err
	}
	headerPtr, err := s.alloc(ctx, 8)
	if err != nil {
		return NilPtr, err
	}
	if err := writeU32(mem, headerPtr, bufPtr); err != nil {
		return NilPtr, err
	}
	if err := writeU32(mem, headerPtr+4, uint32(len(elemPtrs))); err != nil {
		return NilPtr, err
	}
	return headerPtr, nil
}

// Invoke resets the per-call operation buffer, calls handlerName with the
// guest-memory pointers in args, and returns every store mutation the
// handler buffered (spec.md §4.D "Invoking a handler resets any per-call
// scratch and returns the accumulated entity operations").
//
// atBlock pins the block at which store.get reads through the buffer to
// the store (spec.md §4.D "get reads through the buffer to the store at
// the current block").
func (s *Session) Invoke(ctx context.Context, handlerName string, atBlock uint64, args ...uint64) (ops []domain.EntityOp, err error) {
	s.ops = nil
	s.atBlock = atBlock
	s.ctx = ctx

	fn := s.module.ExportedFunction(handlerName)
	if fn == nil {
		return nil, HostExportError(fmt.Sprintf("mapping module has no handler %q", handlerName))
	}

	defer func() {
		if r := recover(); r != nil {
			err = toAbortError(r)
		}
	}()

	if _, callErr := fn.Call(ctx, args...); callErr != nil {
		return nil, toAbortError(callErr)
	}
	return s.ops, nil
}

// toAbortError normalizes whatever a trapped host-function panic or a
// wazero-surfaced trap carries into this package's error type, so callers
// only ever match on errs.Code.
func toAbortError(v any) error {
	if e, ok := v.(*errs.Error); ok {
		return e
	}
	if err, ok := v.(error); ok {
		if e := errs.CodeOf(err); e != "" {
			return err
		}
		return HostExportError(err.Error())
	}
	return HostExportError(fmt.Sprintf("%v", v))
}
