package wasmhost

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/crypto/sha3"

	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
)

// buildHostModule registers every namespace spec.md §4.D names under the
// "index" module, the name AssemblyScript's generated glue imports a
// runtime-supplied namespace under. Each function closes over sess so it
// can read/buffer against the session's store, resolver and chain handles
// without threading them through wazero's call signature.
//
// Failures are signaled by panicking with an *errs.Error. wazero recovers
// a host-function panic at the module boundary and surfaces it as the
// error Session.Invoke's fn.Call returns, which is how this package
// avoids ever returning a bare Go panic to its own callers.
func buildHostModule(ctx context.Context, rt wazero.Runtime, sess *Session) error {
	builder := rt.NewHostModuleBuilder("index")

	builder.NewFunctionBuilder().WithFunc(sess.hostStoreGet).Export("store.get")
	builder.NewFunctionBuilder().WithFunc(sess.hostStoreSet).Export("store.set")
	builder.NewFunctionBuilder().WithFunc(sess.hostStoreRemove).Export("store.remove")

	builder.NewFunctionBuilder().WithFunc(sess.hostIPFSCat).Export("ipfs.cat")

	builder.NewFunctionBuilder().WithFunc(sess.hostKeccak256).Export("crypto.keccak256")

	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntPlus).Export("bigInt.plus")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntMinus).Export("bigInt.minus")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntTimes).Export("bigInt.times")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntDividedBy).Export("bigInt.dividedBy")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntMod).Export("bigInt.mod")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntPow).Export("bigInt.pow")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntFromString).Export("bigInt.fromString")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntToHex).Export("bigInt.toHex")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntFromSignedBytes).Export("bigInt.fromSignedBytes")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntToI32).Export("bigInt.toI32")
	builder.NewFunctionBuilder().WithFunc(sess.hostBigIntFromUnsigned).Export("bigInt.fromUnsigned")

	builder.NewFunctionBuilder().WithFunc(sess.hostBytesToHex).Export("typeConversion.bytesToHex")
	builder.NewFunctionBuilder().WithFunc(sess.hostStringToH256).Export("typeConversion.stringToH256")
	builder.NewFunctionBuilder().WithFunc(sess.hostI32ToString).Export("typeConversion.i32ToString")
	builder.NewFunctionBuilder().WithFunc(sess.hostI64ToString).Export("typeConversion.i64ToString")
	builder.NewFunctionBuilder().WithFunc(sess.hostF64ToString).Export("typeConversion.f64ToString")
	builder.NewFunctionBuilder().WithFunc(sess.hostStringToI32).Export("typeConversion.stringToI32")
	builder.NewFunctionBuilder().WithFunc(sess.hostStringToI64).Export("typeConversion.stringToI64")
	builder.NewFunctionBuilder().WithFunc(sess.hostStringToF64).Export("typeConversion.stringToF64")

	builder.NewFunctionBuilder().WithFunc(sess.hostEthereumCall).Export("ethereum.call")

	builder.NewFunctionBuilder().WithFunc(sess.hostAbort).Export("abort")

	if _, err := builder.Instantiate(ctx); err != nil {
		return HostExportError(fmt.Sprintf("register host module: %v", err))
	}
	return nil
}

// --- store ---

// hostStoreGet reads through the per-block operation buffer before falling
// back to the store at the session's current block (spec.md §4.D
// "get reads through the buffer to the store at the current block").
func (s *Session) hostStoreGet(ctx context.Context, mod api.Module, typePtr, idPtr AscPtr) AscPtr {
	entityType, err := ReadString(mod.Memory(), typePtr)
	if err != nil {
		panic(err)
	}
	id, err := ReadString(mod.Memory(), idPtr)
	if err != nil {
		panic(err)
	}
	key := domain.Key{EntityType: entityType, EntityID: id}

	for i := len(s.ops) - 1; i >= 0; i-- {
		if s.ops[i].Key != key {
			continue
		}
		if s.ops[i].Kind == domain.OpRemove {
			return NilPtr
		}
		return s.writeValueEnum(ctx, mod, entityAsValue(s.ops[i].Entity))
	}

	entity, err := s.Store.Find(ctx, s.Deployment, key, s.atBlock)
	if err != nil {
		panic(err)
	}
	if entity == nil {
		return NilPtr
	}
	return s.writeValueEnum(ctx, mod, entityAsValue(*entity))
}

// ascEntry is one (key, value) slot of the Array<Ptr<Entry>> store.set's
// data argument marshals an entity's attribute map as (spec.md §4.D
// "store.set(type,id,data)").
type ascEntry struct {
	KeyPtr   AscPtr
	ValuePtr AscPtr
}

func readEntry(mem api.Memory, ptr AscPtr) (ascEntry, error) {
	key, err := readU32(mem, ptr)
	if err != nil {
		return ascEntry{}, err
	}
	val, err := readU32(mem, ptr+4)
	if err != nil {
		return ascEntry{}, err
	}
	return ascEntry{KeyPtr: key, ValuePtr: val}, nil
}

func (s *Session) hostStoreSet(_ context.Context, mod api.Module, typePtr, idPtr, dataPtr AscPtr) {
	entityType, err := ReadString(mod.Memory(), typePtr)
	if err != nil {
		panic(err)
	}
	id, err := ReadString(mod.Memory(), idPtr)
	if err != nil {
		panic(err)
	}

	entries, err := ReadPtrArray(mod.Memory(), dataPtr, readEntry)
	if err != nil {
		panic(err)
	}

	attrs := make(map[string]domain.Value, len(entries))
	for _, e := range entries {
		k, err := ReadString(mod.Memory(), e.KeyPtr)
		if err != nil {
			panic(err)
		}
		v, err := ReadValue(mod.Memory(), e.ValuePtr)
		if err != nil {
			panic(err)
		}
		attrs[k] = v
	}

	key := domain.Key{EntityType: entityType, EntityID: id}
	s.ops = append(s.ops, domain.EntityOp{
		Kind:   domain.OpSet,
		Key:    key,
		Entity: domain.Entity{Key: key, Attributes: attrs},
	})
}

func (s *Session) hostStoreRemove(_ context.Context, mod api.Module, typePtr, idPtr AscPtr) {
	entityType, err := ReadString(mod.Memory(), typePtr)
	if err != nil {
		panic(err)
	}
	id, err := ReadString(mod.Memory(), idPtr)
	if err != nil {
		panic(err)
	}
	key := domain.Key{EntityType: entityType, EntityID: id}
	s.ops = append(s.ops, domain.EntityOp{Kind: domain.OpRemove, Key: key})
}

// entityAsValue approximates a whole entity as a Value: spec.md only
// defines Value for scalars, not for a full attribute map, so store.get
// hands back a List of alternating keys and values (even indices are
// string keys, odd indices the associated Value). This is not the shape
// hostStoreSet decodes on the way in, which is an Array<Ptr<Entry>> of
// (key, value) pointer pairs.
func entityAsValue(e domain.Entity) domain.Value {
	list := make([]domain.Value, 0, len(e.Attributes)*2)
	for k, v := range e.Attributes {
		list = append(list, domain.NewString(k), v)
	}
	return domain.NewList(list)
}

// writeValueEnum allocates guest memory for v (including any nested
// payload) and returns the pointer to the written Enum<ValueDiscr>.
// allocated ArrayBuffer-backed payloads (BigInt, Bytes) need their data
// pointer offset +4 past the allocation base to leave room for the
// length header WriteValue writes at payloadPtr-4 (spec.md §4.D
// ArrayBuffer<T> convention); String-backed payloads carry their own
// length prefix at the object's own start and need no such offset.
func (s *Session) writeValueEnum(ctx context.Context, mod api.Module, v domain.Value) AscPtr {
	mem := mod.Memory()

	var payloadPtr AscPtr
	switch v.Kind {
	case domain.ValueKindList:
		elemPtrs := make([]AscPtr, len(v.List))
		for i, item := range v.List {
			elemPtrs[i] = s.writeValueEnum(ctx, mod, item)
		}
		headerPtr, err := s.writePtrArray(ctx, mem, elemPtrs)
		if err != nil {
			panic(err)
		}
		payloadPtr = headerPtr

	case domain.ValueKindBigInt, domain.ValueKindBytes:
		base, err := s.alloc(ctx, ValuePayloadByteLen(v))
		if err != nil {
			panic(err)
		}
		payloadPtr = base + 4

	case domain.ValueKindString, domain.ValueKindID, domain.ValueKindBigDecimal:
		base, err := s.alloc(ctx, ValuePayloadByteLen(v))
		if err != nil {
			panic(err)
		}
		payloadPtr = base
	}

	enumPtr, err := s.alloc(ctx, EnumByteLen)
	if err != nil {
		panic(err)
	}
	if v.Kind == domain.ValueKindList {
		if err := writeEnum(mem, enumPtr, ascEnum{Discr: uint32(v.Kind), Payload: uint64(payloadPtr)}); err != nil {
			panic(err)
		}
	} else if err := WriteValue(mem, enumPtr, payloadPtr, v); err != nil {
		panic(err)
	}
	return enumPtr
}

// --- ipfs ---

func (s *Session) hostIPFSCat(ctx context.Context, mod api.Module, hashPtr AscPtr) AscPtr {
	hash, err := ReadString(mod.Memory(), hashPtr)
	if err != nil {
		panic(err)
	}
	data, err := s.Resolver.Cat(ctx, hash)
	if err != nil {
		return NilPtr
	}
	ptr, err := s.writeBytesBuffer(ctx, mod.Memory(), data)
	if err != nil {
		panic(err)
	}
	return ptr
}

// --- crypto ---

func (s *Session) hostKeccak256(ctx context.Context, mod api.Module, dataPtr AscPtr) AscPtr {
	data, err := ReadArrayBuffer(mod.Memory(), dataPtr)
	if err != nil {
		panic(err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	sum := h.Sum(nil)

	ptr, err := s.writeBytesBuffer(ctx, mod.Memory(), sum)
	if err != nil {
		panic(err)
	}
	return ptr
}

// --- bigInt ---

func (s *Session) readBigInt(mod api.Module, ptr AscPtr) *big.Int {
	buf, err := ReadArrayBuffer(mod.Memory(), ptr)
	if err != nil {
		panic(err)
	}
	return FromSignedBytesLE(buf)
}

func (s *Session) writeBigInt(ctx context.Context, mod api.Module, n *big.Int) AscPtr {
	ptr, err := s.writeBytesBuffer(ctx, mod.Memory(), ToSignedBytesLE(n))
	if err != nil {
		panic(err)
	}
	return ptr
}

func (s *Session) writeString(ctx context.Context, mod api.Module, str string) AscPtr {
	ptr, err := s.writeGuestString(ctx, mod.Memory(), str)
	if err != nil {
		panic(err)
	}
	return ptr
}

func (s *Session) hostBigIntPlus(ctx context.Context, mod api.Module, a, b AscPtr) AscPtr {
	return s.writeBigInt(ctx, mod, new(big.Int).Add(s.readBigInt(mod, a), s.readBigInt(mod, b)))
}

func (s *Session) hostBigIntMinus(ctx context.Context, mod api.Module, a, b AscPtr) AscPtr {
	return s.writeBigInt(ctx, mod, new(big.Int).Sub(s.readBigInt(mod, a), s.readBigInt(mod, b)))
}

func (s *Session) hostBigIntTimes(ctx context.Context, mod api.Module, a, b AscPtr) AscPtr {
	return s.writeBigInt(ctx, mod, new(big.Int).Mul(s.readBigInt(mod, a), s.readBigInt(mod, b)))
}

func (s *Session) hostBigIntDividedBy(ctx context.Context, mod api.Module, a, b AscPtr) AscPtr {
	divisor := s.readBigInt(mod, b)
	if divisor.Sign() == 0 {
		panic(HostExportError("bigInt.dividedBy: division by zero"))
	}
	return s.writeBigInt(ctx, mod, new(big.Int).Quo(s.readBigInt(mod, a), divisor))
}

func (s *Session) hostBigIntMod(ctx context.Context, mod api.Module, a, b AscPtr) AscPtr {
	divisor := s.readBigInt(mod, b)
	if divisor.Sign() == 0 {
		panic(HostExportError("bigInt.mod: division by zero"))
	}
	return s.writeBigInt(ctx, mod, new(big.Int).Rem(s.readBigInt(mod, a), divisor))
}

func (s *Session) hostBigIntPow(ctx context.Context, mod api.Module, a AscPtr, exp uint32) AscPtr {
	return s.writeBigInt(ctx, mod, new(big.Int).Exp(s.readBigInt(mod, a), big.NewInt(int64(exp)), nil))
}

func (s *Session) hostBigIntFromString(ctx context.Context, mod api.Module, strPtr AscPtr) AscPtr {
	str, err := ReadString(mod.Memory(), strPtr)
	if err != nil {
		panic(err)
	}
	n, err := ParseBigInt(str)
	if err != nil {
		panic(err)
	}
	return s.writeBigInt(ctx, mod, n)
}

func (s *Session) hostBigIntToHex(ctx context.Context, mod api.Module, ptr AscPtr) AscPtr {
	return s.writeString(ctx, mod, ToHex(s.readBigInt(mod, ptr)))
}

func (s *Session) hostBigIntFromSignedBytes(ctx context.Context, mod api.Module, ptr AscPtr) AscPtr {
	return s.writeBigInt(ctx, mod, s.readBigInt(mod, ptr))
}

func (s *Session) hostBigIntToI32(_ context.Context, mod api.Module, ptr AscPtr) int32 {
	n := s.readBigInt(mod, ptr)
	if !n.IsInt64() {
		panic(HostExportError("bigInt.toI32: value out of i32 range"))
	}
	v := n.Int64()
	if v < math.MinInt32 || v > math.MaxInt32 {
		panic(HostExportError("bigInt.toI32: value out of i32 range"))
	}
	return int32(v)
}

func (s *Session) hostBigIntFromUnsigned(ctx context.Context, mod api.Module, ptr AscPtr) AscPtr {
	buf, err := ReadArrayBuffer(mod.Memory(), ptr)
	if err != nil {
		panic(err)
	}
	if len(buf) != 32 {
		panic(HostExportError("bigInt.fromUnsigned: expected 32 bytes (4xu64)"))
	}
	var words [4]uint64
	for i := 0; i < 4; i++ {
		words[i] = uint64(buf[8*i]) | uint64(buf[8*i+1])<<8 | uint64(buf[8*i+2])<<16 | uint64(buf[8*i+3])<<24 |
			uint64(buf[8*i+4])<<32 | uint64(buf[8*i+5])<<40 | uint64(buf[8*i+6])<<48 | uint64(buf[8*i+7])<<56
	}
	return s.writeBigInt(ctx, mod, FromUnsignedWords(words))
}

// --- typeConversion ---

func (s *Session) hostBytesToHex(ctx context.Context, mod api.Module, ptr AscPtr) AscPtr {
	buf, err := ReadArrayBuffer(mod.Memory(), ptr)
	if err != nil {
		panic(err)
	}
	return s.writeString(ctx, mod, "0x"+hex.EncodeToString(buf))
}

func (s *Session) hostStringToH256(ctx context.Context, mod api.Module, strPtr AscPtr) AscPtr {
	str, err := ReadString(mod.Memory(), strPtr)
	if err != nil {
		panic(err)
	}
	decoded, err := hex.DecodeString(trimHexPrefix(str))
	if err != nil {
		panic(HostExportError(fmt.Sprintf("stringToH256: invalid hex %q: %v", str, err)))
	}
	out := make([]byte, 32)
	copy(out[32-len(decoded):], decoded)

	ptr, err := s.writeBytesBuffer(ctx, mod.Memory(), out)
	if err != nil {
		panic(err)
	}
	return ptr
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (s *Session) hostI32ToString(ctx context.Context, mod api.Module, v int32) AscPtr {
	return s.writeString(ctx, mod, strconv.FormatInt(int64(v), 10))
}

func (s *Session) hostI64ToString(ctx context.Context, mod api.Module, v int64) AscPtr {
	return s.writeString(ctx, mod, strconv.FormatInt(v, 10))
}

func (s *Session) hostF64ToString(ctx context.Context, mod api.Module, v float64) AscPtr {
	return s.writeString(ctx, mod, strconv.FormatFloat(v, 'g', -1, 64))
}

func (s *Session) hostStringToI32(_ context.Context, mod api.Module, strPtr AscPtr) int32 {
	str, err := ReadString(mod.Memory(), strPtr)
	if err != nil {
		panic(err)
	}
	v, err := strconv.ParseInt(str, 10, 32)
	if err != nil {
		panic(HostExportError(fmt.Sprintf("stringToI32: %v", err)))
	}
	return int32(v)
}

func (s *Session) hostStringToI64(_ context.Context, mod api.Module, strPtr AscPtr) int64 {
	str, err := ReadString(mod.Memory(), strPtr)
	if err != nil {
		panic(err)
	}
	v, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		panic(HostExportError(fmt.Sprintf("stringToI64: %v", err)))
	}
	return v
}

func (s *Session) hostStringToF64(_ context.Context, mod api.Module, strPtr AscPtr) float64 {
	str, err := ReadString(mod.Memory(), strPtr)
	if err != nil {
		panic(err)
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		panic(HostExportError(fmt.Sprintf("stringToF64: %v", err)))
	}
	return v
}

// --- ethereum ---

// ascCallRequest is ethereum.call's request argument: a contract address,
// a "name(types)" signature used to derive the 4-byte selector, and the
// argument tokens (spec.md §4.D "ethereum.call(request)"). The exact
// field layout has no source in the retrieved pack; this is this
// package's own reconstruction (see DESIGN.md).
type ascCallRequest struct {
	AddressPtr   AscPtr
	SignaturePtr AscPtr
	ArgsPtr      AscPtr
}

func readCallRequest(mem api.Memory, ptr AscPtr) (ascCallRequest, error) {
	addr, err := readU32(mem, ptr)
	if err != nil {
		return ascCallRequest{}, err
	}
	sig, err := readU32(mem, ptr+4)
	if err != nil {
		return ascCallRequest{}, err
	}
	args, err := readU32(mem, ptr+8)
	if err != nil {
		return ascCallRequest{}, err
	}
	return ascCallRequest{AddressPtr: addr, SignaturePtr: sig, ArgsPtr: args}, nil
}

// hostEthereumCall executes a read-only contract call via the Chain
// Adapter and returns a pointer to the Array<Ptr<Token>> result, or
// NilPtr when the call reverted (spec.md §4.D "revert produces null").
func (s *Session) hostEthereumCall(ctx context.Context, mod api.Module, requestPtr AscPtr) AscPtr {
	req, err := readCallRequest(mod.Memory(), requestPtr)
	if err != nil {
		panic(err)
	}
	addrBytes, err := ReadArrayBuffer(mod.Memory(), req.AddressPtr)
	if err != nil {
		panic(err)
	}
	signature, err := ReadString(mod.Memory(), req.SignaturePtr)
	if err != nil {
		panic(err)
	}
	args, err := ReadPtrArray(mod.Memory(), req.ArgsPtr, ReadToken)
	if err != nil {
		panic(err)
	}

	outcome, err := s.Chain.ContractCall(ctx, chain.ContractCall{
		Address:   "0x" + hex.EncodeToString(addrBytes),
		Signature: signature,
		Args:      args,
		BlockPtr:  domain.BlockPtr{Number: s.atBlock},
	})
	if err != nil {
		panic(err)
	}
	if outcome.Reverted {
		return NilPtr
	}

	elemPtrs := make([]AscPtr, len(outcome.Results))
	for i, tok := range outcome.Results {
		elemPtrs[i] = s.writeTokenEnum(ctx, mod, tok)
	}
	headerPtr, err := s.writePtrArray(ctx, mod.Memory(), elemPtrs)
	if err != nil {
		panic(err)
	}
	return headerPtr
}

// writeTokenEnum is the inverse of ReadToken: it allocates guest memory
// for t (including any nested ArrayBuffer/Array payload) and returns the
// pointer to the written Enum<TokenDiscr>. See writeValueEnum for why
// ArrayBuffer-backed payloads need their data pointer offset +4 past the
// allocation base.
func (s *Session) writeTokenEnum(ctx context.Context, mod api.Module, t chain.Token) AscPtr {
	mem := mod.Memory()
	if t.Kind == chain.TokenFixedArray || t.Kind == chain.TokenArray {
		elemPtrs := make([]AscPtr, len(t.Items))
		for i, item := range t.Items {
			elemPtrs[i] = s.writeTokenEnum(ctx, mod, item)
		}
		headerPtr, err := s.writePtrArray(ctx, mem, elemPtrs)
		if err != nil {
			panic(err)
		}
		enumPtr, err := s.alloc(ctx, EnumByteLen)
		if err != nil {
			panic(err)
		}
		if err := writeEnum(mem, enumPtr, ascEnum{Discr: uint32(t.Kind), Payload: uint64(headerPtr)}); err != nil {
			panic(err)
		}
		return enumPtr
	}

	var payloadPtr AscPtr
	switch t.Kind {
	case chain.TokenAddress, chain.TokenFixedBytes, chain.TokenBytes, chain.TokenInt, chain.TokenUint:
		base, err := s.alloc(ctx, TokenPayloadByteLen(t))
		if err != nil {
			panic(err)
		}
		payloadPtr = base + 4
	case chain.TokenString:
		base, err := s.alloc(ctx, TokenPayloadByteLen(t))
		if err != nil {
			panic(err)
		}
		payloadPtr = base
	}

	enumPtr, err := s.alloc(ctx, EnumByteLen)
	if err != nil {
		panic(err)
	}
	if err := WriteToken(mem, enumPtr, payloadPtr, t); err != nil {
		panic(err)
	}
	return enumPtr
}

// --- abort ---

// hostAbort implements the module's abort(msg,file,line,col) export
// (spec.md §4.D "mapped to a host trap whose displayed message embeds all
// four fields verbatim").
func (s *Session) hostAbort(_ context.Context, mod api.Module, msgPtr, filePtr AscPtr, line, col int32) {
	msg, err := ReadString(mod.Memory(), msgPtr)
	if err != nil {
		panic(err)
	}
	file, err := ReadString(mod.Memory(), filePtr)
	if err != nil {
		panic(err)
	}
	panic(MappingAborted(file, line, col, msg))
}
