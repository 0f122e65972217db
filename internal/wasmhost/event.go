package wasmhost

import (
	"context"

	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
)

// logEventByteLen is the fixed-layout event-handler argument struct this
// package reconstructs, matching the footprint of every other ABI
// decision host.go already had to invent (ethereum.call's request struct,
// entityAsValue's store.get return shape): spec.md §4.D names the event
// handler invocation but not its argument encoding, so the layout below
// is a reconstruction, not a transcription, kept internally consistent
// by being the only place that both writes it (here) and nothing else
// ever needs to read it back (the guest decodes it directly).
//
// Field layout (4-byte aligned AscPtr/u32/u64 slots):
//
//	0  addressPtr   AscPtr (String)
//	4  topicsPtr    AscPtr (Array<Ptr<String>>)
//	8  dataPtr      AscPtr (ArrayBuffer<u8>)
//	12 txIndex      u32
//	16 logIndex     u32
//	20 blockNumber  u64
//	28 blockHashPtr AscPtr (ArrayBuffer<u8>, 32 bytes)
const logEventByteLen = 32

// WriteLogEvent marshals one chain log plus its containing block pointer
// into the guest's linear memory, returning the pointer an event
// handler's sole export argument expects (spec.md §4.F step 2 "invoke D").
//
// Unlike host.go's namespace functions, WriteLogEvent runs on the Instance
// Runtime's side of the call, before Session.Invoke's panic/recover
// boundary is installed, so it reports allocation failures as a plain
// error rather than panicking.
func (s *Session) WriteLogEvent(ctx context.Context, log chain.Log, blockPtr domain.BlockPtr) (AscPtr, error) {
	mem := s.module.Memory()

	addrPtr, err := s.writeGuestString(ctx, mem, log.Address)
	if err != nil {
		return NilPtr, err
	}

	topicPtrs := make([]AscPtr, len(log.Topics))
	for i, topic := range log.Topics {
		p, err := s.writeGuestString(ctx, mem, topic)
		if err != nil {
			return NilPtr, err
		}
		topicPtrs[i] = p
	}
	topicsPtr, err := s.writePtrArray(ctx, mem, topicPtrs)
	if err != nil {
		return NilPtr, err
	}

	dataPtr, err := s.writeBytesBuffer(ctx, mem, log.Data)
	if err != nil {
		return NilPtr, err
	}

	hash := blockPtr.Hash
	hashPtr, err := s.writeBytesBuffer(ctx, mem, hash[:])
	if err != nil {
		return NilPtr, err
	}

	headerPtr, err := s.alloc(ctx, logEventByteLen)
	if err != nil {
		return NilPtr, err
	}
	for _, w := range []struct {
		off uint32
		val uint32
	}{
		{0, addrPtr},
		{4, topicsPtr},
		{8, dataPtr},
		{12, log.TransactionIndex},
		{16, log.LogIndex},
		{28, hashPtr},
	} {
		if err := writeU32(mem, headerPtr+w.off, w.val); err != nil {
			return NilPtr, err
		}
	}
	if err := writeU64(mem, headerPtr+20, blockPtr.Number); err != nil {
		return NilPtr, err
	}
	return headerPtr, nil
}
