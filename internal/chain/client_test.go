package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
)

// newRPCServer answers one JSON-RPC method per call, keyed by method name.
// handlers returning nil signal "no result" (serialized as a JSON-RPC
// error); everything else is marshaled into the envelope's "result" field.
func newRPCServer(t *testing.T, handlers map[string]func(params json.RawMessage) (interface{}, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var envelope struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&envelope))

		handler, ok := handlers[envelope.Method]
		if !ok {
			t.Fatalf("unexpected RPC method %q", envelope.Method)
		}
		result, rpcErrMsg := handler(envelope.Params)

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": envelope.ID}
		if rpcErrMsg != "" {
			resp["error"] = map[string]interface{}{"code": -32000, "message": rpcErrMsg}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

var genesisHash = "0x" + hex32("11")
var blockHash1 = "0x" + hex32("22")
var parentHash0 = "0x" + hex32("00")

func hex32(b string) string {
	out := ""
	for i := 0; i < 32; i++ {
		out += b
	}
	return out
}

func TestNetIdentifiers(t *testing.T) {
	srv := newRPCServer(t, map[string]func(json.RawMessage) (interface{}, string){
		"net_version": func(json.RawMessage) (interface{}, string) { return "1337", "" },
		"eth_getBlockByNumber": func(json.RawMessage) (interface{}, string) {
			return map[string]interface{}{"hash": genesisHash}, ""
		},
	})
	c := NewClient(srv.URL, time.Second)

	got, err := c.NetIdentifiers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1337", got.Network)
	assert.Equal(t, genesisHash, got.GenesisHash.String())
}

func TestBlockByHashNotFound(t *testing.T) {
	srv := newRPCServer(t, map[string]func(json.RawMessage) (interface{}, string){
		"eth_getBlockByHash": func(json.RawMessage) (interface{}, string) { return nil, "" },
	})
	c := NewClient(srv.URL, time.Second)

	hash, err := domain.BlockHashFromBytes(make([]byte, 32))
	require.NoError(t, err)

	_, err = c.BlockByHash(context.Background(), hash)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestBlockByHashIncludesLogs(t *testing.T) {
	srv := newRPCServer(t, map[string]func(json.RawMessage) (interface{}, string){
		"eth_getBlockByHash": func(json.RawMessage) (interface{}, string) {
			return map[string]interface{}{
				"number":     "0x2a",
				"hash":       blockHash1,
				"parentHash": parentHash0,
				"timestamp":  "0x5f5e100",
			}, ""
		},
		"eth_getLogs": func(json.RawMessage) (interface{}, string) {
			return []map[string]interface{}{
				{
					"address":          "0xabc",
					"topics":           []string{"0xdef"},
					"data":             "0x1234",
					"transactionIndex": "0x1",
					"logIndex":         "0x0",
				},
			}, ""
		},
	})
	c := NewClient(srv.URL, time.Second)

	hash, err := domain.BlockHashFromBytes(make([]byte, 32))
	require.NoError(t, err)

	block, err := c.BlockByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), block.Ptr.Number)
	require.Len(t, block.Logs, 1)
	assert.Equal(t, []byte{0x12, 0x34}, block.Logs[0].Data)
	assert.Equal(t, uint32(1), block.Logs[0].TransactionIndex)
}

func TestIsOnMainChain(t *testing.T) {
	srv := newRPCServer(t, map[string]func(json.RawMessage) (interface{}, string){
		"eth_getBlockByNumber": func(json.RawMessage) (interface{}, string) {
			return map[string]interface{}{"hash": blockHash1}, ""
		},
	})
	c := NewClient(srv.URL, time.Second)

	decoded, err := hex.DecodeString(strings.TrimPrefix(blockHash1, "0x"))
	require.NoError(t, err)
	hash, err := domain.BlockHashFromBytes(decoded)
	require.NoError(t, err)

	onMain, err := c.IsOnMainChain(context.Background(), domain.BlockPtr{Hash: hash, Number: 7})
	require.NoError(t, err)
	assert.True(t, onMain)

	otherHash, err := domain.BlockHashFromBytes(make([]byte, 32))
	require.NoError(t, err)
	onMain, err = c.IsOnMainChain(context.Background(), domain.BlockPtr{Hash: otherHash, Number: 7})
	require.NoError(t, err)
	assert.False(t, onMain)
}

func TestContractCallRevertIsOutcomeNotError(t *testing.T) {
	srv := newRPCServer(t, map[string]func(json.RawMessage) (interface{}, string){
		"eth_call": func(json.RawMessage) (interface{}, string) { return nil, "execution reverted" },
	})
	c := NewClient(srv.URL, time.Second)

	outcome, err := c.ContractCall(context.Background(), ContractCall{
		Address:   "0xabc",
		Signature: "balanceOf(address)",
		Args:      []Token{{Kind: TokenAddress, Bytes: make([]byte, 20)}},
	})
	require.NoError(t, err)
	assert.True(t, outcome.Reverted)
}

func TestContractCallReturnsRawBytesToken(t *testing.T) {
	srv := newRPCServer(t, map[string]func(json.RawMessage) (interface{}, string){
		"eth_call": func(json.RawMessage) (interface{}, string) { return "0x00000001", "" },
	})
	c := NewClient(srv.URL, time.Second)

	outcome, err := c.ContractCall(context.Background(), ContractCall{
		Address:   "0xabc",
		Signature: "totalSupply()",
	})
	require.NoError(t, err)
	require.False(t, outcome.Reverted)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, TokenBytes, outcome.Results[0].Kind)
	assert.Equal(t, []byte{0, 0, 0, 1}, outcome.Results[0].Bytes)
}

func TestFindBlocksWithLogsDedupesByHash(t *testing.T) {
	srv := newRPCServer(t, map[string]func(json.RawMessage) (interface{}, string){
		"eth_getLogs": func(json.RawMessage) (interface{}, string) {
			return []map[string]interface{}{
				{"blockNumber": "0x1", "blockHash": blockHash1},
				{"blockNumber": "0x1", "blockHash": blockHash1},
			}, ""
		},
	})
	c := NewClient(srv.URL, time.Second)

	ptrs, err := c.FindBlocksWithLogs(context.Background(), LogFilter{FromBlock: 1, ToBlock: 1, Topic0: []string{"0xdead"}})
	require.NoError(t, err)
	require.Len(t, ptrs, 1)
	assert.Equal(t, uint64(1), ptrs[0].Number)
}
