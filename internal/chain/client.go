package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/sha3"

	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
)

// rpcRequest/rpcResponse are the generic JSON-RPC 2.0 envelope, the same
// shape as _teacher_ref/infrastructure/chain.Client.Call's RPCRequest, but
// against an Ethereum-class node instead of Neo N3.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is a minimal JSON-RPC client against an Ethereum-class node.
// Full wire-protocol fidelity (batching, websocket subscriptions, chain
// reconnect policy) is out of scope (spec.md §1); this exists to let
// Adapter's methods be exercised end to end.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	nextID     int64
}

// NewClient builds a Client against rpcURL with the given request timeout.
func NewClient(rpcURL string, timeout time.Duration) *Client {
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// call issues a single JSON-RPC request and returns its raw "result"
// field, or the JSON-RPC-level error, distinguishing it from a transport
// failure.
func (c *Client) call(ctx context.Context, method string, params ...interface{}) ([]byte, *rpcError, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeHostExport, "encode rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeTransport, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeTransport, method+" request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeTransport, "read rpc response", err)
	}

	if errField := gjson.GetBytes(raw, "error"); errField.Exists() {
		var rerr rpcError
		if err := json.Unmarshal([]byte(errField.Raw), &rerr); err != nil {
			return nil, nil, errs.Wrap(errs.CodeTransport, "decode rpc error", err)
		}
		return nil, &rerr, nil
	}

	result := gjson.GetBytes(raw, "result")
	return []byte(result.Raw), nil, nil
}

// NetIdentifiers reports the connected chain's network id and genesis
// block hash.
func (c *Client) NetIdentifiers(ctx context.Context) (NetIdentifiers, error) {
	netResult, rerr, err := c.call(ctx, "net_version")
	if err != nil {
		return NetIdentifiers{}, err
	}
	if rerr != nil {
		return NetIdentifiers{}, errs.New(errs.CodeTransport, "net_version: "+rerr.Message)
	}

	genesisResult, rerr, err := c.call(ctx, "eth_getBlockByNumber", "0x0", false)
	if err != nil {
		return NetIdentifiers{}, err
	}
	if rerr != nil {
		return NetIdentifiers{}, errs.New(errs.CodeTransport, "eth_getBlockByNumber(0): "+rerr.Message)
	}

	hashHex := gjson.GetBytes(genesisResult, "hash").String()
	hash, err := hashFromHex(hashHex)
	if err != nil {
		return NetIdentifiers{}, errs.Wrap(errs.CodeTransport, "decode genesis hash", err)
	}

	return NetIdentifiers{
		Network:     strings.Trim(string(netResult), `"`),
		GenesisHash: hash,
	}, nil
}

// BlockByHash fetches a block's header fields and the logs emitted within
// it (a second eth_getLogs call scoped to the block hash, since
// eth_getBlockByHash does not itself embed logs).
func (c *Client) BlockByHash(ctx context.Context, hash domain.BlockHash) (*Block, error) {
	raw, rerr, err := c.call(ctx, "eth_getBlockByHash", "0x"+hex.EncodeToString(hash[:]), false)
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, errs.New(errs.CodeTransport, "eth_getBlockByHash: "+rerr.Message)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errs.NotFound(fmt.Sprintf("block %s not found", hash))
	}

	block, err := parseBlockHeader(raw)
	if err != nil {
		return nil, err
	}

	logs, err := c.logsForBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	block.Logs = logs
	return block, nil
}

func parseBlockHeader(raw []byte) (*Block, error) {
	numberHex := gjson.GetBytes(raw, "number").String()
	number, err := parseHexUint(numberHex)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "parse block number", err)
	}
	hash, err := hashFromHex(gjson.GetBytes(raw, "hash").String())
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "parse block hash", err)
	}
	parentHash, err := hashFromHex(gjson.GetBytes(raw, "parentHash").String())
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "parse parent hash", err)
	}
	timestampHex := gjson.GetBytes(raw, "timestamp").String()
	timestamp, err := parseHexUint(timestampHex)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "parse block timestamp", err)
	}

	return &Block{
		Ptr:        domain.BlockPtr{Hash: hash, Number: number},
		ParentHash: parentHash,
		Timestamp:  int64(timestamp),
	}, nil
}

func (c *Client) logsForBlock(ctx context.Context, hash domain.BlockHash) ([]Log, error) {
	filterObj := map[string]interface{}{"blockHash": "0x" + hex.EncodeToString(hash[:])}
	raw, rerr, err := c.call(ctx, "eth_getLogs", filterObj)
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, errs.New(errs.CodeTransport, "eth_getLogs: "+rerr.Message)
	}
	return decodeLogs(raw)
}

// BlockHashByNumber resolves the canonical hash at number on the chain's
// current view (used by the Block Stream to detect a fork: if the stored
// head's number now resolves to a different hash, a reorg occurred).
func (c *Client) BlockHashByNumber(ctx context.Context, number uint64) (*domain.BlockHash, error) {
	raw, rerr, err := c.call(ctx, "eth_getBlockByNumber", "0x"+strconv.FormatUint(number, 16), false)
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, errs.New(errs.CodeTransport, "eth_getBlockByNumber: "+rerr.Message)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	hash, err := hashFromHex(gjson.GetBytes(raw, "hash").String())
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "parse block hash", err)
	}
	return &hash, nil
}

// IsOnMainChain reports whether ptr's hash is still the canonical hash at
// its number.
func (c *Client) IsOnMainChain(ctx context.Context, ptr domain.BlockPtr) (bool, error) {
	canonical, err := c.BlockHashByNumber(ctx, ptr.Number)
	if err != nil {
		return false, err
	}
	if canonical == nil {
		return false, nil
	}
	return *canonical == ptr.Hash, nil
}

// FindBlocksWithLogs returns, in ascending order, the distinct block
// pointers within [filter.FromBlock, filter.ToBlock] whose logs match the
// topic0/address filter, using PaesslerAG/jsonpath to pull the
// (blockNumber, blockHash) pairs out of the raw eth_getLogs array without
// hand-rolling a decoder struct per caller.
func (c *Client) FindBlocksWithLogs(ctx context.Context, filter LogFilter) ([]domain.BlockPtr, error) {
	params := map[string]interface{}{
		"fromBlock": "0x" + strconv.FormatUint(filter.FromBlock, 16),
		"toBlock":   "0x" + strconv.FormatUint(filter.ToBlock, 16),
	}
	if len(filter.Topic0) > 0 {
		params["topics"] = []interface{}{filter.Topic0}
	}
	if len(filter.Addresses) > 0 {
		params["address"] = filter.Addresses
	}

	raw, rerr, err := c.call(ctx, "eth_getLogs", params)
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, errs.New(errs.CodeTransport, "eth_getLogs: "+rerr.Message)
	}

	var logsArray interface{}
	if err := json.Unmarshal(raw, &logsArray); err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "decode logs array", err)
	}

	numbers, err := jsonpath.Get("$[*].blockNumber", logsArray)
	if err != nil {
		// No matches is not an error; it just means an empty window.
		return nil, nil
	}
	hashes, err := jsonpath.Get("$[*].blockHash", logsArray)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "extract block hashes", err)
	}

	numberList, _ := numbers.([]interface{})
	hashList, _ := hashes.([]interface{})
	if len(numberList) != len(hashList) {
		return nil, errs.New(errs.CodeTransport, "eth_getLogs returned mismatched block fields")
	}

	seen := make(map[domain.BlockHash]bool)
	var out []domain.BlockPtr
	for i := range numberList {
		numHex, _ := numberList[i].(string)
		hashHex, _ := hashList[i].(string)
		number, err := parseHexUint(numHex)
		if err != nil {
			continue
		}
		hash, err := hashFromHex(hashHex)
		if err != nil {
			continue
		}
		if seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, domain.BlockPtr{Hash: hash, Number: number})
	}
	return out, nil
}

// ContractCall performs a read-only eth_call. Only static argument types
// (address, (u)int, bool) are ABI-encoded; the return value is exposed as
// a single raw Bytes token rather than decoded against a return-type
// signature, leaving further decoding to the WASM host's bigInt/
// typeConversion functions, which is as far as spec.md §4.B's narrow
// interface needs to go.
func (c *Client) ContractCall(ctx context.Context, call ContractCall) (*CallOutcome, error) {
	data, err := encodeCall(call.Signature, call.Args)
	if err != nil {
		return nil, err
	}

	blockTag := "latest"
	if !call.BlockPtr.IsZero() {
		blockTag = "0x" + strconv.FormatUint(call.BlockPtr.Number, 16)
	}

	callObj := map[string]interface{}{
		"to":   call.Address,
		"data": "0x" + hex.EncodeToString(data),
	}
	raw, rerr, err := c.call(ctx, "eth_call", callObj, blockTag)
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		if strings.Contains(strings.ToLower(rerr.Message), "revert") {
			return &CallOutcome{Reverted: true}, nil
		}
		return nil, errs.New(errs.CodeTransport, "eth_call: "+rerr.Message)
	}

	resultHex := strings.Trim(string(raw), `"`)
	out, err := hex.DecodeString(strings.TrimPrefix(resultHex, "0x"))
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "decode eth_call result", err)
	}
	return &CallOutcome{Results: []Token{{Kind: TokenBytes, Bytes: out}}}, nil
}

// encodeCall builds the calldata for a static-argument function call:
// the 4-byte keccak256 selector followed by each argument left-padded to
// a 32-byte word.
func encodeCall(signature string, args []Token) ([]byte, error) {
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(signature))
	selector := hash.Sum(nil)[:4]

	out := make([]byte, 0, 4+32*len(args))
	out = append(out, selector...)
	for _, a := range args {
		word, err := encodeStaticWord(a)
		if err != nil {
			return nil, err
		}
		out = append(out, word...)
	}
	return out, nil
}

func encodeStaticWord(t Token) ([32]byte, error) {
	var word [32]byte
	switch t.Kind {
	case TokenAddress:
		if len(t.Bytes) != 20 {
			return word, errs.New(errs.CodeHostExport, "address token must be 20 bytes")
		}
		copy(word[12:], t.Bytes)
	case TokenBool:
		if t.Bool {
			word[31] = 1
		}
	case TokenInt, TokenUint:
		n := new(big.Int)
		if len(t.BigInt) > 0 {
			n.SetBytes(t.BigInt)
			if t.BigInt[0]&0x80 != 0 {
				n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(8*len(t.BigInt))))
			}
		} else {
			n.SetInt64(t.Int)
		}
		if n.Sign() < 0 {
			n.Add(n, new(big.Int).Lsh(big.NewInt(1), 256))
		}
		b := n.Bytes()
		if n.Sign() < 0 || len(b) > 32 {
			return word, errs.New(errs.CodeHostExport, "integer token exceeds 256 bits")
		}
		copy(word[32-len(b):], b)
	default:
		return word, errs.New(errs.CodeHostExport, fmt.Sprintf("unsupported static call argument kind %d", t.Kind))
	}
	return word, nil
}

func decodeLogs(raw []byte) ([]Log, error) {
	var entries []struct {
		Address          string   `json:"address"`
		Topics           []string `json:"topics"`
		Data             string   `json:"data"`
		TransactionIndex string   `json:"transactionIndex"`
		LogIndex         string   `json:"logIndex"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "decode logs", err)
	}

	out := make([]Log, 0, len(entries))
	for _, e := range entries {
		data, err := hex.DecodeString(strings.TrimPrefix(e.Data, "0x"))
		if err != nil {
			return nil, errs.Wrap(errs.CodeTransport, "decode log data", err)
		}
		txIdx, _ := parseHexUint(e.TransactionIndex)
		logIdx, _ := parseHexUint(e.LogIndex)
		out = append(out, Log{
			Address:          e.Address,
			Topics:           e.Topics,
			Data:             data,
			TransactionIndex: uint32(txIdx),
			LogIndex:         uint32(logIdx),
		})
	}
	return out, nil
}

func hashFromHex(s string) (domain.BlockHash, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return domain.BlockHash{}, err
	}
	return domain.BlockHashFromBytes(b)
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex number")
	}
	return strconv.ParseUint(s, 16, 64)
}
