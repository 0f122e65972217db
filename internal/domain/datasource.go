package domain

// EventHandler maps one contract event signature to the WASM export that
// handles it, e.g. {"Transfer(address,address,uint256)", "handleTransfer"}.
type EventHandler struct {
	EventSignature string
	HandlerName    string
}

// ABIReference names a contract ABI file bundled with the mapping, keyed
// by the name data sources use to look it up at runtime (ethereum.call).
type ABIReference struct {
	Name string
	Link string // /ipfs/<hash>, resolved lazily by the link resolver
}

// Mapping describes the WASM module implementing a data source's handlers.
type Mapping struct {
	APIVersion    string
	Language      string // "wasm/assemblyscript"
	RuntimeBlob   []byte // resolved WASM bytecode
	RuntimeLink   string // /ipfs/<hash> before resolution
	Entities      []string
	ABIs          []ABIReference
	EventHandlers []EventHandler
}

// Source identifies the contract a data source watches.
type Source struct {
	Address string // 20-byte hex address, "" for template data sources
	ABI     string // name of the ABIReference providing the contract ABI
}

// DataSource is a contract address plus the handlers that process its
// events. A deployment declares >=1; templates allow new ones to be
// spawned dynamically while indexing (spec.md §3, §4.F).
type DataSource struct {
	Kind    string // "ethereum/contract"
	Name    string
	Network string
	Source  Source
	Mapping Mapping
}

// EventSignatures returns the raw event signatures this data source's
// handlers care about. The keccak256 hashing into topic0 values happens in
// the caller (blockstream/filter.go), which has access to the crypto
// primitive; this just enumerates the raw signatures.
func (ds DataSource) EventSignatures() []string {
	sigs := make([]string, 0, len(ds.Mapping.EventHandlers))
	for _, h := range ds.Mapping.EventHandlers {
		sigs = append(sigs, h.EventSignature)
	}
	return sigs
}

// HandlerFor returns the handler name bound to an event signature, if any.
func (ds DataSource) HandlerFor(signature string) (string, bool) {
	for _, h := range ds.Mapping.EventHandlers {
		if h.EventSignature == signature {
			return h.HandlerName, true
		}
	}
	return "", false
}

// Manifest is the fully-resolved subgraph manifest (spec.md §6): schema,
// data sources and templates, all nested /ipfs/ links already fetched.
type Manifest struct {
	DeploymentID DeploymentID
	SpecVersion  string
	Raw          []byte // the manifest document itself, before link resolution
	Schema       []byte
	DataSources  []DataSource
	Templates    []DataSource
}
