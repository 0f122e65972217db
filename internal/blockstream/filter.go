package blockstream

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
)

// Filter accumulates the union of every running data source's topic0/
// address set (spec.md §4.E "union of all data-source topic filters").
// One Filter is owned by exactly one Stream; Add is called by the
// Instance Runtime when a handler spawns a template data source
// mid-run, so it is safe for concurrent use even though the scan loop
// itself is single-threaded.
type Filter struct {
	mu        sync.Mutex
	topics    map[string]struct{}
	addresses map[string]struct{}
}

// NewFilter builds a Filter seeded from an initial data source set.
func NewFilter(dataSources []domain.DataSource) *Filter {
	f := &Filter{topics: map[string]struct{}{}, addresses: map[string]struct{}{}}
	for _, ds := range dataSources {
		f.Add(ds)
	}
	return f
}

// Add folds ds's watched address and event topics into the filter.
func (f *Filter) Add(ds domain.DataSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ds.Source.Address != "" {
		f.addresses[strings.ToLower(ds.Source.Address)] = struct{}{}
	}
	for _, sig := range ds.EventSignatures() {
		f.topics[Topic0(sig)] = struct{}{}
	}
}

// Snapshot returns the current topic0/address sets as sorted slices, so
// two snapshots built from the same data sources compare equal and the
// resulting chain.LogFilter is deterministic across runs.
func (f *Filter) Snapshot() (topics, addresses []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics = make([]string, 0, len(f.topics))
	for t := range f.topics {
		topics = append(topics, t)
	}
	addresses = make([]string, 0, len(f.addresses))
	for a := range f.addresses {
		addresses = append(addresses, a)
	}
	sort.Strings(topics)
	sort.Strings(addresses)
	return topics, addresses
}

// LogFilter builds the chain.LogFilter for the block range [from, to]
// using the current snapshot.
func (f *Filter) LogFilter(from, to uint64) chain.LogFilter {
	topics, addresses := f.Snapshot()
	return chain.LogFilter{FromBlock: from, ToBlock: to, Topic0: topics, Addresses: addresses}
}

// Topic0 is the keccak256 hash of an event signature string, the wire
// shape Ethereum-class logs index their first topic by.
func Topic0(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
