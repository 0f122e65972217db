// Package blockstream implements the Block Stream (spec.md §4.E): a
// per-deployment state machine producing a monotonic sequence of
// (block, matching logs, is-reorg-revert?) tuples from a Chain Adapter,
// in the shape of the teacher's services/indexer.Syncer ticker-driven
// poll loop, generalized from "poll every network on an interval" to
// "poll one deployment's log filter until caught up, then idle".
package blockstream

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
)

// reorgSafety pads Config.MaxReorgDepth when walking backward for the
// last common ancestor, since the ancestor itself lies one block past
// the deepest allowed divergence.
const reorgSafety = 10

// Config tunes one Stream's scan behavior.
type Config struct {
	WindowSize    uint64        // max blocks probed per scan
	MaxReorgDepth uint64        // spec.md §4.F "ReorgTooDeep" threshold
	PollInterval  time.Duration // idle sleep once caught up to the chain tip
}

// DefaultConfig mirrors typical production indexer defaults: a few
// thousand blocks per scan window, conservative reorg tolerance, and a
// poll interval matched to Ethereum-class block times.
func DefaultConfig() Config {
	return Config{WindowSize: 2000, MaxReorgDepth: 100, PollInterval: 4 * time.Second}
}

// Event is one emission from a Stream: either a new block's matching
// logs, or (Reverted=true) a synthetic unwind of a block the chain no
// longer considers canonical (spec.md §4.E "Reorg detection").
type Event struct {
	Ptr      domain.BlockPtr
	Logs     []chain.Log
	Reverted bool
}

// Stream drives one deployment's Block Stream state machine. It owns no
// store state of its own: the caller (Instance Runtime) seeds the
// initial head from the store and is the sole consumer of Events.
type Stream struct {
	deployment domain.DeploymentID
	chainAdapter chain.Adapter
	filter     *Filter
	cfg        Config
	log        *logrus.Entry

	mu   sync.Mutex
	head domain.BlockPtr

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	reorgs prometheus.Counter
}

// New builds a Stream for deployment, starting its scan cursor at head
// (the store's current forward_block_ptr) and watching filter's
// addresses/topics.
func New(deployment domain.DeploymentID, adapter chain.Adapter, filter *Filter, head domain.BlockPtr, cfg Config, log *logrus.Entry) *Stream {
	return &Stream{
		deployment:   deployment,
		chainAdapter: adapter,
		filter:       filter,
		cfg:          cfg,
		log:          log.WithField("deployment", string(deployment)),
		head:         head,
		events:       make(chan Event, 100), // spec.md §5 "bounded channel (default 100)"
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "graphnode_blockstream_reorgs_total",
			Help:        "Reorg unwinds detected by the block stream.",
			ConstLabels: prometheus.Labels{"deployment": string(deployment)},
		}),
	}
}

// Metrics exposes the stream's prometheus collectors. Registration and
// exposition are out of scope (spec.md §1) — this node only defines the
// metric objects, the same convention internal/store/postgres.Pool uses.
func (s *Stream) Metrics() []prometheus.Collector {
	return []prometheus.Collector{s.reorgs}
}

// Events returns the channel the Instance Runtime drains. Closed once
// Stop's goroutine has fully unwound (spec.md §4.E "Cancellation ...
// close the sequence at the next safe boundary").
func (s *Stream) Events() <-chan Event { return s.events }

// Start launches the scan loop. Safe to call once; a second call is a
// caller bug, not guarded here (the Instance Manager owns one Stream per
// running deployment and never restarts a stopped one).
func (s *Stream) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop requests the loop abort at the next inter-block boundary and
// blocks until it has (spec.md §4.E "Cancellation").
func (s *Stream) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.doneCh)
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		advanced, err := s.scanOnce(ctx)
		if err != nil {
			s.log.WithError(err).Warn("block stream scan failed")
		}
		if advanced {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// scanOnce runs one BeginScan->FetchBlocks->CheckReorg->EmitBlock->
// AdvanceHead pass, or a Reverting branch when the held head is no
// longer canonical. advanced reports whether the head moved, so the
// caller skips its idle sleep while there is more ground to cover.
func (s *Stream) scanOnce(ctx context.Context) (advanced bool, err error) {
	head := s.getHead()

	if !head.IsZero() {
		onMain, err := s.chainAdapter.IsOnMainChain(ctx, head)
		if err != nil {
			return false, err
		}
		if !onMain {
			ancestor, err := s.revert(ctx, head)
			if err != nil {
				return false, err
			}
			s.setHead(ancestor)
			return true, nil
		}
	}

	fromBlock := uint64(0)
	if !head.IsZero() {
		fromBlock = head.Number + 1
	}

	tip, tipHash, found, err := s.probeTip(ctx, fromBlock)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil // Idle: chain hasn't produced fromBlock yet
	}

	candidates, err := s.chainAdapter.FindBlocksWithLogs(ctx, s.filter.LogFilter(fromBlock, tip))
	if err != nil {
		return false, err
	}

	for i, candidate := range candidates {
		block, err := s.chainAdapter.BlockByHash(ctx, candidate.Hash)
		if err != nil {
			return false, err
		}
		// Parent-hash continuity is only checkable at the scan boundary:
		// the Adapter's narrow interface (spec.md §4.B) returns only the
		// blocks with matching logs, not every intermediate block, so
		// there is no parent hash to compare candidates[i] against for
		// i>0 without an extra fetch per block.
		if i == 0 && !head.IsZero() && block.ParentHash != head.Hash {
			ancestor, err := s.revert(ctx, head)
			if err != nil {
				return false, err
			}
			s.setHead(ancestor)
			return true, nil
		}
		if err := s.emit(ctx, Event{Ptr: candidate, Logs: block.Logs}); err != nil {
			return false, err
		}
		s.setHead(candidate)
	}

	if len(candidates) == 0 {
		s.setHead(domain.BlockPtr{Number: tip, Hash: tipHash})
	}

	return tip-fromBlock+1 >= s.cfg.WindowSize, nil
}

// probeTip finds the highest block number at or after from that the
// chain has actually produced, within one scan window. The Adapter has
// no "chain head" query (spec.md §4.B's interface is narrower than
// that), so this walks forward probing BlockHashByNumber until a gap
// is found or the window is exhausted.
func (s *Stream) probeTip(ctx context.Context, from uint64) (tip uint64, tipHash domain.BlockHash, found bool, err error) {
	for n := from; n < from+s.cfg.WindowSize; n++ {
		hash, err := s.chainAdapter.BlockHashByNumber(ctx, n)
		if err != nil {
			return 0, domain.BlockHash{}, false, err
		}
		if hash == nil {
			break
		}
		tip, tipHash, found = n, *hash, true
	}
	return tip, tipHash, found, nil
}

// revert walks backward from head until it finds a block still
// considered canonical, emitting a synthetic Reverted event for each
// unwound block (spec.md §4.E "Reverting drives block-by-block
// backwards until the last common ancestor is found").
func (s *Stream) revert(ctx context.Context, head domain.BlockPtr) (domain.BlockPtr, error) {
	cur := head
	maxDepth := s.cfg.MaxReorgDepth + reorgSafety

	for depth := uint64(0); depth <= maxDepth; depth++ {
		onMain, err := s.chainAdapter.IsOnMainChain(ctx, cur)
		if err != nil {
			return domain.BlockPtr{}, err
		}
		if onMain {
			if depth > 0 {
				s.reorgs.Inc()
			}
			return cur, nil
		}
		if err := s.emit(ctx, Event{Ptr: cur, Reverted: true}); err != nil {
			return domain.BlockPtr{}, err
		}
		if cur.Number == 0 {
			return domain.BlockPtr{}, errs.New(errs.CodeReorgTooDeep, "reorg reached genesis without finding a common ancestor")
		}
		block, err := s.chainAdapter.BlockByHash(ctx, cur.Hash)
		if err != nil {
			return domain.BlockPtr{}, err
		}
		cur = domain.BlockPtr{Number: cur.Number - 1, Hash: block.ParentHash}
	}
	return domain.BlockPtr{}, errs.New(errs.CodeReorgTooDeep,
		"reorg depth exceeded max_reorg_depth without finding a common ancestor")
}

func (s *Stream) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return errs.New(errs.CodeTransport, "block stream stopped mid-emit")
	}
}

func (s *Stream) getHead() domain.BlockPtr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

func (s *Stream) setHead(ptr domain.BlockPtr) {
	s.mu.Lock()
	s.head = ptr
	s.mu.Unlock()
}

// AddDataSource folds a dynamically spawned data source into the
// stream's filter before the next scan (spec.md §4.E "Dynamic sources").
func (s *Stream) AddDataSource(ds domain.DataSource) {
	s.filter.Add(ds)
}
