// Package runtime implements the Instance Runtime and Instance Manager
// (spec.md §4.F, §4.G): one goroutine per running deployment driving a
// Block Stream, dispatching matched logs to WASM handlers, and applying
// the resulting entity operations to the store inside one transaction
// per block, in the shape of the teacher's services/indexer.Service —
// generalized from "one service, one syncer" to "one manager, N
// per-deployment instances".
package runtime

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/BladeCKG/graph-node-go/internal/blockstream"
	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
	"github.com/BladeCKG/graph-node-go/internal/logging"
	"github.com/BladeCKG/graph-node-go/internal/resolver"
	"github.com/BladeCKG/graph-node-go/internal/store"
	"github.com/BladeCKG/graph-node-go/internal/wasmhost"
)

// mappingSession is the slice of wasmhost.Session that dispatch needs.
// Narrowing it to an interface keeps the log-routing and retry logic
// here testable against a fake, the same way internal/wasmhost's own
// tests exercise the ABI bridge without compiling a real WASM module.
type mappingSession interface {
	WriteLogEvent(ctx context.Context, log chain.Log, blockPtr domain.BlockPtr) (uint32, error)
	Invoke(ctx context.Context, handlerName string, atBlock uint64, args ...uint64) ([]domain.EntityOp, error)
}

// handlerRoute binds one data source's session to the event signatures it
// handles, so dispatch can look a log up by (address, topic0) without
// rescanning the manifest per log.
type handlerRoute struct {
	session mappingSession
	ds      domain.DataSource
	address string // lowercased, "" matches any address (templates)
}

// Instance is the Instance Runtime for one deployment: it owns one
// wasmhost.Session per data source, drives a blockstream.Stream, and
// applies buffered entity operations to the store at each block boundary
// (spec.md §4.F).
type Instance struct {
	deployment domain.DeploymentID
	store      store.EntityStore
	meta       store.MetaStore
	stream     *blockstream.Stream
	log        *logrus.Entry

	runtime wazero.Runtime
	routes  map[string][]handlerRoute // topic0 -> routes

	stopCh chan struct{}
	doneCh chan struct{}

	backoffBase time.Duration
	backoffMax  time.Duration

	blocksProcessed prometheus.Counter
	handlerDuration prometheus.Histogram
}

// Deps bundles the collaborators an Instance needs, resolved once at
// construction time by the Instance Manager.
type Deps struct {
	EntityStore  store.EntityStore
	MetaStore    store.MetaStore
	ChainAdapter chain.Adapter
	Resolver     resolver.Resolver
}

// NewInstance builds the Instance Runtime for deployment, instantiating
// one WASM session per manifest data source and seeding the Block Stream
// from the store's current head (spec.md §4.F "Owns one WASM host session
// per data source").
func NewInstance(ctx context.Context, manifest domain.Manifest, state *domain.DeploymentState, deps Deps, log *logrus.Entry) (*Instance, error) {
	rt := wazero.NewRuntime(ctx)

	inst := &Instance{
		deployment:  manifest.DeploymentID,
		store:       deps.EntityStore,
		meta:        deps.MetaStore,
		runtime:     rt,
		routes:      map[string][]handlerRoute{},
		log:         logging.ForDeployment(log, string(manifest.DeploymentID)),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		backoffBase: 500 * time.Millisecond,
		backoffMax:  time.Minute,
		blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "graphnode_runtime_blocks_processed_total",
			Help:        "Blocks applied by the instance runtime.",
			ConstLabels: prometheus.Labels{"deployment": string(manifest.DeploymentID)},
		}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "graphnode_runtime_handler_duration_seconds",
			Help:        "WASM event handler invocation latency.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"deployment": string(manifest.DeploymentID)},
		}),
	}

	// manifest.Templates are not instantiated here: a template only
	// becomes a live data source once a handler spawns it at runtime, and
	// no host function yet originates that event (see DESIGN.md).
	for _, ds := range manifest.DataSources {
		sess, err := wasmhost.NewSession(ctx, rt, ds, manifest.DeploymentID, deps.Resolver, deps.ChainAdapter, deps.EntityStore)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		inst.addRoute(ds, sess)
	}

	filter := blockstream.NewFilter(manifest.DataSources)

	var head domain.BlockPtr
	maxReorgDepth := uint64(100)
	if state != nil {
		if state.LatestBlock != nil {
			head = *state.LatestBlock
		}
		if state.MaxReorgDepth > 0 {
			maxReorgDepth = uint64(state.MaxReorgDepth)
		}
	}

	cfg := blockstream.DefaultConfig()
	cfg.MaxReorgDepth = maxReorgDepth

	inst.stream = blockstream.New(manifest.DeploymentID, deps.ChainAdapter, filter, head, cfg, log)

	return inst, nil
}

// addRoute indexes ds's event handlers by topic0 so Dispatch can find the
// matching session for a log in O(1).
func (i *Instance) addRoute(ds domain.DataSource, sess mappingSession) {
	addr := strings.ToLower(ds.Source.Address)
	for _, sig := range ds.EventSignatures() {
		topic0 := blockstream.Topic0(sig)
		i.routes[topic0] = append(i.routes[topic0], handlerRoute{session: sess, ds: ds, address: addr})
	}
}

// Start launches the stream and the block-processing loop.
func (i *Instance) Start(ctx context.Context) {
	i.stream.Start(ctx)
	go i.run(ctx)
}

// Stop signals cancellation and awaits termination (spec.md §4.G "Stop:
// signals cancellation and awaits termination").
func (i *Instance) Stop() {
	close(i.stopCh)
	<-i.doneCh
	i.stream.Stop()
	_ = i.runtime.Close(context.Background())
}

// Metrics exposes the instance's prometheus collectors plus its stream's.
func (i *Instance) Metrics() []prometheus.Collector {
	return append([]prometheus.Collector{i.blocksProcessed, i.handlerDuration}, i.stream.Metrics()...)
}

func (i *Instance) run(ctx context.Context) {
	defer close(i.doneCh)

	for {
		select {
		case ev, ok := <-i.stream.Events():
			if !ok {
				return
			}
			i.processWithRetry(ctx, ev)
		case <-i.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processWithRetry applies spec.md §4.F's failure semantics: deterministic
// handler errors fail the deployment fatally; transport/pool-timeout
// errors retry the same block with capped exponential backoff; reorg
// depth exhaustion is fatal.
func (i *Instance) processWithRetry(ctx context.Context, ev blockstream.Event) {
	delay := i.backoffBase
	for attempt := 0; ; attempt++ {
		err := i.processEvent(ctx, ev)
		if err == nil {
			return
		}

		if errs.Fatal(err) {
			i.fail(ctx, err)
			return
		}
		if !errs.Retriable(err) {
			// Unclassified errors are conservatively treated as fatal: a
			// handler bug silently retried forever is worse than a
			// deployment that stops and surfaces its cause.
			i.fail(ctx, err)
			return
		}

		i.log.WithError(err).WithField("attempt", attempt+1).Warn("retriable error processing block, backing off")
		select {
		case <-time.After(delay):
		case <-i.stopCh:
			return
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > i.backoffMax {
			delay = i.backoffMax
		}
	}
}

func (i *Instance) fail(ctx context.Context, err error) {
	i.log.WithError(err).Error("instance failed fatally")
	msg := err.Error()
	if setErr := i.meta.SetDeploymentFailed(ctx, i.deployment, msg); setErr != nil {
		i.log.WithError(setErr).Error("failed to record fatal error in store")
	}
}

// processEvent applies a single Block Stream event: a reverted event rolls
// the store back to ev.Ptr; otherwise the block's logs are dispatched in
// (transaction index, log index) order and the buffered ops, entity-count
// delta and head advance go to the store in one ApplyOps call.
func (i *Instance) processEvent(ctx context.Context, ev blockstream.Event) error {
	if ev.Reverted {
		_, err := i.store.RevertBlock(ctx, i.deployment, ev.Ptr)
		return err
	}

	logs := append([]chain.Log{}, ev.Logs...)
	sort.Slice(logs, func(a, b int) bool {
		if logs[a].TransactionIndex != logs[b].TransactionIndex {
			return logs[a].TransactionIndex < logs[b].TransactionIndex
		}
		return logs[a].LogIndex < logs[b].LogIndex
	})

	var ops []domain.EntityOp
	for _, l := range logs {
		matched, err := i.dispatch(ctx, ev.Ptr, l)
		if err != nil {
			return err
		}
		ops = append(ops, matched...)
	}

	countDelta := entityCountDelta(ops)
	if err := i.store.ApplyOps(ctx, i.deployment, ops, countDelta, ev.Ptr); err != nil {
		return err
	}
	i.blocksProcessed.Inc()
	return nil
}

// dispatch routes one log to every data source whose address and topic0
// match, invoking its handler and collecting buffered entity operations.
func (i *Instance) dispatch(ctx context.Context, ptr domain.BlockPtr, l chain.Log) ([]domain.EntityOp, error) {
	if len(l.Topics) == 0 {
		return nil, nil
	}
	routes, ok := i.routes[l.Topics[0]]
	if !ok {
		return nil, nil
	}

	var ops []domain.EntityOp
	for _, route := range routes {
		if route.address != "" && route.address != strings.ToLower(l.Address) {
			continue
		}
		handlerName, ok := route.ds.HandlerFor(topicSignature(route.ds, l.Topics[0]))
		if !ok {
			continue
		}

		argPtr, err := route.session.WriteLogEvent(ctx, l, ptr)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		handlerOps, err := route.session.Invoke(ctx, handlerName, ptr.Number, uint64(argPtr))
		i.handlerDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		ops = append(ops, handlerOps...)
	}
	return ops, nil
}

// topicSignature recovers the event signature string a handler was
// registered under, since routes are keyed by topic0 but
// DataSource.HandlerFor matches on the original signature text.
func topicSignature(ds domain.DataSource, topic0 string) string {
	for _, sig := range ds.EventSignatures() {
		if blockstream.Topic0(sig) == topic0 {
			return sig
		}
	}
	return ""
}

// entityCountDelta approximates the net entity-count change from a
// block's buffered operations: each Set not paired with a prior Remove
// of the same key within the batch is treated as a net creation. A
// precise count would need to know whether the key already existed in
// the store, which belongs to ApplyOps's transaction, not this
// best-effort pre-count; RecountSentinel remains available for operators
// who need an exact figure.
func entityCountDelta(ops []domain.EntityOp) int64 {
	var delta int64
	for _, op := range ops {
		switch op.Kind {
		case domain.OpSet:
			delta++
		case domain.OpRemove:
			delta--
		}
	}
	return delta
}
