package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BladeCKG/graph-node-go/internal/blockstream"
	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
	"github.com/BladeCKG/graph-node-go/internal/store"
)

// fakeSession is a mappingSession test double that never touches real WASM
// memory, the same mocking posture internal/wasmhost's own tests take
// toward the ABI bridge.
type fakeSession struct {
	mu        sync.Mutex
	invokeOps []domain.EntityOp
	invokeErr error
	invoked   int
}

func (f *fakeSession) WriteLogEvent(context.Context, chain.Log, domain.BlockPtr) (uint32, error) {
	return 0x1000, nil
}

func (f *fakeSession) Invoke(context.Context, string, uint64, ...uint64) ([]domain.EntityOp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked++
	return f.invokeOps, f.invokeErr
}

func (f *fakeSession) setInvokeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokeErr = err
}

type fakeEntityStore struct {
	mu           sync.Mutex
	appliedOps   []domain.EntityOp
	appliedDelta int64
	appliedPtr   domain.BlockPtr
	applyCalls   int
	applyErr     error

	revertedPtr domain.BlockPtr
	revertCalls int
	revertErr   error
}

func (f *fakeEntityStore) Find(context.Context, domain.DeploymentID, domain.Key, uint64) (*domain.Entity, error) {
	return nil, nil
}
func (f *fakeEntityStore) FindMany(context.Context, domain.DeploymentID, map[string][]string, uint64) (map[domain.Key]domain.Entity, error) {
	return nil, nil
}
func (f *fakeEntityStore) Query(context.Context, domain.DeploymentID, string, []store.Filter, *store.OrderBy, store.Range, uint64) ([]domain.Entity, error) {
	return nil, nil
}
func (f *fakeEntityStore) ConflictingEntity(context.Context, domain.DeploymentID, string, []string) (string, error) {
	return "", nil
}
func (f *fakeEntityStore) ApplyOps(_ context.Context, _ domain.DeploymentID, ops []domain.EntityOp, delta int64, ptr domain.BlockPtr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	f.appliedOps = ops
	f.appliedDelta = delta
	f.appliedPtr = ptr
	return f.applyErr
}
func (f *fakeEntityStore) RevertBlock(_ context.Context, _ domain.DeploymentID, ptr domain.BlockPtr) ([]domain.EntityChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertCalls++
	f.revertedPtr = ptr
	return nil, f.revertErr
}
func (f *fakeEntityStore) UpdateEntityCount(context.Context, domain.DeploymentID, int64) error { return nil }
func (f *fakeEntityStore) EnsureSchema(context.Context, domain.DeploymentID, []byte) error      { return nil }

type fakeMetaStore struct {
	mu            sync.Mutex
	failedCalls   int
	failedErrText string
}

func (f *fakeMetaStore) CreateSubgraphVersion(context.Context, domain.SubgraphName, domain.DeploymentID, string, domain.Mode, []byte, []byte) ([]domain.EntityChange, error) {
	return nil, nil
}
func (f *fakeMetaStore) DeploymentSynced(context.Context, domain.DeploymentID) error { return nil }
func (f *fakeMetaStore) RemoveSubgraph(context.Context, domain.SubgraphName) error   { return nil }
func (f *fakeMetaStore) ListSubgraphs(context.Context) ([]store.SubgraphListing, error) {
	return nil, nil
}
func (f *fakeMetaStore) GetDeploymentState(context.Context, domain.DeploymentID) (*domain.DeploymentState, error) {
	return nil, nil
}
func (f *fakeMetaStore) SetDeploymentFailed(_ context.Context, _ domain.DeploymentID, fatalErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedCalls++
	f.failedErrText = fatalErr
	return nil
}
func (f *fakeMetaStore) Assignments(context.Context, string) ([]domain.Assignment, error) {
	return nil, nil
}

func noopCounter() prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter"})
}

func noopHistogram() prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram"})
}

func testInstanceLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testDataSource(address, signature, handler string) domain.DataSource {
	return domain.DataSource{
		Name:    "token",
		Network: "mainnet",
		Source:  domain.Source{Address: address},
		Mapping: domain.Mapping{
			EventHandlers: []domain.EventHandler{{EventSignature: signature, HandlerName: handler}},
		},
	}
}

func newTestInstance(entityStore store.EntityStore, meta store.MetaStore) (*Instance, *fakeSession) {
	ds := testDataSource("0xABC", "Transfer(address,address,uint256)", "handleTransfer")
	sess := &fakeSession{}

	inst := &Instance{
		deployment:      "depl1",
		store:           entityStore,
		meta:            meta,
		log:             testInstanceLogger(),
		routes:          map[string][]handlerRoute{},
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		backoffBase:     time.Millisecond,
		backoffMax:      5 * time.Millisecond,
		blocksProcessed: noopCounter(),
		handlerDuration: noopHistogram(),
	}
	inst.addRoute(ds, sess)
	return inst, sess
}

func TestEntityCountDelta(t *testing.T) {
	ops := []domain.EntityOp{
		{Kind: domain.OpSet, Key: domain.Key{EntityType: "Token", EntityID: "1"}},
		{Kind: domain.OpSet, Key: domain.Key{EntityType: "Token", EntityID: "2"}},
		{Kind: domain.OpRemove, Key: domain.Key{EntityType: "Token", EntityID: "3"}},
	}
	assert.Equal(t, int64(1), entityCountDelta(ops))
}

func TestTopicSignatureRoundTrips(t *testing.T) {
	ds := testDataSource("0xabc", "Transfer(address,address,uint256)", "handleTransfer")
	topic0 := blockstream.Topic0("Transfer(address,address,uint256)")
	assert.Equal(t, "Transfer(address,address,uint256)", topicSignature(ds, topic0))
	assert.Equal(t, "", topicSignature(ds, "0xdeadbeef"))
}

func TestDispatchMatchesAddressAndTopic(t *testing.T) {
	inst, sess := newTestInstance(&fakeEntityStore{}, &fakeMetaStore{})
	topic0 := blockstream.Topic0("Transfer(address,address,uint256)")

	ops, err := inst.dispatch(context.Background(), domain.BlockPtr{Number: 5}, chain.Log{
		Address: "0xabc", Topics: []string{topic0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.invoked)
	assert.Empty(t, ops)
}

func TestDispatchSkipsMismatchedAddress(t *testing.T) {
	inst, sess := newTestInstance(&fakeEntityStore{}, &fakeMetaStore{})
	topic0 := blockstream.Topic0("Transfer(address,address,uint256)")

	_, err := inst.dispatch(context.Background(), domain.BlockPtr{Number: 5}, chain.Log{
		Address: "0xdifferent", Topics: []string{topic0},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, sess.invoked)
}

func TestDispatchSkipsUnknownTopic(t *testing.T) {
	inst, sess := newTestInstance(&fakeEntityStore{}, &fakeMetaStore{})

	_, err := inst.dispatch(context.Background(), domain.BlockPtr{Number: 5}, chain.Log{
		Address: "0xabc", Topics: []string{"0xunknown"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, sess.invoked)
}

func TestProcessEventAppliesOpsForNewBlock(t *testing.T) {
	entityStore := &fakeEntityStore{}
	inst, sess := newTestInstance(entityStore, &fakeMetaStore{})
	sess.invokeOps = []domain.EntityOp{{Kind: domain.OpSet, Key: domain.Key{EntityType: "Token", EntityID: "1"}}}

	topic0 := blockstream.Topic0("Transfer(address,address,uint256)")
	ptr := domain.BlockPtr{Number: 10}
	err := inst.processEvent(context.Background(), blockstream.Event{
		Ptr:  ptr,
		Logs: []chain.Log{{Address: "0xabc", Topics: []string{topic0}, TransactionIndex: 0, LogIndex: 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, entityStore.applyCalls)
	assert.Equal(t, ptr, entityStore.appliedPtr)
	assert.Equal(t, int64(1), entityStore.appliedDelta)
	require.Len(t, entityStore.appliedOps, 1)
}

func TestProcessEventHandlesRevert(t *testing.T) {
	entityStore := &fakeEntityStore{}
	inst, _ := newTestInstance(entityStore, &fakeMetaStore{})

	ptr := domain.BlockPtr{Number: 9}
	err := inst.processEvent(context.Background(), blockstream.Event{Ptr: ptr, Reverted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, entityStore.revertCalls)
	assert.Equal(t, ptr, entityStore.revertedPtr)
	assert.Equal(t, 0, entityStore.applyCalls)
}

func TestProcessWithRetryMarksFatalOnMappingAbort(t *testing.T) {
	entityStore := &fakeEntityStore{}
	meta := &fakeMetaStore{}
	inst, sess := newTestInstance(entityStore, meta)
	sess.setInvokeErr(errs.New(errs.CodeMappingAborted, "guest trapped"))

	topic0 := blockstream.Topic0("Transfer(address,address,uint256)")
	inst.processWithRetry(context.Background(), blockstream.Event{
		Ptr:  domain.BlockPtr{Number: 1},
		Logs: []chain.Log{{Address: "0xabc", Topics: []string{topic0}}},
	})

	assert.Equal(t, 1, meta.failedCalls)
	assert.Equal(t, 0, entityStore.applyCalls)
}

func TestProcessWithRetryRetriesTransportErrorThenSucceeds(t *testing.T) {
	entityStore := &fakeEntityStore{}
	meta := &fakeMetaStore{}
	inst, sess := newTestInstance(entityStore, meta)

	topic0 := blockstream.Topic0("Transfer(address,address,uint256)")
	ev := blockstream.Event{
		Ptr:  domain.BlockPtr{Number: 1},
		Logs: []chain.Log{{Address: "0xabc", Topics: []string{topic0}}},
	}

	sess.setInvokeErr(errs.New(errs.CodeTransport, "rpc timeout"))

	done := make(chan struct{})
	go func() {
		// Flip the fake session to succeed after the first retry fires,
		// simulating a transient failure that clears up.
		time.Sleep(2 * time.Millisecond)
		sess.setInvokeErr(nil)
		close(done)
	}()
	inst.processWithRetry(context.Background(), ev)
	<-done

	assert.Equal(t, 0, meta.failedCalls)
	assert.GreaterOrEqual(t, sess.invoked, 1)
}
