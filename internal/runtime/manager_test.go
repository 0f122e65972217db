package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
	"github.com/BladeCKG/graph-node-go/internal/lifecycle"
)

// stubInstance is a managedInstance double standing in for the real
// *Instance, which requires a compiled WASM module and a live block stream
// neither of which this suite can construct. It mirrors the
// newTestInstance-style struct-literal bypass instance_test.go already uses
// for the ABI layer, one level up at the Manager boundary.
type stubInstance struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
}

func (s *stubInstance) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
}

func (s *stubInstance) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
}

func testManagerLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

func newTestManager() (*Manager, *stubInstance) {
	stub := &stubInstance{}
	m := &Manager{
		log:       testManagerLogger(),
		instances: map[domain.DeploymentID]managedInstance{},
		lockTTL:   defaultLockTTL,
		chainAdapter: func(string) (chain.Adapter, error) {
			return nil, nil
		},
		metaStore: &fakeMetaStore{},
		newInstance: func(context.Context, domain.Manifest, *domain.DeploymentState, Deps, *logrus.Entry) (managedInstance, error) {
			return stub, nil
		},
	}
	return m, stub
}

func TestDuplicateStartIsNoop(t *testing.T) {
	m, _ := newTestManager()
	running := &stubInstance{}
	m.instances["depl1"] = running

	m.start(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStart,
		DeploymentID: "depl1",
		Manifest:     &domain.Manifest{},
	})

	require.Len(t, m.instances, 1)
	assert.Same(t, running, m.instances["depl1"])
	assert.Equal(t, 0, running.startCalls)
}

func TestStopThenStartRestartsInstance(t *testing.T) {
	m, _ := newTestManager()
	first := &stubInstance{}
	m.instances["depl1"] = first

	m.stop("depl1")
	require.Empty(t, m.instances)
	assert.Equal(t, 1, first.stopCalls)

	m.start(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStart,
		DeploymentID: "depl1",
		Manifest:     &domain.Manifest{},
	})

	require.Len(t, m.instances, 1)
	second, ok := m.instances["depl1"].(*stubInstance)
	require.True(t, ok)
	assert.Equal(t, 1, second.startCalls)
}

func TestStopUnknownIDIsNoop(t *testing.T) {
	m, _ := newTestManager()
	m.stop("never-started")
	assert.Empty(t, m.instances)
}

func TestStartSkipsWhenChainAdapterUnavailable(t *testing.T) {
	m, stub := newTestManager()
	m.chainAdapter = func(string) (chain.Adapter, error) {
		return nil, errs.New(errs.CodeNotFound, "no adapter for network")
	}

	m.start(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStart,
		DeploymentID: "depl1",
		Manifest:     &domain.Manifest{},
	})

	assert.Empty(t, m.instances)
	assert.Equal(t, 0, stub.startCalls)
}

// TestLockAcquireFailureSkipsStart points the Manager at a miniredis
// instance that is stopped before the call, so SetNX returns a connection
// error instead of a lock decision; start must treat that the same as
// losing the race and skip building an instance.
func TestLockAcquireFailureSkipsStart(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	srv.Close()

	m, stub := newTestManager()
	m.redis = client

	m.start(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStart,
		DeploymentID: "depl1",
		Manifest:     &domain.Manifest{},
	})

	assert.Empty(t, m.instances)
	assert.Equal(t, 0, stub.startCalls)
}

// TestLockAlreadyHeldSkipsStart covers the other branch of the fleet lock:
// SetNX succeeds but reports the key already existed, meaning another node
// holds it.
func TestLockAlreadyHeldSkipsStart(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	require.NoError(t, srv.Set(lockKey("depl1"), "other-node"))

	m, stub := newTestManager()
	m.redis = client
	m.nodeID = "this-node"

	m.start(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStart,
		DeploymentID: "depl1",
		Manifest:     &domain.Manifest{},
	})

	assert.Empty(t, m.instances)
	assert.Equal(t, 0, stub.startCalls)
}

func TestLockAcquiredStartsInstance(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	m, stub := newTestManager()
	m.redis = client
	m.nodeID = "this-node"

	m.start(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStart,
		DeploymentID: "depl1",
		Manifest:     &domain.Manifest{},
	})

	require.Len(t, m.instances, 1)
	assert.Equal(t, 1, stub.startCalls)

	held, err := srv.Get(lockKey("depl1"))
	require.NoError(t, err)
	assert.Equal(t, "this-node", held)
}

func TestStopReleasesFleetLock(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	require.NoError(t, srv.Set(lockKey("depl1"), "this-node"))

	m, _ := newTestManager()
	m.redis = client
	m.instances["depl1"] = &stubInstance{}

	m.stop("depl1")

	assert.False(t, srv.Exists(lockKey("depl1")))
}

func TestStartMissingManifestSkips(t *testing.T) {
	m, stub := newTestManager()

	m.start(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStart,
		DeploymentID: "depl1",
		Manifest:     nil,
	})

	assert.Empty(t, m.instances)
	assert.Equal(t, 0, stub.startCalls)
}

func TestHandleDispatchesStartAndStop(t *testing.T) {
	m, stub := newTestManager()

	m.handle(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStart,
		DeploymentID: "depl1",
		Manifest:     &domain.Manifest{},
	})
	require.Len(t, m.instances, 1)
	assert.Equal(t, 1, stub.startCalls)

	m.handle(context.Background(), lifecycle.ProviderEvent{
		Kind:         lifecycle.SubgraphStop,
		DeploymentID: "depl1",
	})
	assert.Empty(t, m.instances)
	assert.Equal(t, 1, stub.stopCalls)
}
