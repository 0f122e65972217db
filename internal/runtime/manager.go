package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/lifecycle"
	"github.com/BladeCKG/graph-node-go/internal/resolver"
	"github.com/BladeCKG/graph-node-go/internal/store"
)

// defaultLockTTL is used when a caller passes a non-positive lockTTL to
// NewManager, the same zero-value-defaulting convention config.Load's
// envdecode defaults follow.
const defaultLockTTL = 30 * time.Second

// ChainAdapterFor resolves the Chain Adapter for a network name, since one
// node may index deployments against more than one chain.
type ChainAdapterFor func(network string) (chain.Adapter, error)

// managedInstance is the subset of *Instance's methods the Manager actually
// drives. Narrowing the map value to an interface keeps manager_test.go able
// to exercise the dedup/stop bookkeeping with a stub that never touches real
// WASM runtimes or block streams.
type managedInstance interface {
	Start(ctx context.Context)
	Stop()
}

// Manager is the Instance Manager (spec.md §4.G): it drains a Lifecycle
// Provider's ProviderEvent stream and keeps a deployment-id -> Instance
// map in sync, in the shape of the teacher's services/indexer.Service
// running-flag guard, generalized from one syncer to N concurrently
// running instances.
type Manager struct {
	nodeID       string
	entityStore  store.EntityStore
	metaStore    store.MetaStore
	resolver     resolver.Resolver
	chainAdapter ChainAdapterFor
	redis        *redis.Client
	lockTTL      time.Duration
	log          *logrus.Entry

	// newInstance defaults to NewInstance; manager_test.go substitutes a
	// stub so the dedup/lock bookkeeping can be exercised without a real
	// WASM runtime or block stream.
	newInstance func(ctx context.Context, manifest domain.Manifest, state *domain.DeploymentState, deps Deps, log *logrus.Entry) (managedInstance, error)

	mu        sync.Mutex
	instances map[domain.DeploymentID]managedInstance

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a Manager. redisClient may be nil, which disables the
// fleet-wide lock (single-node deployments have no lock contention to
// guard against). lockTTL comes from config.RuntimeConfig.DeploymentLockTTL.
func NewManager(nodeID string, entityStore store.EntityStore, metaStore store.MetaStore, res resolver.Resolver, chainAdapterFor ChainAdapterFor, redisClient *redis.Client, lockTTL time.Duration, log *logrus.Entry) *Manager {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Manager{
		nodeID:       nodeID,
		entityStore:  entityStore,
		metaStore:    metaStore,
		resolver:     res,
		chainAdapter: chainAdapterFor,
		redis:        redisClient,
		lockTTL:      lockTTL,
		log:          log.WithField("component", "instance-manager"),
		instances:    map[domain.DeploymentID]managedInstance{},
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		newInstance: func(ctx context.Context, manifest domain.Manifest, state *domain.DeploymentState, deps Deps, log *logrus.Entry) (managedInstance, error) {
			return NewInstance(ctx, manifest, state, deps, log)
		},
	}
}

// Run drains events until ctx is canceled or Close is called. Event order
// is preserved by the single goroutine processing the channel serially
// (spec.md §4.G "order preserved").
func (m *Manager) Run(ctx context.Context, events <-chan lifecycle.ProviderEvent) {
	go m.healthLoop(ctx)

	defer close(m.doneCh)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ctx, ev)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops every running instance and the health-sampling loop.
func (m *Manager) Close() {
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.instances {
		inst.Stop()
		delete(m.instances, id)
	}
}

func (m *Manager) handle(ctx context.Context, ev lifecycle.ProviderEvent) {
	switch ev.Kind {
	case lifecycle.SubgraphStart:
		m.start(ctx, ev)
	case lifecycle.SubgraphStop:
		m.stop(ev.DeploymentID)
	}
}

// start is idempotent: a duplicate Start for an id already running is a
// no-op (spec.md §4.G "Duplicate Starts for the same id are idempotent").
func (m *Manager) start(ctx context.Context, ev lifecycle.ProviderEvent) {
	if ev.Manifest == nil {
		m.log.WithField("deployment", ev.DeploymentID).Error("start event missing manifest")
		return
	}

	m.mu.Lock()
	if _, running := m.instances[ev.DeploymentID]; running {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.redis != nil {
		acquired, err := m.acquireLock(ctx, ev.DeploymentID)
		if err != nil {
			m.log.WithError(err).WithField("deployment", ev.DeploymentID).Warn("fleet lock acquire failed, skipping start")
			return
		}
		if !acquired {
			m.log.WithField("deployment", ev.DeploymentID).Info("another node already holds the fleet lock for this deployment")
			return
		}
	}

	network := ""
	if len(ev.Manifest.DataSources) > 0 {
		network = ev.Manifest.DataSources[0].Network
	}
	adapter, err := m.chainAdapter(network)
	if err != nil {
		m.log.WithError(err).WithField("network", network).Error("no chain adapter for network")
		return
	}

	state, err := m.metaStore.GetDeploymentState(ctx, ev.DeploymentID)
	if err != nil {
		m.log.WithError(err).WithField("deployment", ev.DeploymentID).Error("failed to load deployment state")
		return
	}

	inst, err := m.newInstance(ctx, *ev.Manifest, state, Deps{
		EntityStore:  m.entityStore,
		MetaStore:    m.metaStore,
		ChainAdapter: adapter,
		Resolver:     m.resolver,
	}, m.log)
	if err != nil {
		m.log.WithError(err).WithField("deployment", ev.DeploymentID).Error("failed to build instance")
		return
	}

	m.mu.Lock()
	m.instances[ev.DeploymentID] = inst
	m.mu.Unlock()

	inst.Start(ctx)
	m.log.WithField("deployment", ev.DeploymentID).Info("instance started")
}

func (m *Manager) stop(id domain.DeploymentID) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	inst.Stop()
	if m.redis != nil {
		m.releaseLock(id)
	}
	m.log.WithField("deployment", id).Info("instance stopped")
}

func (m *Manager) acquireLock(ctx context.Context, id domain.DeploymentID) (bool, error) {
	key := lockKey(id)
	return m.redis.SetNX(ctx, key, m.nodeID, m.lockTTL).Result()
}

func (m *Manager) releaseLock(id domain.DeploymentID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.redis.Del(ctx, lockKey(id)).Err(); err != nil {
		m.log.WithError(err).WithField("deployment", id).Warn("failed to release fleet lock")
	}
}

func lockKey(id domain.DeploymentID) string {
	return fmt.Sprintf("graphnode:instance-lock:%s", id)
}

// healthLoop samples host CPU/memory every tick and attaches it to a
// structured log line per running instance, refreshing this node's fleet
// locks in the same pass (spec.md §4.G domain-stack wiring: "periodic
// host CPU/memory sample attached to the structured log line emitted per
// instance health tick").
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.healthTick(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) healthTick(ctx context.Context) {
	cpuPct, cpuErr := cpu.PercentWithContext(ctx, 0, false)
	memStat, memErr := mem.VirtualMemoryWithContext(ctx)

	m.mu.Lock()
	ids := make([]domain.DeploymentID, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	entry := m.log.WithField("running_instances", len(ids))
	if cpuErr == nil && len(cpuPct) > 0 {
		entry = entry.WithField("host_cpu_percent", cpuPct[0])
	}
	if memErr == nil {
		entry = entry.WithField("host_mem_percent", memStat.UsedPercent)
	}
	entry.Debug("instance health tick")

	if m.redis != nil {
		for _, id := range ids {
			lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			m.redis.Expire(lockCtx, lockKey(id), m.lockTTL)
			cancel()
		}
	}
}
