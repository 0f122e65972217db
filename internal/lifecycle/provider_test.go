package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
	"github.com/BladeCKG/graph-node-go/internal/store"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type fakeResolver struct {
	manifest *domain.Manifest
	err      error
}

func (f *fakeResolver) Cat(context.Context, string) ([]byte, error) { return nil, nil }

func (f *fakeResolver) ResolveManifest(context.Context, string) (*domain.Manifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	// Return a copy so callers mutating DeploymentID don't corrupt the
	// fixture between calls.
	m := *f.manifest
	return &m, nil
}

func (f *fakeResolver) ParseManifest(_ context.Context, id domain.DeploymentID, _ []byte) (*domain.Manifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := *f.manifest
	m.DeploymentID = id
	return &m, nil
}

type fakeMeta struct {
	mu sync.Mutex

	listings    []store.SubgraphListing
	states      map[domain.DeploymentID]*domain.DeploymentState
	assignments []domain.Assignment

	createCalls int
	removeCalls int
	removedName domain.SubgraphName
}

func (f *fakeMeta) CreateSubgraphVersion(_ context.Context, name domain.SubgraphName, id domain.DeploymentID, _ string, _ domain.Mode, _, _ []byte) ([]domain.EntityChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	for idx, l := range f.listings {
		if l.Name == name {
			f.listings[idx].Deployment = id
			return nil, nil
		}
	}
	f.listings = append(f.listings, store.SubgraphListing{Name: name, Deployment: id})
	return nil, nil
}

func (f *fakeMeta) DeploymentSynced(context.Context, domain.DeploymentID) error { return nil }

func (f *fakeMeta) RemoveSubgraph(_ context.Context, name domain.SubgraphName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	f.removedName = name
	for idx, l := range f.listings {
		if l.Name == name {
			f.listings = append(f.listings[:idx], f.listings[idx+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeMeta) ListSubgraphs(context.Context) ([]store.SubgraphListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.SubgraphListing, len(f.listings))
	copy(out, f.listings)
	return out, nil
}

func (f *fakeMeta) GetDeploymentState(_ context.Context, id domain.DeploymentID) (*domain.DeploymentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id], nil
}

func (f *fakeMeta) SetDeploymentFailed(context.Context, domain.DeploymentID, string) error { return nil }

func (f *fakeMeta) Assignments(context.Context, string) ([]domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assignments, nil
}

func drainProvider(t *testing.T, p *Provider) ([]ProviderEvent, []SchemaEvent) {
	t.Helper()
	var pEvents []ProviderEvent
	var sEvents []SchemaEvent
	for {
		select {
		case ev := <-p.ProviderEvents():
			pEvents = append(pEvents, ev)
		case ev := <-p.SchemaEvents():
			sEvents = append(sEvents, ev)
		default:
			return pEvents, sEvents
		}
	}
}

func TestDeployOnFreshNameOnlyStarts(t *testing.T) {
	meta := &fakeMeta{states: map[domain.DeploymentID]*domain.DeploymentState{}}
	res := &fakeResolver{manifest: &domain.Manifest{Schema: []byte("type Foo { id: ID! }")}}
	p := New("node-1", meta, res, testLog())

	_, err := p.Deploy(context.Background(), "sg-1", "depl-1", "/ipfs/aaa", domain.ModeSynced)
	require.NoError(t, err)

	pEvents, sEvents := drainProvider(t, p)
	require.Len(t, pEvents, 1)
	assert.Equal(t, SubgraphStart, pEvents[0].Kind)
	assert.Equal(t, domain.DeploymentID("depl-1"), pEvents[0].DeploymentID)
	require.Len(t, sEvents, 1)
	assert.Equal(t, SchemaAdded, sEvents[0].Kind)
}

func TestDeployOverExistingEmitsStopThenStart(t *testing.T) {
	meta := &fakeMeta{states: map[domain.DeploymentID]*domain.DeploymentState{}}
	res := &fakeResolver{manifest: &domain.Manifest{Schema: []byte("type Foo { id: ID! }")}}
	p := New("node-1", meta, res, testLog())

	_, err := p.Deploy(context.Background(), "sg-1", "depl-1", "/ipfs/aaa", domain.ModeSynced)
	require.NoError(t, err)
	drainProvider(t, p)

	_, err = p.Deploy(context.Background(), "sg-1", "depl-2", "/ipfs/bbb", domain.ModeSynced)
	require.NoError(t, err)

	pEvents, sEvents := drainProvider(t, p)
	require.Len(t, pEvents, 2)
	assert.Equal(t, SubgraphStop, pEvents[0].Kind)
	assert.Equal(t, domain.DeploymentID("depl-1"), pEvents[0].DeploymentID)
	assert.Equal(t, SubgraphStart, pEvents[1].Kind)
	assert.Equal(t, domain.DeploymentID("depl-2"), pEvents[1].DeploymentID)

	require.Len(t, sEvents, 2)
	assert.Equal(t, SchemaRemoved, sEvents[0].Kind)
	assert.Equal(t, SchemaAdded, sEvents[1].Kind)
}

func TestRemoveUnknownNameFails(t *testing.T) {
	meta := &fakeMeta{}
	p := New("node-1", meta, &fakeResolver{}, testLog())

	err := p.Remove(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, 0, meta.removeCalls)
}

func TestRemoveKnownNameStopsDeployment(t *testing.T) {
	meta := &fakeMeta{listings: []store.SubgraphListing{{Name: "sg-1", Deployment: "depl-1"}}}
	p := New("node-1", meta, &fakeResolver{}, testLog())

	err := p.Remove(context.Background(), "sg-1")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.removeCalls)
	assert.Equal(t, domain.SubgraphName("sg-1"), meta.removedName)

	pEvents, sEvents := drainProvider(t, p)
	require.Len(t, pEvents, 1)
	assert.Equal(t, SubgraphStop, pEvents[0].Kind)
	require.Len(t, sEvents, 1)
	assert.Equal(t, SchemaRemoved, sEvents[0].Kind)
}

func TestStartReplaysHealthyAssignmentsOnly(t *testing.T) {
	meta := &fakeMeta{
		assignments: []domain.Assignment{
			{DeploymentID: "healthy", NodeID: "node-1"},
			{DeploymentID: "failed", NodeID: "node-1"},
			{DeploymentID: "unreadable", NodeID: "node-1"},
		},
		states: map[domain.DeploymentID]*domain.DeploymentState{
			"healthy": {ID: "healthy", Schema: []byte("type Foo { id: ID! }"), Manifest: []byte("raw-manifest-yaml")},
			"failed":  {ID: "failed", Failed: true},
			// "unreadable" intentionally absent from the map: GetDeploymentState
			// returns (nil, nil), exercising the state == nil skip branch.
		},
	}
	res := &fakeResolver{manifest: &domain.Manifest{Schema: []byte("type Foo { id: ID! }")}}
	p := New("node-1", meta, res, testLog())

	err := p.Start(context.Background())
	require.NoError(t, err)

	pEvents, _ := drainProvider(t, p)
	require.Len(t, pEvents, 1)
	assert.Equal(t, domain.DeploymentID("healthy"), pEvents[0].DeploymentID)
	assert.Equal(t, SubgraphStart, pEvents[0].Kind)
}

func TestListReturnsMetaStoreListings(t *testing.T) {
	meta := &fakeMeta{listings: []store.SubgraphListing{{Name: "sg-1", Deployment: "depl-1"}}}
	p := New("node-1", meta, &fakeResolver{}, testLog())

	listings, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, domain.SubgraphName("sg-1"), listings[0].Name)
}
