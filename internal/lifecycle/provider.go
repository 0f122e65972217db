// Package lifecycle implements the Lifecycle Provider (spec.md §4.H): a
// thin layer over the Store Backend's deployment ops plus an event
// fan-out, in the shape of the teacher's services/indexer.Service
// wrapping its Syncer — here wrapping a store.MetaStore instead and
// fanning Start/Stop and schema add/remove out to two independent
// channels the Instance Manager and schema-consumers drain.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
	"github.com/BladeCKG/graph-node-go/internal/resolver"
	"github.com/BladeCKG/graph-node-go/internal/store"
)

// ProviderEventKind distinguishes the two ProviderEvent shapes spec.md
// §4.H names.
type ProviderEventKind uint8

const (
	SubgraphStart ProviderEventKind = iota
	SubgraphStop
)

// ProviderEvent is one Instance-Manager-facing lifecycle transition.
// Manifest is populated for SubgraphStart; DeploymentID is populated for
// both.
type ProviderEvent struct {
	Kind         ProviderEventKind
	DeploymentID domain.DeploymentID
	Manifest     *domain.Manifest
}

// SchemaEventKind distinguishes the two SchemaEvent shapes spec.md §4.H
// names.
type SchemaEventKind uint8

const (
	SchemaAdded SchemaEventKind = iota
	SchemaRemoved
)

// SchemaEvent is one GraphQL-schema-facing lifecycle transition, mirrored
// off every ProviderEvent (query-layer consumption is out of scope here,
// per spec.md §1 Non-goals, but the channel exists for anything that
// wants to react to schema changes without knowing about deployments).
type SchemaEvent struct {
	Kind         SchemaEventKind
	DeploymentID domain.DeploymentID
	Schema       []byte
}

// Provider implements spec.md §4.H's four operations plus its event
// fan-out. One Provider exists per node; nodeID scopes deploy/start to
// this node's own assignments.
type Provider struct {
	nodeID   string
	meta     store.MetaStore
	resolver resolver.Resolver
	log      *logrus.Entry

	providerEvents chan ProviderEvent
	schemaEvents   chan SchemaEvent

	cron *cron.Cron
}

// New builds a Provider. Callers must call Close to stop the
// reconciliation cron and release the event channels.
func New(nodeID string, meta store.MetaStore, res resolver.Resolver, log *logrus.Entry) *Provider {
	return &Provider{
		nodeID:         nodeID,
		meta:           meta,
		resolver:       res,
		log:            log.WithField("component", "lifecycle-provider"),
		providerEvents: make(chan ProviderEvent, 64),
		schemaEvents:   make(chan SchemaEvent, 64),
		cron:           cron.New(),
	}
}

// ProviderEvents is the channel the Instance Manager drains.
func (p *Provider) ProviderEvents() <-chan ProviderEvent { return p.providerEvents }

// SchemaEvents is the channel schema-change consumers drain.
func (p *Provider) SchemaEvents() <-chan SchemaEvent { return p.schemaEvents }

// StartReconciliation schedules start() to re-run on spec, in addition to
// the explicit call a node makes at boot, so a missed or dropped
// assignment event is eventually corrected (spec.md §4.H "start(): replay
// of current assignments on boot", generalized to "...and periodically").
func (p *Provider) StartReconciliation(ctx context.Context, spec string) error {
	_, err := p.cron.AddFunc(spec, func() {
		if err := p.Start(ctx); err != nil {
			p.log.WithError(err).Warn("periodic reconciliation failed")
		}
	})
	if err != nil {
		return errs.Wrap(errs.CodeParseError, "invalid reconciliation schedule", err)
	}
	p.cron.Start()
	return nil
}

// Close stops the reconciliation cron, if running, and waits for its
// current run to finish.
func (p *Provider) Close() {
	<-p.cron.Stop().Done()
}

// Deploy implements spec.md §4.H deploy(name, id, node, mode): resolves
// the manifest, creates the subgraph version, and emits Stop(prev),
// Start(new) in that order when it replaces an existing current
// deployment (the order the store's EntityChange set cannot express by
// itself).
func (p *Provider) Deploy(ctx context.Context, name domain.SubgraphName, id domain.DeploymentID, manifestLink string, mode domain.Mode) ([]domain.EntityChange, error) {
	manifest, err := p.resolver.ResolveManifest(ctx, manifestLink)
	if err != nil {
		return nil, err
	}
	manifest.DeploymentID = id

	prev, err := p.currentDeployment(ctx, name)
	if err != nil {
		return nil, err
	}

	changes, err := p.meta.CreateSubgraphVersion(ctx, name, id, p.nodeID, mode, manifest.Raw, manifest.Schema)
	if err != nil {
		return nil, err
	}

	if prev != nil && *prev != id {
		p.emitProvider(ProviderEvent{Kind: SubgraphStop, DeploymentID: *prev})
		p.emitSchema(SchemaEvent{Kind: SchemaRemoved, DeploymentID: *prev})
	}
	p.emitProvider(ProviderEvent{Kind: SubgraphStart, DeploymentID: id, Manifest: manifest})
	p.emitSchema(SchemaEvent{Kind: SchemaAdded, DeploymentID: id, Schema: manifest.Schema})

	return changes, nil
}

// Remove implements spec.md §4.H remove(name): fails for an unknown name,
// otherwise deletes the subgraph and stops its current deployment.
func (p *Provider) Remove(ctx context.Context, name domain.SubgraphName) error {
	prev, err := p.currentDeployment(ctx, name)
	if err != nil {
		return err
	}
	if prev == nil {
		return errs.NotFound(fmt.Sprintf("subgraph %q has no current deployment", name))
	}

	if err := p.meta.RemoveSubgraph(ctx, name); err != nil {
		return err
	}

	p.emitProvider(ProviderEvent{Kind: SubgraphStop, DeploymentID: *prev})
	p.emitSchema(SchemaEvent{Kind: SchemaRemoved, DeploymentID: *prev})
	return nil
}

// List implements spec.md §4.H list() -> [(name, id)].
func (p *Provider) List(ctx context.Context) ([]store.SubgraphListing, error) {
	return p.meta.ListSubgraphs(ctx)
}

// Start implements spec.md §4.H start(): replays every deployment
// currently assigned to this node as a SubgraphStart event, parsing each
// manifest from the raw bytes already persisted in the deployment's
// bookkeeping rather than re-fetching the root manifest document from the
// network, since a reboot should not re-fetch what is already known.
func (p *Provider) Start(ctx context.Context) error {
	assignments, err := p.meta.Assignments(ctx, p.nodeID)
	if err != nil {
		return err
	}

	for _, a := range assignments {
		state, err := p.meta.GetDeploymentState(ctx, a.DeploymentID)
		if err != nil {
			p.log.WithError(err).WithField("deployment", a.DeploymentID).Warn("skipping assignment with unreadable state")
			continue
		}
		if state == nil || state.Failed {
			continue
		}
		manifest, err := p.resolver.ParseManifest(ctx, a.DeploymentID, state.Manifest)
		if err != nil {
			p.log.WithError(err).WithField("deployment", a.DeploymentID).Warn("skipping assignment with unparsable manifest")
			continue
		}
		p.emitProvider(ProviderEvent{Kind: SubgraphStart, DeploymentID: a.DeploymentID, Manifest: manifest})
	}
	return nil
}

func (p *Provider) currentDeployment(ctx context.Context, name domain.SubgraphName) (*domain.DeploymentID, error) {
	listings, err := p.meta.ListSubgraphs(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range listings {
		if l.Name == name {
			id := l.Deployment
			return &id, nil
		}
	}
	return nil, nil
}

func (p *Provider) emitProvider(ev ProviderEvent) {
	select {
	case p.providerEvents <- ev:
	case <-time.After(5 * time.Second):
		p.log.WithField("kind", ev.Kind).Error("provider event channel full, dropping event")
	}
}

func (p *Provider) emitSchema(ev SchemaEvent) {
	select {
	case p.schemaEvents <- ev:
	case <-time.After(5 * time.Second):
		p.log.WithField("kind", ev.Kind).Error("schema event channel full, dropping event")
	}
}
