// Command graphnode runs one indexing node: it loads configuration, opens
// the Postgres store, starts the Lifecycle Provider replaying this node's
// assignments, and hands its event stream to the Instance Manager, in the
// shape of cmd/neo-indexer's load-config/build-service/Start/wait-for-signal
// sequence.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/BladeCKG/graph-node-go/internal/chain"
	"github.com/BladeCKG/graph-node-go/internal/config"
	"github.com/BladeCKG/graph-node-go/internal/lifecycle"
	"github.com/BladeCKG/graph-node-go/internal/logging"
	"github.com/BladeCKG/graph-node-go/internal/resolver"
	"github.com/BladeCKG/graph-node-go/internal/runtime"
	"github.com/BladeCKG/graph-node-go/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	entry := log.Component("graphnode")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Store, entry)
	if err != nil {
		entry.WithError(err).Fatal("open store")
	}
	defer db.Close()

	res := resolver.New(resolver.Config{
		GatewayURL:    cfg.Resolver.IPFSGatewayURL,
		FetchTimeout:  cfg.Resolver.FetchTimeout,
		MaxBytes:      cfg.Resolver.MaxBytes,
		RatePerSecond: cfg.Resolver.RatePerSecond,
	})

	chainClient := chain.NewClient(cfg.Chain.RPCURL, cfg.Chain.RequestTimeout)
	// One RPC endpoint is configured per node process; a manifest naming a
	// different network is a deployment-time mistake, not something this
	// node can route around.
	chainAdapterFor := func(string) (chain.Adapter, error) {
		return chainClient, nil
	}

	var redisClient *redis.Client
	if url := strings.TrimSpace(cfg.Runtime.RedisURL); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			entry.WithError(err).Fatal("parse redis url")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			entry.WithError(err).Fatal("ping redis")
		}
		defer redisClient.Close()
	}

	provider := lifecycle.New(cfg.Runtime.NodeID, db, res, entry)
	defer provider.Close()

	manager := runtime.NewManager(cfg.Runtime.NodeID, db, db, res, chainAdapterFor, redisClient, cfg.Runtime.DeploymentLockTTL, entry)

	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(ctx, provider.ProviderEvents())
	}()

	if err := provider.Start(ctx); err != nil {
		entry.WithError(err).Fatal("replay assignments")
	}
	if err := provider.StartReconciliation(ctx, reconcileSpec(cfg.Runtime.ReconcileInterval)); err != nil {
		entry.WithError(err).Fatal("start reconciliation")
	}

	entry.WithField("node_id", cfg.Runtime.NodeID).Info("graphnode started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	entry.Info("shutting down")
	cancel()
	manager.Close()
	<-managerDone
}

// reconcileSpec turns a Duration into the "@every" cron spec robfig/cron
// accepts, since RuntimeConfig carries the interval as a duration rather
// than a cron expression.
func reconcileSpec(interval time.Duration) string {
	if interval <= 0 {
		interval = time.Minute
	}
	return "@every " + interval.String()
}
