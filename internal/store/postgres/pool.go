// Package postgres implements internal/store.Store against a pooled
// Postgres connection, in the shape of the teacher's
// internal/app/storage/postgres and services/indexer/storage.go: plain
// database/sql with the lib/pq driver, wrapped in a bounded-acquisition
// front end the spec calls for (spec.md §4.C connection pool).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/BladeCKG/graph-node-go/internal/config"
	"github.com/BladeCKG/graph-node-go/internal/errs"
)

// ewmaAlpha weights each new acquire-wait sample against the running
// average. 0.2 tracks recent behavior without being noisy on one slow
// acquire (original_source/store/postgres/connection_pool.rs keeps a
// similar smoothed average rather than a raw max).
const ewmaAlpha = 0.2

// Pool bounds concurrent logical acquisitions against one *sql.DB. Many
// Instance Runtimes share one Pool; acquisition is FIFO and blocks until a
// slot frees or cfg.AcquireTimeout elapses (spec.md §4.C, §5).
type Pool struct {
	db     *sql.DB
	tokens chan struct{}
	size   int
	cfg    config.StoreConfig
	log    *logrus.Entry

	mu           sync.Mutex
	waitEWMA     time.Duration
	lastWaitLog  time.Time
	haveEWMA     bool

	inUse    prometheus.Gauge
	waitHist prometheus.Histogram
}

// NewPool opens the database and seeds the acquisition semaphore with
// cfg.PoolSize tokens.
func NewPool(cfg config.StoreConfig, log *logrus.Entry) (*Pool, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(30 * time.Minute)

	size := cfg.PoolSize
	if size <= 0 {
		size = 10
	}
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}

	return &Pool{
		db:     db,
		tokens: tokens,
		size:   size,
		cfg:    cfg,
		log:    log,
		inUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphnode_store_pool_in_use",
			Help: "Connections currently checked out of the store pool.",
		}),
		waitHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphnode_store_pool_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a store pool connection.",
			Buckets: prometheus.DefBuckets,
		}),
	}, nil
}

// Ping verifies connectivity, used at startup before the node accepts any
// Start events.
func (p *Pool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Close releases the underlying *sql.DB.
func (p *Pool) Close() error { return p.db.Close() }

// Conn is a checked-out logical connection. Callers must call Release
// exactly once.
type Conn struct {
	*sql.Conn
	pool *Pool
}

// Acquire blocks until a slot is free or cfg.AcquireTimeout elapses (6h in
// production, 30s in test configuration per spec.md §5), returning a
// PoolTimeout error on expiry so the instance runtime can retry with
// backoff rather than treat it as fatal.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 6 * time.Hour
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-p.tokens:
	case <-waitCtx.Done():
		return nil, errs.Wrap(errs.CodePoolTimeout,
			fmt.Sprintf("acquire timed out after %s", timeout), waitCtx.Err())
	}

	wait := time.Since(start)
	p.recordWait(wait)

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.tokens <- struct{}{}
		return nil, errs.Wrap(errs.CodeTransport, "open pooled connection", err)
	}

	p.inUse.Inc()
	return &Conn{Conn: conn, pool: p}, nil
}

// Release returns the connection to the pool. Safe to call once; a second
// call is a caller bug and is not guarded against, matching the teacher's
// convention of leaving double-close as a programmer error.
func (c *Conn) Release() {
	_ = c.Conn.Close()
	c.pool.inUse.Dec()
	c.pool.tokens <- struct{}{}
}

// recordWait folds a sample into the moving average and logs it at most
// once per cfg.WaitLogInterval, avoiding log amplification under
// contention (spec.md §4.C).
func (p *Pool) recordWait(wait time.Duration) {
	p.waitHist.Observe(wait.Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveEWMA {
		p.waitEWMA = wait
		p.haveEWMA = true
	} else {
		p.waitEWMA = time.Duration(float64(p.waitEWMA)*(1-ewmaAlpha) + float64(wait)*ewmaAlpha)
	}

	interval := p.cfg.WaitLogInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	now := time.Now()
	if now.Sub(p.lastWaitLog) < interval {
		return
	}
	p.lastWaitLog = now
	avg := p.waitEWMA
	if p.log != nil {
		p.log.WithField("avg_wait", avg).Info("store pool acquire wait")
	}
}

// Metrics exposes the pool's prometheus collectors so the caller can
// register them with a registry. Registration/exposition is out of scope
// here (spec.md §1) — this node only defines the metric objects.
func (p *Pool) Metrics() []prometheus.Collector {
	return []prometheus.Collector{p.inUse, p.waitHist}
}
