// Package resolver implements the Link Resolver (spec.md §4.A): fetching
// manifest and WASM bytes by content address, in the shape of the
// teacher's infrastructure/ratelimit.RateLimitedClient — a plain
// *http.Client wrapped with a token-bucket limiter and a byte cap, not a
// bespoke IPFS client.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BladeCKG/graph-node-go/internal/domain"
	"github.com/BladeCKG/graph-node-go/internal/errs"
)

// Config controls the resolver's gateway endpoint, fetch timeout, byte
// cap, and request rate (internal/config.ResolverConfig supplies these at
// startup).
type Config struct {
	GatewayURL    string
	FetchTimeout  time.Duration
	MaxBytes      int64
	RatePerSecond float64
}

// Resolver is the component-A interface consumed by the lifecycle
// provider (to resolve a manifest at deploy time) and the WASM host (to
// fetch ipfs.cat payloads on a guest's behalf).
type Resolver interface {
	Cat(ctx context.Context, link string) ([]byte, error)
	ResolveManifest(ctx context.Context, link string) (*domain.Manifest, error)
	ParseManifest(ctx context.Context, id domain.DeploymentID, raw []byte) (*domain.Manifest, error)
}

// IPFSResolver fetches content through an HTTP IPFS gateway, rate-limited
// and size-capped per spec.md §4.A.
type IPFSResolver struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New builds an IPFSResolver. A RatePerSecond of 0 disables limiting
// (useful for tests against a local fixture server).
func New(cfg Config) *IPFSResolver {
	r := &IPFSResolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
	}
	if cfg.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1)
	}
	return r
}

// Cat fetches the raw bytes behind link ("/ipfs/<hash>"), enforcing the
// configured timeout and byte cap (spec.md §4.A cat).
func (r *IPFSResolver) Cat(ctx context.Context, link string) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, errs.Wrap(errs.CodeTimeout, "rate limiter wait", err)
		}
	}

	hash := strings.TrimPrefix(link, "/ipfs/")
	if hash == "" {
		return nil, errs.New(errs.CodeParseError, fmt.Sprintf("malformed link %q", link))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	url := strings.TrimSuffix(r.cfg.GatewayURL, "/") + "/ipfs/" + hash
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "build request", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if fetchCtx.Err() != nil {
			return nil, errs.Wrap(errs.CodeTimeout, fmt.Sprintf("fetch %s timed out", link), err)
		}
		return nil, errs.Wrap(errs.CodeTransport, fmt.Sprintf("fetch %s", link), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.NotFound(fmt.Sprintf("%s not found", link))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.CodeTransport, fmt.Sprintf("gateway returned %d for %s", resp.StatusCode, link))
	}

	limited := io.LimitReader(resp.Body, r.cfg.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "read response body", err)
	}
	if int64(len(body)) > r.cfg.MaxBytes {
		return nil, errs.New(errs.CodeTooLarge, fmt.Sprintf("%s exceeds %d bytes", link, r.cfg.MaxBytes))
	}
	return body, nil
}
