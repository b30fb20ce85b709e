// Package storage fetches source and metadata bytes from decentralized
// storage gateways by ContentHash.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lyfsn/sourcify/internal/contenthash"
	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
	"golang.org/x/time/rate"
)

// defaultAttemptTimeout bounds a single gateway HTTP round trip.
const defaultAttemptTimeout = 30 * time.Second

// defaultInFlightLimit bounds the number of concurrent fetches a single
// Fetcher will serve.
const defaultInFlightLimit = 8

// Fetcher fetches bytes for a ContentHash from one storage origin.
type Fetcher interface {
	Fetch(ctx context.Context, hash contenthash.ContentHash) ([]byte, error)
}

// Registry maps a ContentHash origin to the Fetcher responsible for it.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[contenthash.Origin]Fetcher
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[contenthash.Origin]Fetcher)}
}

// Register installs fetcher as the handler for origin.
func (r *Registry) Register(origin contenthash.Origin, fetcher Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[origin] = fetcher
}

// Fetch dispatches to the registered fetcher for hash.Origin.
func (r *Registry) Fetch(ctx context.Context, hash contenthash.ContentHash) ([]byte, error) {
	r.mu.RLock()
	f, ok := r.fetchers[hash.Origin]
	r.mu.RUnlock()
	if !ok {
		return nil, apierrors.ErrNoFetcher
	}
	return f.Fetch(ctx, hash)
}

// GatewayFetcher fetches bytes over HTTP from an ordered list of gateway
// base URLs, trying each in turn until one succeeds.
type GatewayFetcher struct {
	client    *http.Client
	gateways  []string
	limiter   *rate.Limiter
	sem       chan struct{}
	urlForHex func(gateway string, hash contenthash.ContentHash) string
}

// GatewayFetcherOption configures a GatewayFetcher beyond its required
// constructor arguments.
type GatewayFetcherOption func(*GatewayFetcher)

// WithInFlightLimit overrides the default concurrent-fetch cap.
func WithInFlightLimit(n int) GatewayFetcherOption {
	return func(g *GatewayFetcher) { g.sem = make(chan struct{}, n) }
}

// WithRateLimit attaches a token-bucket limiter shared across every
// fetch issued by this GatewayFetcher.
func WithRateLimit(r rate.Limit, burst int) GatewayFetcherOption {
	return func(g *GatewayFetcher) { g.limiter = rate.NewLimiter(r, burst) }
}

// NewGatewayFetcher builds a GatewayFetcher over the given ordered
// gateway base URLs; urlForHex renders the full request URL for a
// gateway + hash pair.
func NewGatewayFetcher(gateways []string, urlForHex func(string, contenthash.ContentHash) string, opts ...GatewayFetcherOption) *GatewayFetcher {
	g := &GatewayFetcher{
		client:    &http.Client{Timeout: defaultAttemptTimeout},
		gateways:  gateways,
		sem:       make(chan struct{}, defaultInFlightLimit),
		urlForHex: urlForHex,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fetch tries each configured gateway in order. A 4xx response fails the
// whole call immediately as fetch-permanent; network errors and 5xx
// responses fall through to the next gateway. Exhausting every gateway
// without success fails as fetch-unavailable.
func (g *GatewayFetcher) Fetch(ctx context.Context, hash contenthash.ContentHash) ([]byte, error) {
	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, gateway := range g.gateways {
		body, permanent, err := g.attempt(ctx, gateway, hash)
		if err == nil {
			return body, nil
		}
		if permanent {
			return nil, apierrors.ErrFetchPermanent.WithMessage(err.Error())
		}
		lastErr = err
	}
	return nil, apierrors.ErrFetchUnavailable.WithMessage(fmt.Sprintf("all gateways exhausted: %v", lastErr))
}

func (g *GatewayFetcher) attempt(ctx context.Context, gateway string, hash contenthash.ContentHash) (body []byte, permanent bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, defaultAttemptTimeout)
	defer cancel()

	url := g.urlForHex(gateway, hash)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, true, fmt.Errorf("gateway %s responded %d", gateway, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return nil, false, fmt.Errorf("gateway %s responded %d", gateway, resp.StatusCode)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), false, nil
}

// NewIPFSFetcher builds a GatewayFetcher for the ipfs origin over the
// given gateway base URLs (e.g. "https://ipfs.io/ipfs/"). Real ipfs
// gateways are addressed by CIDv0 ("Qm..."), not the raw hex digest;
// hexHash is only a fallback for a hash that somehow isn't 32 bytes.
func NewIPFSFetcher(gateways []string, opts ...GatewayFetcherOption) *GatewayFetcher {
	return NewGatewayFetcher(gateways, func(gateway string, hash contenthash.ContentHash) string {
		if cid, ok := contenthash.IPFSCid(hash); ok {
			return gateway + cid
		}
		return gateway + hexHash(hash)
	}, opts...)
}

// NewSwarmFetcher builds a GatewayFetcher for a swarm origin (bzzr0 or
// bzzr1) over the given gateway base URLs.
func NewSwarmFetcher(gateways []string, opts ...GatewayFetcherOption) *GatewayFetcher {
	return NewGatewayFetcher(gateways, func(gateway string, hash contenthash.ContentHash) string {
		return gateway + hexHash(hash)
	}, opts...)
}

func hexHash(hash contenthash.ContentHash) string {
	return fmt.Sprintf("%x", hash.Hash)
}
