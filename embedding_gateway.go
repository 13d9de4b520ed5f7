package hmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// cacheKey is (sector, content_hash, model_id) per spec.md §4.3.
type cacheKey struct {
	sector  Sector
	hash    string
	modelID string
}

// lruCache is a small fixed-capacity, read-mostly LRU keyed by cacheKey.
// Grounded on the teacher's preference for hand-rolled, dependency-free
// caches (the teacher never pulls an LRU library); writes take a mutex,
// matching spec.md §5's "read-mostly... fine-grained locks" guidance.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    []cacheKey
	values   map[cacheKey][]float32
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{capacity: capacity, values: make(map[cacheKey][]float32)}
}

func (c *lruCache) get(k cacheKey) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[k]
	if ok {
		c.touch(k)
	}
	return v, ok
}

func (c *lruCache) put(k cacheKey, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.values[k]; !exists && len(c.order) >= c.capacity && c.capacity > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.values, oldest)
	}
	c.values[k] = v
	c.touch(k)
}

// touch must be called with the lock held.
func (c *lruCache) touch(k cacheKey) {
	for i, existing := range c.order {
		if existing == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, k)
}

// EmbeddingGateway translates (text, sector) into vectors via an external
// provider, with bounded concurrency, retry-with-backoff, and an in-memory
// LRU cache. Grounded on glyphoxa's resilience.CircuitBreaker /
// FallbackGroup[T] idioms (sem-bounded concurrency + typed failover) and on
// the teacher's classify.go heuristic-then-fallback shape.
type EmbeddingGateway struct {
	provider EmbeddingProvider
	fallback EmbeddingProvider // optional secondary provider, nil if none
	cfg      EmbeddingConfig
	cache    *lruCache
	sem      chan struct{}
}

// NewEmbeddingGateway constructs a gateway around primary (and optional
// fallback) providers.
func NewEmbeddingGateway(provider, fallback EmbeddingProvider, cfg EmbeddingConfig) *EmbeddingGateway {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &EmbeddingGateway{
		provider: provider,
		fallback: fallback,
		cfg:      cfg,
		cache:    newLRUCache(cfg.CacheSize),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
	}
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// normalizeText trims and validates per spec.md §4.3.
func (g *EmbeddingGateway) normalizeText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", newErr(KindEmptyText, "text must not be empty")
	}
	if g.cfg.MaxTextLength > 0 && len(trimmed) > g.cfg.MaxTextLength {
		return "", newErr(KindTextTooLong, fmt.Sprintf("text exceeds max_text_length=%d", g.cfg.MaxTextLength))
	}
	return trimmed, nil
}

// Embed embeds a single (text, sector) pair, consulting the cache first and
// retrying the provider with exponential backoff on transient failure.
func (g *EmbeddingGateway) Embed(ctx context.Context, text string, sector Sector) ([]float32, error) {
	norm, err := g.normalizeText(text)
	if err != nil {
		return nil, err
	}

	key := cacheKey{sector: sector, hash: hashText(norm), modelID: g.provider.ModelID()}
	if v, ok := g.cache.get(key); ok {
		return v, nil
	}

	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return nil, wrapErr(KindDeadlineExceeded, "embedding gateway: acquire concurrency slot", ctx.Err())
	}

	vec, err := g.embedWithRetry(ctx, norm, sector)
	if err != nil {
		return nil, err
	}
	g.cache.put(key, vec)
	return vec, nil
}

func (g *EmbeddingGateway) embedWithRetry(ctx context.Context, text string, sector Sector) ([]float32, error) {
	attempts := g.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := g.cfg.RetryBaseBackoff
	if backoff <= 0 {
		backoff = 20 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		vec, err := g.provider.Embed(ctx, text, sector)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			break
		}
	}

	if g.fallback != nil {
		if vec, err := g.fallback.Embed(ctx, text, sector); err == nil {
			return vec, nil
		}
	}

	return nil, wrapErr(KindEmbeddingDown, "embedding provider exhausted retries", lastErr)
}

// EmbedAllSectors embeds text across all five sectors in parallel, bounded
// by embedding_deadline. Fails if any single sector fails after retries —
// spec.md §4.3's "fails if any single sector embed fails" rule.
func (g *EmbeddingGateway) EmbedAllSectors(ctx context.Context, text string) (map[Sector][]float32, error) {
	deadline := g.cfg.Deadline
	if deadline <= 0 {
		deadline = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)
	results := make(map[Sector][]float32, len(AllSectors()))
	var mu sync.Mutex

	for _, sector := range AllSectors() {
		sector := sector
		grp.Go(func() error {
			vec, err := g.Embed(gctx, text, sector)
			if err != nil {
				return err
			}
			mu.Lock()
			results[sector] = vec
			mu.Unlock()
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, wrapErr(KindDeadlineExceeded, "embed_all_sectors exceeded embedding_deadline", err)
		}
		return nil, err
	}
	return results, nil
}
