package jwks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/httpcc"
	"golang.org/x/sync/singleflight"

	"github.com/openbotauth/botgate/pkg/logger"
	"github.com/openbotauth/botgate/pkg/networking"
)

// DefaultTTL is the cache lifetime used when the upstream response carries no
// max-age directive.
const DefaultTTL = time.Hour

type entry struct {
	doc       *Document
	etag      string
	fetchedAt time.Time
	expiresAt time.Time
}

// Cache is a keyed JWKS cache with TTL expiry, conditional refresh and
// per-key fetch deduplication. It is safe for concurrent use.
type Cache struct {
	client     *http.Client
	defaultTTL time.Duration
	maxBytes   int64
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the default entry TTL.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) { c.defaultTTL = d }
}

// WithMaxBytes caps the JWKS response body size.
func WithMaxBytes(n int64) CacheOption {
	return func(c *Cache) { c.maxBytes = n }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a Cache that fetches through the given client.
func NewCache(client *http.Client, opts ...CacheOption) *Cache {
	c := &Cache{
		client:     client,
		defaultTTL: DefaultTTL,
		maxBytes:   networking.DefaultMaxResponseSize,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeURL lowercases the host and strips the default port so that
// equivalent URLs share one cache entry.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.ToLower(u.Host)
	switch u.Scheme {
	case "https":
		host = strings.TrimSuffix(host, ":443")
	case "http":
		host = strings.TrimSuffix(host, ":80")
	}
	u.Host = host
	return u.String()
}

// Get returns the document for a JWKS URL, fetching or refreshing it as
// needed. Concurrent callers for the same key share a single in-flight fetch.
func (c *Cache) Get(ctx context.Context, rawURL string) (*Document, error) {
	key := NormalizeURL(rawURL)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.doc, nil
	}

	// The flight is shared across callers, so it must not inherit any one
	// caller's cancellation: a client disconnecting mid-fetch would fail
	// every concurrent waiter on the same key. The client's own timeout
	// still bounds the detached fetch.
	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Document), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh fetches the key, conditionally when a stale entry with an ETag
// exists. A 304 extends the current entry; a 200 replaces it.
func (c *Cache) refresh(ctx context.Context, key string) (*Document, error) {
	c.mu.RLock()
	stale := c.entries[key]
	c.mu.RUnlock()

	// A concurrent refresh may have completed while we queued.
	if stale != nil && c.now().Before(stale.expiresAt) {
		return stale.doc, nil
	}

	opts := []networking.FetchOption{networking.WithMaxResponseSize(c.maxBytes)}
	if stale != nil && stale.etag != "" {
		opts = append(opts, networking.WithHeader("If-None-Match", stale.etag))
	}

	resp, err := networking.Fetch(ctx, c.client, key, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if resp.StatusCode == http.StatusNotModified && stale != nil {
		doc := stale.doc
		c.store(key, doc, stale.etag)
		logger.Debugw("jwks cache refreshed via 304", "url", key)
		return doc, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrFetchFailed, resp.StatusCode, key)
	}

	doc, err := ParseDocument(resp.Body)
	if err != nil {
		return nil, err
	}
	c.storeWithMaxAge(key, doc, resp.Header.Get("ETag"), maxAgeFrom(resp.Header))
	return doc, nil
}

// Put inserts a document fetched elsewhere (well-known discovery) so the next
// Get is a hit.
func (c *Cache) Put(rawURL string, doc *Document, etag string, maxAge time.Duration) {
	c.storeWithMaxAge(NormalizeURL(rawURL), doc, etag, maxAge)
}

func (c *Cache) store(key string, doc *Document, etag string) {
	c.storeWithMaxAge(key, doc, etag, 0)
}

func (c *Cache) storeWithMaxAge(key string, doc *Document, etag string, maxAge time.Duration) {
	ttl := c.defaultTTL
	if maxAge > 0 {
		ttl = maxAge
	}
	now := c.now()
	c.mu.Lock()
	c.entries[key] = &entry{
		doc:       doc,
		etag:      etag,
		fetchedAt: now,
		expiresAt: now.Add(ttl),
	}
	c.mu.Unlock()
}

// Invalidate drops a single entry.
func (c *Cache) Invalidate(rawURL string) {
	key := NormalizeURL(rawURL)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// maxAgeFrom extracts the Cache-Control max-age directive, if any.
func maxAgeFrom(h http.Header) time.Duration {
	cc := h.Get("Cache-Control")
	if cc == "" {
		return 0
	}
	dir, err := httpcc.ParseResponse(cc)
	if err != nil {
		return 0
	}
	if maxAge, ok := dir.MaxAge(); ok {
		return time.Duration(maxAge) * time.Second
	}
	return 0
}
