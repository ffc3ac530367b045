package jwks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openbotauth/botgate/pkg/logger"
	"github.com/openbotauth/botgate/pkg/networking"
)

// DefaultDiscoveryPaths is the ordered list of well-known paths probed when a
// Signature-Agent value names an identity origin rather than a JWKS document.
var DefaultDiscoveryPaths = []string{
	"/.well-known/http-message-signatures-directory",
	"/.well-known/jwks.json",
	"/.well-known/openbotauth/jwks.json",
	"/jwks.json",
}

// Resolver turns directory URIs into concrete JWKS URLs, performing
// well-known discovery when needed. Discovery results are primed into the
// cache so the verifier's follow-up lookup does not refetch.
type Resolver struct {
	client         *http.Client
	cache          *Cache
	trusted        map[string]bool
	discoveryPaths []string
	maxBytes       int64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTrustedDirectories installs the allow-list of JWKS hostnames. An empty
// list leaves the gate open; production deployments are expected to set one.
func WithTrustedDirectories(hosts []string) ResolverOption {
	return func(r *Resolver) {
		r.trusted = make(map[string]bool, len(hosts))
		for _, h := range hosts {
			r.trusted[strings.ToLower(h)] = true
		}
	}
}

// WithDiscoveryPaths overrides the probed well-known paths.
func WithDiscoveryPaths(paths []string) ResolverOption {
	return func(r *Resolver) {
		if len(paths) > 0 {
			r.discoveryPaths = paths
		}
	}
}

// WithResolverMaxBytes caps probe response sizes.
func WithResolverMaxBytes(n int64) ResolverOption {
	return func(r *Resolver) { r.maxBytes = n }
}

// NewResolver creates a Resolver fetching through the given client and
// priming the given cache.
func NewResolver(client *http.Client, cache *Cache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:         client,
		cache:          cache,
		discoveryPaths: DefaultDiscoveryPaths,
		maxBytes:       networking.DefaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trusted reports whether the host of the given URL passes the allow-list.
func (r *Resolver) Trusted(rawURL string) bool {
	if len(r.trusted) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return r.trusted[strings.ToLower(u.Hostname())]
}

// Resolve maps a directory URI to the JWKS URL to fetch. URLs that already
// point at a JWKS document are returned as-is (normalised); identity origins
// go through well-known discovery. The trust gate runs before any network
// traffic.
func (r *Resolver) Resolve(ctx context.Context, directoryURL string) (string, error) {
	u, err := url.Parse(directoryURL)
	if err != nil {
		return "", fmt.Errorf("%w: malformed directory URL %q", ErrDiscoveryFailed, directoryURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrDiscoveryFailed, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: directory URL %q has no host", ErrDiscoveryFailed, directoryURL)
	}
	if !r.Trusted(directoryURL) {
		return "", fmt.Errorf("%w: %s", ErrUntrustedDirectory, u.Hostname())
	}

	if looksLikeJWKSPath(u.Path) {
		return NormalizeURL(directoryURL), nil
	}

	return r.discover(ctx, u)
}

// discover probes the configured well-known paths under the origin and
// accepts the first 2xx response parsing as a valid JWKS.
func (r *Resolver) discover(ctx context.Context, origin *url.URL) (string, error) {
	probeClient := r.probeClient()
	var lastErr error
	for _, path := range r.discoveryPaths {
		candidate := origin.Scheme + "://" + origin.Host + path
		resp, err := networking.Fetch(ctx, probeClient, candidate,
			networking.WithMaxResponseSize(r.maxBytes),
			networking.WithHeader("Accept", "application/http-message-signatures-directory+json, application/json"),
		)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
			}
			lastErr = err
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("status %d from %s", resp.StatusCode, candidate)
			continue
		}
		doc, err := ParseDocument(resp.Body)
		if err != nil {
			lastErr = err
			continue
		}
		r.cache.Put(candidate, doc, resp.Header.Get("ETag"), maxAgeFrom(resp.Header))
		logger.Debugw("jwks discovered", "origin", origin.Host, "url", candidate)
		return NormalizeURL(candidate), nil
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: no well-known path yielded a JWKS for %s: %v", ErrDiscoveryFailed, origin.Host, lastErr)
	}
	return "", fmt.Errorf("%w: no well-known path yielded a JWKS for %s", ErrDiscoveryFailed, origin.Host)
}

// probeClient bounds each probe to a single redirect.
func (r *Resolver) probeClient() *http.Client {
	clone := *r.client
	clone.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= 2 {
			return errors.New("too many redirects during discovery")
		}
		return nil
	}
	return &clone
}

// looksLikeJWKSPath reports whether a path plausibly names a JWKS document
// directly rather than an identity origin.
func looksLikeJWKSPath(path string) bool {
	if strings.HasSuffix(path, ".json") {
		return true
	}
	for _, segment := range []string{"/jwks", "/.well-known/http-message-signatures-directory"} {
		if strings.Contains(path, segment) {
			return true
		}
	}
	return false
}
