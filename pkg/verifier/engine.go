package verifier

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openbotauth/botgate/pkg/httpsig"
	"github.com/openbotauth/botgate/pkg/jwks"
	"github.com/openbotauth/botgate/pkg/logger"
	"github.com/openbotauth/botgate/pkg/nonce"
)

// Request is one verification request. Headers must contain the three
// signature fields plus every covered header the sidecar forwarded.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// Label optionally pins the signature label to verify. When empty the
	// first label in Signature-Input is used.
	Label string

	// JWKSOverride bypasses Signature-Agent resolution. Testing only; the
	// engine must be configured to allow it.
	JWKSOverride string
}

// Attempt is the telemetry view of one verification.
type Attempt struct {
	Kid           string
	JWKSURL       string
	Origin        string
	Verified      bool
	Reason        Reason
	WeakFreshness bool
	At            time.Time
}

// Observer receives attempts after the verdict is produced. Implementations
// must not block.
type Observer interface {
	Observe(Attempt)
}

// Engine drives the verification pipeline. It holds no per-request state and
// performs no I/O except through its collaborators.
type Engine struct {
	cache    *jwks.Cache
	resolver *jwks.Resolver
	nonces   nonce.Store
	observer Observer

	maxSkew       time.Duration
	nonceTTL      time.Duration
	allowOverride bool
	now           func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxSkew sets the freshness window for the created parameter.
func WithMaxSkew(d time.Duration) EngineOption {
	return func(e *Engine) { e.maxSkew = d }
}

// WithNonceTTL sets the replay window.
func WithNonceTTL(d time.Duration) EngineOption {
	return func(e *Engine) { e.nonceTTL = d }
}

// WithObserver installs the telemetry observer.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithJWKSOverrideAllowed permits the per-request jwks_url override.
func WithJWKSOverrideAllowed(allow bool) EngineOption {
	return func(e *Engine) { e.allowOverride = allow }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over the given collaborators.
func NewEngine(cache *jwks.Cache, resolver *jwks.Resolver, nonces nonce.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		cache:    cache,
		resolver: resolver,
		nonces:   nonces,
		maxSkew:  nonce.DefaultMaxSkew,
		nonceTTL: nonce.DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify runs the full pipeline and returns a verdict. Every failure maps to
// a closed reason; errors never escape as panics or untagged values.
func (e *Engine) Verify(ctx context.Context, req Request) Verdict {
	verdict, attempt := e.verify(ctx, req)

	// A cancelled verification writes no telemetry.
	if e.observer != nil && ctx.Err() == nil {
		attempt.Origin = originOf(req.URL)
		attempt.At = e.now()
		e.observer.Observe(attempt)
	}
	return verdict
}

//nolint:gocyclo // linear pipeline
func (e *Engine) verify(ctx context.Context, req Request) (Verdict, Attempt) {
	attempt := Attempt{}

	fail := func(reason Reason, msg string) (Verdict, Attempt) {
		attempt.Verified = false
		attempt.Reason = reason
		return Failed(reason, msg), attempt
	}

	// Step 1: locate and parse the three signature fields. An override the
	// engine is not configured to honour counts as absent here.
	inputValue := req.Headers.Get("Signature-Input")
	sigValue := req.Headers.Get("Signature")
	agentValue := req.Headers.Get("Signature-Agent")
	override := req.JWKSOverride
	if !e.allowOverride {
		override = ""
	}
	if inputValue == "" || sigValue == "" || (agentValue == "" && override == "") {
		return fail(ReasonMissingSignatureHeaders, "request is missing one or more signature headers")
	}

	input, err := httpsig.ParseSignatureInput(inputValue)
	if err != nil {
		return fail(ReasonInvalidStructuredField, fmt.Sprintf("malformed Signature-Input: %v", err))
	}
	sigs, err := httpsig.ParseSignatures(sigValue)
	if err != nil {
		return fail(ReasonInvalidStructuredField, fmt.Sprintf("malformed Signature: %v", err))
	}

	label := req.Label
	if label == "" {
		label = input.Labels[0]
	}
	entry, ok := input.Entries[label]
	if !ok {
		return fail(ReasonMissingSignatureInput, fmt.Sprintf("label %q not present in Signature-Input", label))
	}
	signature, ok := sigs[label]
	if !ok {
		return fail(ReasonMissingSignature, fmt.Sprintf("label %q not present in Signature", label))
	}

	// Step 2: parameters for the active label.
	params := entry.Params
	attempt.Kid = params.KeyID
	if params.Alg != "" && params.Alg != "ed25519" {
		return fail(ReasonUnsupportedAlgorithm, fmt.Sprintf("unsupported algorithm %q", params.Alg))
	}
	attempt.WeakFreshness = params.Nonce == ""

	// Step 3: freshness, before nonce admission.
	if err := nonce.CheckFreshness(params.Created, params.HasCreated, params.Expires, params.HasExpires, e.now(), e.maxSkew); err != nil {
		switch {
		case errors.Is(err, nonce.ErrMissingCreated):
			return fail(ReasonMissingCreated, "signature has no created parameter")
		case errors.Is(err, nonce.ErrClockSkew):
			return fail(ReasonClockSkew, fmt.Sprintf("created timestamp %d outside the allowed skew window", params.Created))
		default:
			return fail(ReasonExpired, fmt.Sprintf("signature expired at %d", params.Expires))
		}
	}

	// Step 4: resolve the JWKS URL.
	jwksURL, verdictReason, msg := e.resolveJWKSURL(ctx, override, agentValue, label)
	if verdictReason != "" {
		return fail(verdictReason, msg)
	}
	attempt.JWKSURL = jwksURL

	// Step 5: fetch the key set. This happens before nonce admission so a
	// cancelled or failing fetch never burns a nonce.
	doc, err := e.cache.Get(ctx, jwksURL)
	if err != nil {
		switch {
		case errors.Is(err, jwks.ErrInvalidDocument):
			return fail(ReasonInvalidJWKS, fmt.Sprintf("JWKS at %s is invalid: %v", jwksURL, err))
		default:
			return fail(ReasonJWKSFetchFailed, fmt.Sprintf("failed to fetch JWKS from %s: %v", jwksURL, err))
		}
	}

	key, ok := doc.Key(params.KeyID)
	if !ok {
		return fail(ReasonUnknownKid, fmt.Sprintf("no key with kid %q in JWKS", params.KeyID))
	}

	// Step 6: atomic nonce admission.
	if params.Nonce != "" {
		fresh, err := e.nonces.Admit(ctx, params.KeyID, params.Nonce, e.nonceTTL)
		if err != nil {
			logger.Errorw("nonce store unavailable", "error", err)
			return fail(ReasonInternalError, "nonce store unavailable")
		}
		if !fresh {
			return fail(ReasonNonceReplay, fmt.Sprintf("nonce %q already used for kid %q", params.Nonce, params.KeyID))
		}
	}

	// Step 7: rebuild the signature base.
	base, err := httpsig.BuildSignatureBase(httpsig.BaseInput{
		Method:     req.Method,
		TargetURI:  req.URL,
		Headers:    req.Headers,
		Components: entry.Components,
		RawParams:  entry.Raw,
	})
	if err != nil {
		var missing *httpsig.MissingHeaderError
		var sensitive *httpsig.SensitiveHeaderError
		switch {
		case errors.As(err, &missing):
			return fail(ReasonMissingCoveredHeader, fmt.Sprintf("Missing covered header: %s", missing.Header))
		case errors.As(err, &sensitive):
			return fail(ReasonSensitiveHeaderInSignature, fmt.Sprintf("signature covers sensitive header %q", sensitive.Header))
		default:
			return fail(ReasonInvalidStructuredField, fmt.Sprintf("cannot build signature base: %v", err))
		}
	}

	// Step 8: Ed25519 verification. ed25519.Verify is constant time with
	// respect to the signature contents.
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(key, base, signature) {
		return fail(ReasonSignatureMismatch, "signature does not match the reconstructed base")
	}

	// Step 9: verdict.
	attempt.Verified = true
	return Verdict{
		Verified: true,
		Agent: &Agent{
			JWKSURL:    jwksURL,
			Kid:        params.KeyID,
			ClientName: doc.ClientName,
		},
		Created: params.Created,
		Expires: params.Expires,
	}, attempt
}

// resolveJWKSURL applies the override when present, otherwise parses
// Signature-Agent and runs directory resolution. A non-empty reason signals
// failure.
func (e *Engine) resolveJWKSURL(ctx context.Context, override, agentValue, label string) (string, Reason, string) {
	directory := override
	if directory == "" {
		agent, err := httpsig.ParseSignatureAgent(agentValue)
		if err != nil {
			return "", ReasonInvalidSignatureAgent, fmt.Sprintf("malformed Signature-Agent: %v", err)
		}
		u, ok := agent.URLFor(label)
		if !ok {
			return "", ReasonMissingSignatureAgent, fmt.Sprintf("Signature-Agent has no entry for label %q", label)
		}
		directory = u
	}

	jwksURL, err := e.resolver.Resolve(ctx, directory)
	if err != nil {
		switch {
		case errors.Is(err, jwks.ErrUntrustedDirectory):
			return "", ReasonUntrustedDirectory, fmt.Sprintf("directory %s is not in the trusted list", directory)
		default:
			return "", ReasonJWKSDiscoveryFailed, fmt.Sprintf("could not discover a JWKS for %s: %v", directory, err)
		}
	}
	return jwksURL, "", ""
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
