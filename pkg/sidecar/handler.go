package sidecar

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openbotauth/botgate/pkg/httpsig"
	"github.com/openbotauth/botgate/pkg/logger"
	"github.com/openbotauth/botgate/pkg/verifier"
)

// Mode selects the sidecar's behaviour towards unverified traffic.
type Mode string

// Operating modes.
const (
	// ModeObserve proxies every request and attaches advisory headers.
	ModeObserve Mode = "observe"

	// ModeRequireVerified rejects unverified requests on protected paths.
	ModeRequireVerified Mode = "require_verified"
)

// DefaultVerifyTimeout bounds one sidecar-to-verifier round trip.
const DefaultVerifyTimeout = 5 * time.Second

// Verifier is the sidecar's view of the verification engine, either
// in-process or over RPC.
type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (verifier.Verdict, error)
}

// Options configure the sidecar handler.
type Options struct {
	// Mode defaults to observe.
	Mode Mode

	// ProtectedPaths are the prefixes subject to verification in
	// require_verified mode.
	ProtectedPaths []string

	// TrustForwardedHeaders enables X-Forwarded-* hints when reconstructing
	// the effective target URI.
	TrustForwardedHeaders bool

	// VerifyTimeout bounds each verifier call.
	VerifyTimeout time.Duration
}

// Middleware returns an http.Handler middleware that classifies requests,
// forwards signature material to the verifier and stamps the X-OBAuth-*
// headers onto the response.
func Middleware(v Verifier, opts Options) func(http.Handler) http.Handler {
	if opts.Mode == "" {
		opts.Mode = ModeObserve
	}
	if opts.VerifyTimeout == 0 {
		opts.VerifyTimeout = DefaultVerifyTimeout
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verdict := Evaluate(r, v, opts)
			StampHeaders(w.Header(), verdict)

			protected := opts.Mode == ModeRequireVerified &&
				MatchesProtectedPath(r.URL.Path, opts.ProtectedPaths)
			if protected && !verdict.Verified {
				http.Error(w, "signature verification required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Evaluate runs classification, extraction and verification for one request
// and returns the verdict to stamp. Unsigned requests yield an unverified
// verdict with no reason.
func Evaluate(r *http.Request, v Verifier, opts Options) verifier.Verdict {
	c := Classify(r.Header)
	if !c.Signed {
		return verifier.Verdict{Verified: false}
	}
	if !c.Complete {
		return verifier.Failed(c.MissingReason, "request carries an incomplete signature header set")
	}

	forwarded, err := ExtractCoveredHeaders(r, "")
	if err != nil {
		var sensitive *httpsig.SensitiveHeaderError
		if errors.As(err, &sensitive) {
			return verifier.Failed(verifier.ReasonSensitiveHeaderInSignature,
				"signature covers a sensitive header the sidecar never forwards")
		}
		return verifier.Failed(verifier.ReasonInvalidStructuredField, "malformed Signature-Input")
	}

	ctx, cancel := context.WithTimeout(r.Context(), opts.VerifyTimeout)
	defer cancel()

	verdict, err := v.Verify(ctx, verifier.Request{
		Method:  r.Method,
		URL:     EffectiveTargetURI(r, opts.TrustForwardedHeaders),
		Headers: forwarded,
	})
	if err != nil {
		logger.Errorw("verifier call failed", "error", err)
		return verifier.Failed(verifier.ReasonInternalError, "verifier unavailable")
	}
	return verdict
}

// StampHeaders writes the verdict onto a response header set, sanitising
// every value against header injection.
func StampHeaders(h http.Header, verdict verifier.Verdict) {
	if verdict.Verified {
		h.Set(HeaderVerified, "true")
		if verdict.Agent != nil {
			if verdict.Agent.ClientName != "" {
				h.Set(HeaderAgent, verifier.SanitizeHeaderValue(verdict.Agent.ClientName))
			}
			h.Set(HeaderJWKSURL, verifier.SanitizeHeaderValue(verdict.Agent.JWKSURL))
			h.Set(HeaderKid, verifier.SanitizeHeaderValue(verdict.Agent.Kid))
		}
		return
	}
	h.Set(HeaderVerified, "false")
	if verdict.Reason != "" {
		h.Set(HeaderError, verifier.SanitizeHeaderValue(string(verdict.Reason)))
	}
}
