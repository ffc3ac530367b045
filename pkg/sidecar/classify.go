// Package sidecar implements the edge adapter between incoming HTTP traffic
// and the verifier engine: request classification, covered-header extraction,
// the sensitive-header shield, and translation of verdicts into the
// X-OBAuth-* response header ABI. It can run as library middleware or as a
// reverse proxy in front of an origin.
package sidecar

import (
	"net/http"

	"github.com/openbotauth/botgate/pkg/verifier"
)

// The three signature headers carried by signed requests.
const (
	HeaderSignatureInput = "Signature-Input"
	HeaderSignature      = "Signature"
	HeaderSignatureAgent = "Signature-Agent"
)

// Response headers emitted by the sidecar. This is the external ABI consumed
// by origin-side policy layers.
const (
	HeaderVerified = "X-OBAuth-Verified"
	HeaderAgent    = "X-OBAuth-Agent"
	HeaderJWKSURL  = "X-OBAuth-JWKS-URL"
	HeaderKid      = "X-OBAuth-Kid"
	HeaderError    = "X-OBAuth-Error"
)

// Classification is the outcome of inspecting a request's signature headers.
type Classification struct {
	// Signed is true when any of the three signature headers is present.
	Signed bool

	// Complete is true when all three are present.
	Complete bool

	// MissingReason names the first absent companion header when the
	// request is signed but incomplete.
	MissingReason verifier.Reason
}

// Classify inspects the signature headers of a request. A request carrying
// any of the three is signed; missing companions are reported precisely.
func Classify(h http.Header) Classification {
	hasInput := h.Get(HeaderSignatureInput) != ""
	hasSig := h.Get(HeaderSignature) != ""
	hasAgent := h.Get(HeaderSignatureAgent) != ""

	c := Classification{Signed: hasInput || hasSig || hasAgent}
	if !c.Signed {
		return c
	}
	switch {
	case !hasInput:
		c.MissingReason = verifier.ReasonMissingSignatureInput
	case !hasSig:
		c.MissingReason = verifier.ReasonMissingSignature
	case !hasAgent:
		c.MissingReason = verifier.ReasonMissingSignatureAgent
	default:
		c.Complete = true
	}
	return c
}

// MatchesProtectedPath reports whether a request path falls under one of the
// protected prefixes. Matching honours directory boundaries: prefix /api
// covers /api, /api/x and /api.json but not /apix.
func MatchesProtectedPath(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if path == prefix {
			return true
		}
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			switch path[len(prefix)] {
			case '/', '.':
				return true
			}
		}
	}
	return false
}
