// Package verifier contains the verification engine for RFC 9421 signed bot
// requests and the closed verdict taxonomy every failure maps onto.
package verifier

import "strings"

// Reason is a failure code from the closed taxonomy. Every verdict failure
// maps to exactly one.
type Reason string

// The closed reason set.
const (
	ReasonMissingSignatureHeaders Reason = "missing_signature_headers"
	ReasonMissingSignatureInput   Reason = "missing_signature_input"
	ReasonMissingSignature        Reason = "missing_signature"
	ReasonMissingSignatureAgent   Reason = "missing_signature_agent"

	ReasonInvalidStructuredField Reason = "invalid_structured_field"
	ReasonInvalidSignatureAgent  Reason = "invalid_signature_agent"

	ReasonUnsupportedAlgorithm Reason = "unsupported_algorithm"

	ReasonMissingCreated Reason = "missing_created"
	ReasonClockSkew      Reason = "clock_skew"
	ReasonExpired        Reason = "expired"

	ReasonNonceReplay Reason = "nonce_replay"

	ReasonUntrustedDirectory  Reason = "untrusted_directory"
	ReasonJWKSDiscoveryFailed Reason = "jwks_discovery_failed"
	ReasonJWKSFetchFailed     Reason = "jwks_fetch_failed"
	ReasonInvalidJWKS         Reason = "invalid_jwks"

	ReasonUnknownKid Reason = "unknown_kid"

	ReasonMissingCoveredHeader       Reason = "missing_covered_header"
	ReasonSensitiveHeaderInSignature Reason = "sensitive_header_in_signature"

	ReasonSignatureMismatch Reason = "signature_mismatch"

	ReasonInternalError Reason = "internal_error"
)

// Agent identifies the verified signer.
type Agent struct {
	JWKSURL    string `json:"jwks_url"`
	Kid        string `json:"kid"`
	ClientName string `json:"client_name,omitempty"`
}

// Verdict is the outcome of one verification. It is a closed sum: either
// Verified with agent info and timestamps, or not verified with a reason and
// a human-readable error.
type Verdict struct {
	Verified bool   `json:"verified"`
	Agent    *Agent `json:"agent,omitempty"`
	Created  int64  `json:"created,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Reason   Reason `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Failed builds a failure verdict.
func Failed(reason Reason, msg string) Verdict {
	return Verdict{Verified: false, Reason: reason, Error: msg}
}

// SanitizeHeaderValue strips CR, LF and other control characters so verdict
// strings can be emitted as response headers without header-injection risk.
func SanitizeHeaderValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
