// Package jwks resolves Signature-Agent values to key directory URLs, fetches
// the JWKS documents behind them through an SSRF-guarded client, and caches
// them with ETag and TTL semantics.
package jwks

import (
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// Errors surfaced to the verifier engine, which maps them onto the closed
// verdict reason set.
var (
	ErrUntrustedDirectory = errors.New("directory host is not trusted")
	ErrDiscoveryFailed    = errors.New("jwks discovery failed")
	ErrFetchFailed        = errors.New("jwks fetch failed")
	ErrInvalidDocument    = errors.New("invalid jwks document")
)

// Document is a validated JWKS document. ClientName carries the optional
// top-level display name surfaced in the verdict.
type Document struct {
	ClientName string
	keys       []jose.JSONWebKey
}

// rawDocument mirrors the wire shape. Keys are kept raw so that a single
// unparseable key does not reject the whole set.
type rawDocument struct {
	Keys       []json.RawMessage `json:"keys"`
	ClientName string            `json:"client_name"`
}

// rawKey carries just enough of each JWK to validate presence of kid and x.
type rawKey struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

// ParseDocument validates and parses a JWKS response body. The document is
// rejected when it is not JSON, when keys is missing or empty, or when no key
// element carries both kid and x.
func ParseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidDocument, err)
	}
	if len(raw.Keys) == 0 {
		return nil, fmt.Errorf("%w: keys array is missing or empty", ErrInvalidDocument)
	}

	doc := &Document{ClientName: raw.ClientName}
	usable := 0
	for _, rk := range raw.Keys {
		var meta rawKey
		if err := json.Unmarshal(rk, &meta); err != nil {
			continue
		}
		if meta.Kid == "" || meta.X == "" {
			continue
		}
		usable++

		var key jose.JSONWebKey
		if err := key.UnmarshalJSON(rk); err != nil {
			// Key material go-jose cannot represent; skip it at lookup.
			continue
		}
		doc.keys = append(doc.keys, key)
	}
	if usable == 0 {
		return nil, fmt.Errorf("%w: no key has both kid and x", ErrInvalidDocument)
	}
	return doc, nil
}

// Key returns the Ed25519 public key whose kid matches exactly. Truncated kid
// matches are deliberately not honoured.
func (d *Document) Key(kid string) (ed25519.PublicKey, bool) {
	for _, key := range d.keys {
		if key.KeyID != kid {
			continue
		}
		if pub, ok := key.Key.(ed25519.PublicKey); ok {
			return pub, true
		}
	}
	return nil, false
}

// Len reports the number of usable keys in the document.
func (d *Document) Len() int {
	return len(d.keys)
}

// Thumbprint computes the base64url RFC 7638 thumbprint for a JWK. Agents use
// this as the kid convention; it is exposed for tooling and tests.
func Thumbprint(key jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
