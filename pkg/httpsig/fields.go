package httpsig

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSignatureAgent is returned when a Signature-Agent value matches
// neither the legacy URL form nor the dictionary form.
var ErrInvalidSignatureAgent = errors.New("invalid signature-agent field")

// SignatureParams are the outer-list parameters of one Signature-Input entry.
type SignatureParams struct {
	Created    int64
	HasCreated bool
	Expires    int64
	HasExpires bool
	Nonce      string
	KeyID      string
	Alg        string
	Tag        string
}

// InputEntry is one label's entry in the Signature-Input dictionary: the
// ordered covered components, the extracted parameters, and the raw source
// text needed to rebuild the @signature-params base line byte for byte.
type InputEntry struct {
	Components []Item
	Params     SignatureParams
	Raw        string
}

// SignatureInput is the parsed Signature-Input field. Labels preserves wire
// order; the first label is the default one to verify.
type SignatureInput struct {
	Labels  []string
	Entries map[string]InputEntry
}

// ParseSignatureInput parses a Signature-Input field value.
func ParseSignatureInput(value string) (*SignatureInput, error) {
	dict, err := ParseDictionary(value)
	if err != nil {
		return nil, err
	}
	si := &SignatureInput{Entries: make(map[string]InputEntry)}
	for _, label := range dict.Keys {
		m := dict.Members[label]
		if !m.IsInner {
			return nil, fmt.Errorf("%w: signature-input member %q is not an inner list", ErrInvalidStructuredField, label)
		}
		entry := InputEntry{Components: m.Inner.Items, Raw: m.Raw}
		for _, p := range m.Inner.Params {
			switch p.Key {
			case "created":
				if p.Value.Type == TypeInteger {
					entry.Params.Created = p.Value.Int
					entry.Params.HasCreated = true
				}
			case "expires":
				if p.Value.Type == TypeInteger {
					entry.Params.Expires = p.Value.Int
					entry.Params.HasExpires = true
				}
			case "nonce":
				entry.Params.Nonce = p.Value.Str
			case "keyid":
				entry.Params.KeyID = p.Value.Str
			case "alg":
				entry.Params.Alg = p.Value.Str
			case "tag":
				entry.Params.Tag = p.Value.Str
			}
		}
		si.Labels = append(si.Labels, label)
		si.Entries[label] = entry
	}
	if len(si.Labels) == 0 {
		return nil, fmt.Errorf("%w: signature-input has no labels", ErrInvalidStructuredField)
	}
	return si, nil
}

// ParseSignatures parses a Signature field value into label -> raw signature
// bytes.
func ParseSignatures(value string) (map[string][]byte, error) {
	dict, err := ParseDictionary(value)
	if err != nil {
		return nil, err
	}
	sigs := make(map[string][]byte, len(dict.Keys))
	for _, label := range dict.Keys {
		m := dict.Members[label]
		if m.IsInner || m.Item.Value.Type != TypeBytes {
			return nil, fmt.Errorf("%w: signature member %q is not a byte sequence", ErrInvalidStructuredField, label)
		}
		sigs[label] = m.Item.Value.Bytes
	}
	return sigs, nil
}

// SignatureAgent is the parsed Signature-Agent field. The legacy form carries
// a single directory URL; the dictionary form maps signature labels to
// directory URIs.
type SignatureAgent struct {
	IsDict  bool
	Legacy  string
	ByLabel map[string]string
}

// URLFor returns the directory URL to use for the given signature label.
func (a *SignatureAgent) URLFor(label string) (string, bool) {
	if !a.IsDict {
		return a.Legacy, a.Legacy != ""
	}
	u, ok := a.ByLabel[label]
	return u, ok
}

// ParseSignatureAgent parses a Signature-Agent field value. Both the legacy
// bare/quoted URL form and the RFC 8941 dictionary form are accepted; values
// may be wrapped in angle brackets or quotes.
func ParseSignatureAgent(value string) (*SignatureAgent, error) {
	trimmed := stripWrapping(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidSignatureAgent)
	}

	// Legacy form: a single URL, possibly wrapped.
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return &SignatureAgent{Legacy: trimmed}, nil
	}

	dict, err := ParseDictionary(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureAgent, err)
	}
	agent := &SignatureAgent{IsDict: true, ByLabel: make(map[string]string, len(dict.Keys))}
	for _, label := range dict.Keys {
		m := dict.Members[label]
		if m.IsInner {
			return nil, fmt.Errorf("%w: member %q is not a string", ErrInvalidSignatureAgent, label)
		}
		switch m.Item.Value.Type {
		case TypeString, TypeToken:
			agent.ByLabel[label] = stripWrapping(m.Item.Value.Str)
		default:
			return nil, fmt.Errorf("%w: member %q is not a string", ErrInvalidSignatureAgent, label)
		}
	}
	if len(agent.ByLabel) == 0 {
		return nil, fmt.Errorf("%w: dictionary has no members", ErrInvalidSignatureAgent)
	}
	return agent, nil
}

// stripWrapping removes one layer of surrounding angle brackets or quotes
// plus any whitespace, in either nesting order.
func stripWrapping(s string) string {
	s = strings.TrimSpace(s)
	for {
		switch {
		case len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>':
			s = strings.TrimSpace(s[1 : len(s)-1])
		case len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"':
			s = strings.TrimSpace(s[1 : len(s)-1])
		default:
			return s
		}
	}
}
