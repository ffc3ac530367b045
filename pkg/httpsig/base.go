package httpsig

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SensitiveHeaders are header names that must never appear as covered
// components. The sidecar contract guarantees they are never forwarded to the
// verifier, so a signature covering one of them can never be reconstructed.
var SensitiveHeaders = map[string]bool{
	"cookie":              true,
	"authorization":       true,
	"proxy-authorization": true,
	"www-authenticate":    true,
}

// MissingHeaderError reports a covered header that is absent from the request.
type MissingHeaderError struct {
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("missing covered header: %s", e.Header)
}

// SensitiveHeaderError reports a covered component naming a sensitive header.
type SensitiveHeaderError struct {
	Header string
}

func (e *SensitiveHeaderError) Error() string {
	return fmt.Sprintf("sensitive header in signature: %s", e.Header)
}

// BaseInput carries everything needed to rebuild the signature base for one
// signature label.
type BaseInput struct {
	// Method is the HTTP request method.
	Method string

	// TargetURI is the absolute effective request URI.
	TargetURI string

	// Headers is the request header multimap. Lookup is by lowercased name.
	Headers http.Header

	// Components is the ordered covered-component list for the label.
	Components []Item

	// RawParams is the raw Signature-Input member text for the label,
	// reproduced verbatim on the @signature-params line.
	RawParams string

	// Status is the response status code, only set when verifying response
	// signatures that cover @status.
	Status int
}

// BuildSignatureBase reconstructs the RFC 9421 section 2.5 signature base:
// one line per covered component followed by the @signature-params line, with
// no trailing newline.
func BuildSignatureBase(in BaseInput) ([]byte, error) {
	target, err := url.Parse(in.TargetURI)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed target URI: %v", ErrInvalidStructuredField, err)
	}

	var buf bytes.Buffer
	for _, comp := range in.Components {
		if comp.Value.Type != TypeString {
			return nil, fmt.Errorf("%w: covered component is not a string item", ErrInvalidStructuredField)
		}
		name := comp.Value.Str
		value, err := componentValue(in, target, name, comp)
		if err != nil {
			return nil, err
		}
		buf.WriteString(SerializeItem(comp))
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	buf.WriteString(`"@signature-params": `)
	buf.WriteString(strings.TrimSpace(in.RawParams))
	return buf.Bytes(), nil
}

func componentValue(in BaseInput, target *url.URL, name string, comp Item) (string, error) {
	if strings.HasPrefix(name, "@") {
		return derivedComponentValue(in, target, name)
	}

	lower := strings.ToLower(name)
	if SensitiveHeaders[lower] {
		return "", &SensitiveHeaderError{Header: lower}
	}
	values, ok := headerValues(in.Headers, lower)
	if !ok {
		return "", &MissingHeaderError{Header: lower}
	}

	if key, hasKey := comp.Param("key"); hasKey && key.Type == TypeString {
		return dictionaryMemberValue(lower, values, key.Str)
	}

	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}
	return strings.Join(trimmed, ", "), nil
}

func derivedComponentValue(in BaseInput, target *url.URL, name string) (string, error) {
	switch name {
	case "@method":
		return strings.ToUpper(in.Method), nil
	case "@target-uri":
		return in.TargetURI, nil
	case "@authority":
		return authority(target), nil
	case "@path":
		p := target.EscapedPath()
		if p == "" {
			p = "/"
		}
		return p, nil
	case "@query":
		if target.RawQuery == "" && !target.ForceQuery {
			return "", nil
		}
		return "?" + target.RawQuery, nil
	case "@scheme":
		return strings.ToLower(target.Scheme), nil
	case "@request-target":
		p := target.EscapedPath()
		if p == "" {
			p = "/"
		}
		if target.RawQuery != "" {
			p += "?" + target.RawQuery
		}
		return p, nil
	case "@status":
		if in.Status == 0 {
			return "", &MissingHeaderError{Header: name}
		}
		return fmt.Sprintf("%d", in.Status), nil
	default:
		return "", &MissingHeaderError{Header: name}
	}
}

// authority lowercases the host and drops the default port for the scheme.
func authority(target *url.URL) string {
	host := strings.ToLower(target.Host)
	switch target.Scheme {
	case "https":
		host = strings.TrimSuffix(host, ":443")
	case "http":
		host = strings.TrimSuffix(host, ":80")
	}
	return host
}

// headerValues performs a case-insensitive lookup. An empty value counts as
// present.
func headerValues(h http.Header, lower string) ([]string, bool) {
	if values, ok := h[http.CanonicalHeaderKey(lower)]; ok {
		return values, true
	}
	// Non-canonical keys can appear when headers arrive via JSON bodies.
	for name, values := range h {
		if strings.ToLower(name) == lower {
			return values, true
		}
	}
	return nil, false
}

// dictionaryMemberValue selects one member of a structured-dictionary header
// and re-serializes it, as required for components with a key parameter.
func dictionaryMemberValue(header string, values []string, key string) (string, error) {
	dict, err := ParseDictionary(strings.Join(values, ", "))
	if err != nil {
		return "", fmt.Errorf("%w: header %q is not a dictionary: %v", ErrInvalidStructuredField, header, err)
	}
	m, ok := dict.Get(key)
	if !ok {
		return "", &MissingHeaderError{Header: fmt.Sprintf("%s;key=%q", header, key)}
	}
	if m.IsInner {
		var sb strings.Builder
		sb.WriteByte('(')
		for i, item := range m.Inner.Items {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(SerializeItem(item))
		}
		sb.WriteByte(')')
		sb.WriteString(SerializeParams(m.Inner.Params))
		return sb.String(), nil
	}
	return SerializeItem(m.Item), nil
}
