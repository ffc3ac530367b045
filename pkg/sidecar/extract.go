package sidecar

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/openbotauth/botgate/pkg/httpsig"
)

// ExtractCoveredHeaders builds the header set forwarded to the verifier:
// always the three signature headers and Host, plus every non-derived covered
// component of the active label. Derived components are reconstructed by the
// verifier from method and URL and must not be forwarded as headers.
//
// The sensitive-header shield is a hard rule: a covered list naming cookie,
// authorization, proxy-authorization or www-authenticate is rejected here,
// before anything reaches the verifier, regardless of whether the header is
// present on the request.
func ExtractCoveredHeaders(r *http.Request, label string) (http.Header, error) {
	input, err := httpsig.ParseSignatureInput(r.Header.Get(HeaderSignatureInput))
	if err != nil {
		return nil, err
	}
	if label == "" {
		label = input.Labels[0]
	}
	entry, ok := input.Entries[label]
	if !ok {
		return nil, fmt.Errorf("%w: label %q not present in Signature-Input", httpsig.ErrInvalidStructuredField, label)
	}

	forwarded := make(http.Header)
	for _, name := range []string{HeaderSignatureInput, HeaderSignature, HeaderSignatureAgent} {
		if v := r.Header.Get(name); v != "" {
			forwarded.Set(name, v)
		}
	}
	forwarded.Set("Host", r.Host)

	for _, comp := range entry.Components {
		if comp.Value.Type != httpsig.TypeString {
			continue
		}
		name := strings.ToLower(comp.Value.Str)
		if strings.HasPrefix(name, "@") {
			continue
		}
		if httpsig.SensitiveHeaders[name] {
			return nil, &httpsig.SensitiveHeaderError{Header: name}
		}
		if name == "host" {
			continue
		}
		for _, v := range r.Header.Values(name) {
			forwarded.Add(name, v)
		}
	}
	return forwarded, nil
}

// EffectiveTargetURI reconstructs the absolute request URI, honouring
// X-Forwarded-* hints only when the deployment marks them trusted.
func EffectiveTargetURI(r *http.Request, trustForwarded bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if trustForwarded {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
			host = fwdHost
		}
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
