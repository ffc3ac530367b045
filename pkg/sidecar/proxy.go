package sidecar

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/openbotauth/botgate/pkg/logger"
)

// hopByHopHeaders are stripped on both the request to the origin and the
// response back, per RFC 7230 section 6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NewProxy builds the sidecar reverse proxy: the verification middleware
// wrapped around a transparent forwarder to the origin.
func NewProxy(target *url.URL, v Verifier, opts Options) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			stripHopByHop(pr.Out.Header)
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHopByHop(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Errorw("proxy error", "url", r.URL.String(), "error", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}

	return Middleware(v, opts)(proxy)
}

func stripHopByHop(h http.Header) {
	// Headers named by the Connection header are hop-by-hop too.
	for _, conn := range h.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
