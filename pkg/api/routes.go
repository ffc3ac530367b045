// Package api contains the verifier RPC surface: the verify and authorize
// endpoints called by sidecars and reverse proxies, and the cache
// administration endpoints.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openbotauth/botgate/pkg/jwks"
	"github.com/openbotauth/botgate/pkg/logger"
	"github.com/openbotauth/botgate/pkg/nonce"
	"github.com/openbotauth/botgate/pkg/sidecar"
	"github.com/openbotauth/botgate/pkg/verifier"
)

// maxRequestBody bounds verify request bodies.
const maxRequestBody = 2 << 20

// Handlers wires the engine and its stores into the HTTP routes.
type Handlers struct {
	engine *verifier.Engine
	cache  *jwks.Cache
	nonces nonce.Store
}

// NewHandlers creates the route handler set.
func NewHandlers(engine *verifier.Engine, cache *jwks.Cache, nonces nonce.Store) *Handlers {
	return &Handlers{engine: engine, cache: cache, nonces: nonces}
}

// Router builds the chi router with the standard middleware stack.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Post("/verify", h.verify)
	r.Post("/authorize", h.authorize)
	r.Post("/cache/jwks/clear", h.clearJWKSCache)
	r.Post("/cache/jwks/invalidate", h.invalidateJWKS)
	r.Post("/cache/nonces/clear", h.clearNonces)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		logger.Debugw("request handled", "method", r.Method, "path", r.URL.Path)
	})
}

func (*Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyRequest is the wire shape of POST /verify.
type verifyRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
	JWKSURL string            `json:"jwks_url,omitempty"`
	Label   string            `json:"label,omitempty"`
}

func (h *Handlers) verify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeVerifyRequest(w, r)
	if !ok {
		return
	}

	verdict := h.engine.Verify(r.Context(), verifier.Request{
		Method:       req.Method,
		URL:          req.URL,
		Headers:      headerFromMap(req.Headers),
		Body:         []byte(req.Body),
		Label:        req.Label,
		JWKSOverride: req.JWKSURL,
	})
	writeVerdict(w, verdict)
}

// authorize serves the reverse-proxy sub-request protocol: the original
// request's method, host and URI arrive in X-Original-* headers and the
// signature headers are carried on the sub-request itself. The sidecar
// response headers are mirrored onto the response for the proxy to copy.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) {
	method := r.Header.Get("X-Original-Method")
	host := r.Header.Get("X-Original-Host")
	uri := r.Header.Get("X-Original-Uri")
	if method == "" || host == "" {
		writeVerdict(w, verifier.Failed(verifier.ReasonMissingSignatureHeaders,
			"authorize sub-request is missing X-Original-Method or X-Original-Host"))
		return
	}
	scheme := r.Header.Get("X-Original-Proto")
	if scheme == "" {
		scheme = "https"
	}

	headers := r.Header.Clone()
	headers.Set("Host", host)

	verdict := h.engine.Verify(r.Context(), verifier.Request{
		Method:  method,
		URL:     scheme + "://" + host + uri,
		Headers: headers,
	})
	sidecar.StampHeaders(w.Header(), verdict)
	writeVerdict(w, verdict)
}

type invalidateRequest struct {
	JWKSURL string `json:"jwks_url"`
}

func (h *Handlers) clearJWKSCache(w http.ResponseWriter, _ *http.Request) {
	h.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handlers) invalidateJWKS(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || json.Unmarshal(body, &req) != nil || req.JWKSURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "jwks_url is required"})
		return
	}
	h.cache.Invalidate(req.JWKSURL)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handlers) clearNonces(w http.ResponseWriter, r *http.Request) {
	if err := h.nonces.Clear(r.Context()); err != nil {
		logger.Errorw("failed to clear nonces", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to clear nonces"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func decodeVerifyRequest(w http.ResponseWriter, r *http.Request) (verifyRequest, bool) {
	var req verifyRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body is not valid JSON"})
		return req, false
	}
	if req.Method == "" || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "method and url are required"})
		return req, false
	}
	return req, true
}

func headerFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for name, value := range m {
		h.Set(name, value)
	}
	return h
}

func writeVerdict(w http.ResponseWriter, verdict verifier.Verdict) {
	status := http.StatusOK
	if !verdict.Verified {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, verdict)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}
