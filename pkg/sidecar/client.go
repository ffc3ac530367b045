package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openbotauth/botgate/pkg/verifier"
)

// EngineVerifier adapts an in-process engine to the Verifier interface, for
// single-binary deployments.
type EngineVerifier struct {
	Engine *verifier.Engine
}

// Verify implements Verifier.
func (e *EngineVerifier) Verify(ctx context.Context, req verifier.Request) (verifier.Verdict, error) {
	return e.Engine.Verify(ctx, req), nil
}

// RemoteVerifier calls a verifier API server over HTTP.
type RemoteVerifier struct {
	// BaseURL is the verifier server root, e.g. http://verifier:8080.
	BaseURL string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// verifyRequestBody is the wire shape of POST /verify. Headers are flattened
// to single values; repeated headers are pre-joined by the extractor.
type verifyRequestBody struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
	JWKSURL string            `json:"jwks_url,omitempty"`
}

// Verify implements Verifier by POSTing to /verify. Both the 200 and 401
// envelopes decode into a verdict; other statuses are transport errors.
func (r *RemoteVerifier) Verify(ctx context.Context, req verifier.Request) (verifier.Verdict, error) {
	body := verifyRequestBody{
		Method:  req.Method,
		URL:     req.URL,
		Headers: FlattenHeaders(req.Headers),
		Body:    string(req.Body),
		JWKSURL: req.JWKSOverride,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return verifier.Verdict{}, fmt.Errorf("failed to encode verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/verify", bytes.NewReader(payload))
	if err != nil {
		return verifier.Verdict{}, fmt.Errorf("failed to build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return verifier.Verdict{}, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return verifier.Verdict{}, fmt.Errorf("verifier returned unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return verifier.Verdict{}, fmt.Errorf("failed to read verify response: %w", err)
	}
	var verdict verifier.Verdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return verifier.Verdict{}, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return verdict, nil
}

// FlattenHeaders joins repeated header values with ", " for the JSON wire
// format, matching how the base builder joins covered headers.
func FlattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for name, values := range h {
		key := name
		if len(values) == 1 {
			flat[key] = values[0]
			continue
		}
		joined := ""
		for i, v := range values {
			if i > 0 {
				joined += ", "
			}
			joined += v
		}
		flat[key] = joined
	}
	return flat
}
