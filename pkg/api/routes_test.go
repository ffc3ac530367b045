package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbotauth/botgate/pkg/httpsig"
	"github.com/openbotauth/botgate/pkg/jwks"
	"github.com/openbotauth/botgate/pkg/networking"
	"github.com/openbotauth/botgate/pkg/nonce"
	"github.com/openbotauth/botgate/pkg/sidecar"
	"github.com/openbotauth/botgate/pkg/verifier"
)

type apiEnv struct {
	router  http.Handler
	cache   *jwks.Cache
	nonces  nonce.Store
	jwksURL string
	kid     string
	priv    ed25519.PrivateKey
	now     time.Time
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	jwk := jose.JSONWebKey{Key: pub, Algorithm: "EdDSA", Use: "sig"}
	kid, err := jwks.Thumbprint(jwk)
	require.NoError(t, err)
	jwk.KeyID = kid

	body, err := json.Marshal(map[string]any{
		"keys":        []jose.JSONWebKey{jwk},
		"client_name": "API Test Crawler",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	client, err := networking.NewClientBuilder().
		WithPrivateIPs(true).
		WithPlaintextHTTP(true).
		Build()
	require.NoError(t, err)

	cache := jwks.NewCache(client)
	resolver := jwks.NewResolver(client, cache)
	store := nonce.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	env := &apiEnv{
		cache:   cache,
		nonces:  store,
		jwksURL: srv.URL + "/jwks.json",
		kid:     kid,
		priv:    priv,
		now:     time.Unix(1700000000, 0),
	}
	engine := verifier.NewEngine(cache, resolver, store,
		verifier.WithClock(func() time.Time { return env.now }))
	env.router = NewHandlers(engine, cache, store).Router()
	return env
}

// sign produces Signature-Input, Signature and Signature-Agent values over the
// given method and target.
func (env *apiEnv) sign(t *testing.T, method, target, nonceValue string) map[string]string {
	t.Helper()

	agent := fmt.Sprintf("%q", env.jwksURL)
	inputValue := fmt.Sprintf(
		`sig1=("@method" "@target-uri" "signature-agent");created=%d;expires=%d;keyid=%q;alg="ed25519";tag="web-bot-auth"`,
		env.now.Unix(), env.now.Unix()+300, env.kid)
	if nonceValue != "" {
		inputValue = fmt.Sprintf(
			`sig1=("@method" "@target-uri" "signature-agent");created=%d;expires=%d;nonce=%q;keyid=%q;alg="ed25519";tag="web-bot-auth"`,
			env.now.Unix(), env.now.Unix()+300, nonceValue, env.kid)
	}

	input, err := httpsig.ParseSignatureInput(inputValue)
	require.NoError(t, err)
	entry := input.Entries["sig1"]

	headers := http.Header{}
	headers.Set("Signature-Agent", agent)
	base, err := httpsig.BuildSignatureBase(httpsig.BaseInput{
		Method:     method,
		TargetURI:  target,
		Headers:    headers,
		Components: entry.Components,
		RawParams:  entry.Raw,
	})
	require.NoError(t, err)
	sig := ed25519.Sign(env.priv, base)

	return map[string]string{
		"Signature-Input": inputValue,
		"Signature":       fmt.Sprintf("sig1=:%s:", base64.StdEncoding.EncodeToString(sig)),
		"Signature-Agent": agent,
	}
}

func (env *apiEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestVerifyEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("verified request returns 200", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		target := "https://origin.example/private/data"
		rec := env.post(t, "/verify", map[string]any{
			"method":  "GET",
			"url":     target,
			"headers": env.sign(t, "GET", target, "n-1"),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var verdict verifier.Verdict
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
		assert.True(t, verdict.Verified)
		require.NotNil(t, verdict.Agent)
		assert.Equal(t, env.kid, verdict.Agent.Kid)
		assert.Equal(t, "API Test Crawler", verdict.Agent.ClientName)
	})

	t.Run("failed verification returns 401 with reason", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		headers := env.sign(t, "GET", "https://origin.example/a", "")
		rec := env.post(t, "/verify", map[string]any{
			"method":  "GET",
			"url":     "https://origin.example/tampered",
			"headers": headers,
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var verdict verifier.Verdict
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
		assert.False(t, verdict.Verified)
		assert.Equal(t, verifier.ReasonSignatureMismatch, verdict.Reason)
	})

	t.Run("replay returns 401 nonce_replay", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		target := "https://origin.example/data"
		body := map[string]any{
			"method":  "GET",
			"url":     target,
			"headers": env.sign(t, "GET", target, "once"),
		}
		require.Equal(t, http.StatusOK, env.post(t, "/verify", body).Code)

		rec := env.post(t, "/verify", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		var verdict verifier.Verdict
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
		assert.Equal(t, verifier.ReasonNonceReplay, verdict.Reason)
	})

	t.Run("invalid JSON returns 400", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing method or url returns 400", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		rec := env.post(t, "/verify", map[string]any{"url": "https://origin.example/"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthorizeEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("verified sub-request is stamped", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		target := "https://origin.example/private/data"
		signed := env.sign(t, "GET", target, "auth-1")

		req := httptest.NewRequest(http.MethodPost, "/authorize", nil)
		req.Header.Set("X-Original-Method", "GET")
		req.Header.Set("X-Original-Host", "origin.example")
		req.Header.Set("X-Original-Uri", "/private/data")
		req.Header.Set("X-Original-Proto", "https")
		for name, value := range signed {
			req.Header.Set(name, value)
		}

		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "true", rec.Header().Get(sidecar.HeaderVerified))
		assert.Equal(t, env.kid, rec.Header().Get(sidecar.HeaderKid))
		assert.Equal(t, "API Test Crawler", rec.Header().Get(sidecar.HeaderAgent))
	})

	t.Run("missing originals fail closed", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/authorize", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "false", rec.Header().Get(sidecar.HeaderVerified))
	})
}

func TestCacheAdminEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("clear jwks cache", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		_, err := env.cache.Get(context.Background(), env.jwksURL)
		require.NoError(t, err)
		require.Equal(t, 1, env.cache.Len())

		rec := env.post(t, "/cache/jwks/clear", map[string]any{})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0, env.cache.Len())
	})

	t.Run("invalidate one jwks entry", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		_, err := env.cache.Get(context.Background(), env.jwksURL)
		require.NoError(t, err)

		rec := env.post(t, "/cache/jwks/invalidate", map[string]any{"jwks_url": env.jwksURL})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0, env.cache.Len())
	})

	t.Run("invalidate requires jwks_url", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		rec := env.post(t, "/cache/jwks/invalidate", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("clear nonces reopens admission", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		fresh, err := env.nonces.Admit(context.Background(), "kid", "n", time.Minute)
		require.NoError(t, err)
		require.True(t, fresh)

		rec := env.post(t, "/cache/nonces/clear", map[string]any{})
		assert.Equal(t, http.StatusOK, rec.Code)

		again, err := env.nonces.Admit(context.Background(), "kid", "n", time.Minute)
		require.NoError(t, err)
		assert.True(t, again)
	})
}
