package verifier

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbotauth/botgate/pkg/httpsig"
	"github.com/openbotauth/botgate/pkg/jwks"
	"github.com/openbotauth/botgate/pkg/networking"
	"github.com/openbotauth/botgate/pkg/nonce"
)

// testEnv wires an engine against a local key directory server.
type testEnv struct {
	engine  *Engine
	jwksURL string
	kid     string
	priv    ed25519.PrivateKey
	now     time.Time
	nonces  nonce.Store
}

func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	jwk := jose.JSONWebKey{Key: pub, Algorithm: "EdDSA", Use: "sig"}
	kid, err := jwks.Thumbprint(jwk)
	require.NoError(t, err)
	jwk.KeyID = kid

	body, err := json.Marshal(map[string]any{
		"keys":        []jose.JSONWebKey{jwk},
		"client_name": "Test Crawler",
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

	env := &testEnv{
		jwksURL: srv.URL + "/jwks.json",
		kid:     kid,
		priv:    priv,
		now:     time.Unix(1700000000, 0),
		nonces:  store,
	}
	all := append([]EngineOption{WithClock(func() time.Time { return env.now })}, opts...)
	env.engine = NewEngine(cache, resolver, store, all...)
	return env
}

// signOptions shape one signed request.
type signOptions struct {
	components string // inner-list body, without parens
	created    int64
	expires    int64
	nonceValue string
	alg        string
	kid        string
	label      string
	agent      string // Signature-Agent header value; empty omits the header
}

// signRequest builds a request signed exactly as a calling agent would.
func (env *testEnv) signRequest(t *testing.T, method, target string, headers http.Header, o signOptions) Request {
	t.Helper()

	if o.components == "" {
		o.components = `"@method" "@target-uri" "signature-agent"`
	}
	if o.created == 0 {
		o.created = env.now.Unix()
	}
	if o.expires == 0 {
		o.expires = env.now.Unix() + 300
	}
	if o.alg == "" {
		o.alg = "ed25519"
	}
	if o.kid == "" {
		o.kid = env.kid
	}
	if o.label == "" {
		o.label = "sig1"
	}
	if o.agent == "" {
		o.agent = fmt.Sprintf("%q", env.jwksURL)
	}

	if headers == nil {
		headers = http.Header{}
	}
	if o.agent != "omit" {
		headers.Set("Signature-Agent", o.agent)
	}

	inputValue := fmt.Sprintf(`%s=(%s);created=%d;expires=%d;keyid=%q;alg=%q;tag="web-bot-auth"`,
		o.label, o.components, o.created, o.expires, o.kid, o.alg)
	if o.nonceValue != "" {
		inputValue = fmt.Sprintf(`%s=(%s);created=%d;expires=%d;nonce=%q;keyid=%q;alg=%q;tag="web-bot-auth"`,
			o.label, o.components, o.created, o.expires, o.nonceValue, o.kid, o.alg)
	}
	headers.Set("Signature-Input", inputValue)

	input, err := httpsig.ParseSignatureInput(inputValue)
	require.NoError(t, err)
	entry := input.Entries[o.label]

	base, err := httpsig.BuildSignatureBase(httpsig.BaseInput{
		Method:     method,
		TargetURI:  target,
		Headers:    headers,
		Components: entry.Components,
		RawParams:  entry.Raw,
	})
	require.NoError(t, err)

	sig := ed25519.Sign(env.priv, base)
	headers.Set("Signature", fmt.Sprintf("%s=:%s:", o.label, base64.StdEncoding.EncodeToString(sig)))

	return Request{Method: method, URL: target, Headers: headers}
}

func TestVerifySuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := env.signRequest(t, "GET", "https://origin.example/private/data", nil,
		signOptions{nonceValue: "n-1"})

	v := env.engine.Verify(context.Background(), req)
	require.True(t, v.Verified, "error: %s", v.Error)
	require.NotNil(t, v.Agent)
	assert.Equal(t, env.kid, v.Agent.Kid)
	assert.Equal(t, "Test Crawler", v.Agent.ClientName)
	assert.Equal(t, jwks.NormalizeURL(env.jwksURL), v.Agent.JWKSURL)
	assert.Equal(t, env.now.Unix(), v.Created)
	assert.Equal(t, env.now.Unix()+300, v.Expires)
	assert.Empty(t, v.Reason)
	assert.Empty(t, v.Error)
}

func TestVerifyIsDeterministic(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := env.signRequest(t, "GET", "https://origin.example/a", nil, signOptions{})

	first := env.engine.Verify(context.Background(), req)
	second := env.engine.Verify(context.Background(), req)
	assert.Equal(t, first, second, "no nonce means no replay state; verdicts must agree")
}

func TestVerifyCoveredDictionaryMember(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	headers := http.Header{}
	headers.Set("Signature-Agent", fmt.Sprintf("sig1=%q", env.jwksURL))
	req := env.signRequest(t, "GET", "https://origin.example/data", headers, signOptions{
		components: `"@method" "@target-uri" "signature-agent";key="sig1"`,
		agent:      "omit",
	})

	v := env.engine.Verify(context.Background(), req)
	assert.True(t, v.Verified, "error: %s", v.Error)
}

func TestVerifyTamperedRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := env.signRequest(t, "GET", "https://origin.example/private/data", nil, signOptions{})
	req.URL = "https://origin.example/other"

	v := env.engine.Verify(context.Background(), req)
	require.False(t, v.Verified)
	assert.Equal(t, ReasonSignatureMismatch, v.Reason)
	assert.Nil(t, v.Agent)
}

func TestVerifyNonceReplay(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := env.signRequest(t, "GET", "https://origin.example/data", nil,
		signOptions{nonceValue: "replayed"})

	first := env.engine.Verify(context.Background(), req)
	require.True(t, first.Verified, "error: %s", first.Error)

	second := env.engine.Verify(context.Background(), req)
	require.False(t, second.Verified)
	assert.Equal(t, ReasonNonceReplay, second.Reason)
}

func TestVerifyMissingHeaders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	cases := []struct {
		name string
		drop string
	}{
		{"no signature-input", "Signature-Input"},
		{"no signature", "Signature"},
		{"no signature-agent", "Signature-Agent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{
				components: `"@method" "@target-uri"`,
			})
			req.Headers.Del(tc.drop)
			v := env.engine.Verify(context.Background(), req)
			require.False(t, v.Verified)
			assert.Equal(t, ReasonMissingSignatureHeaders, v.Reason)
		})
	}
}

func TestVerifyMalformedFields(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	t.Run("malformed signature-input", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
		req.Headers.Set("Signature-Input", `sig1=("@method`)
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonInvalidStructuredField, v.Reason)
	})

	t.Run("malformed signature", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
		req.Headers.Set("Signature", `sig1="not-bytes"`)
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonInvalidStructuredField, v.Reason)
	})

	t.Run("malformed signature-agent", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
		req.Headers.Set("Signature-Agent", "%%%")
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonInvalidSignatureAgent, v.Reason)
	})

	t.Run("truncated signature bytes", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
		req.Headers.Set("Signature", "sig1=:YWJj:")
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonSignatureMismatch, v.Reason)
	})
}

func TestVerifyLabelSelection(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	t.Run("explicit label hint", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{label: "web"})
		req.Label = "web"
		v := env.engine.Verify(context.Background(), req)
		assert.True(t, v.Verified, "error: %s", v.Error)
	})

	t.Run("hinted label absent from input", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
		req.Label = "sig9"
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonMissingSignatureInput, v.Reason)
	})

	t.Run("label present in input but not in signature", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
		req.Headers.Set("Signature", "other=:YWJj:")
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonMissingSignature, v.Reason)
	})
}

func TestVerifyFreshness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	t.Run("stale created", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{created: env.now.Unix() - 600})
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonClockSkew, v.Reason)
	})

	t.Run("created in the future", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{created: env.now.Unix() + 600})
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonClockSkew, v.Reason)
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{created: env.now.Unix() - 60, expires: env.now.Unix() - 1})
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonExpired, v.Reason)
	})

	t.Run("missing created", func(t *testing.T) {
		t.Parallel()
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
		// Strip created/expires from the signed parameters.
		req.Headers.Set("Signature-Input", fmt.Sprintf(`sig1=("@method");keyid=%q;alg="ed25519"`, env.kid))
		v := env.engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonMissingCreated, v.Reason)
	})

	t.Run("skewed replay does not burn the nonce", func(t *testing.T) {
		t.Parallel()
		stale := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{created: env.now.Unix() - 600, nonceValue: "shared-nonce"})
		v := env.engine.Verify(context.Background(), stale)
		require.Equal(t, ReasonClockSkew, v.Reason)

		fresh := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{nonceValue: "shared-nonce"})
		v = env.engine.Verify(context.Background(), fresh)
		assert.True(t, v.Verified, "error: %s", v.Error)
	})
}

func TestVerifyUnsupportedAlgorithm(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := env.signRequest(t, "GET", "https://origin.example/data", nil,
		signOptions{alg: "rsa-pss-sha512"})
	v := env.engine.Verify(context.Background(), req)
	assert.Equal(t, ReasonUnsupportedAlgorithm, v.Reason)
}

func TestVerifyUnknownKid(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := env.signRequest(t, "GET", "https://origin.example/data", nil,
		signOptions{kid: "not-in-the-directory"})
	v := env.engine.Verify(context.Background(), req)
	assert.Equal(t, ReasonUnknownKid, v.Reason)
}

func TestVerifyMissingCoveredHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	req := env.signRequest(t, "GET", "https://origin.example/data", headers, signOptions{
		components: `"@method" "content-type" "signature-agent"`,
	})
	req.Headers.Del("Content-Type")

	v := env.engine.Verify(context.Background(), req)
	require.False(t, v.Verified)
	assert.Equal(t, ReasonMissingCoveredHeader, v.Reason)
	assert.Equal(t, "Missing covered header: content-type", v.Error)
}

func TestVerifySensitiveCoveredHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
	req.Headers.Set("Signature-Input",
		fmt.Sprintf(`sig1=("cookie");created=%d;keyid=%q;alg="ed25519"`, env.now.Unix(), env.kid))
	req.Headers.Set("Cookie", "session=abc")

	v := env.engine.Verify(context.Background(), req)
	require.False(t, v.Verified)
	assert.Equal(t, ReasonSensitiveHeaderInSignature, v.Reason)
}

func TestVerifyUntrustedDirectory(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	client, err := networking.NewClientBuilder().WithPrivateIPs(true).WithPlaintextHTTP(true).Build()
	require.NoError(t, err)
	cache := jwks.NewCache(client)
	resolver := jwks.NewResolver(client, cache, jwks.WithTrustedDirectories([]string{"idp.example"}))
	engine := NewEngine(cache, resolver, env.nonces, WithClock(func() time.Time { return env.now }))

	req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
	v := engine.Verify(context.Background(), req)
	assert.Equal(t, ReasonUntrustedDirectory, v.Reason)
}

func TestVerifyFetchFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := env.signRequest(t, "GET", "https://origin.example/data", nil,
		signOptions{agent: `"https://127.0.0.1:1/jwks.json"`})
	v := env.engine.Verify(context.Background(), req)
	assert.Equal(t, ReasonJWKSFetchFailed, v.Reason)
}

func TestVerifyJWKSOverride(t *testing.T) {
	t.Parallel()

	t.Run("allowed", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, WithJWKSOverrideAllowed(true))
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{
			components: `"@method" "@target-uri"`,
			agent:      "omit",
		})
		req.JWKSOverride = env.jwksURL
		v := env.engine.Verify(context.Background(), req)
		assert.True(t, v.Verified, "error: %s", v.Error)
	})

	t.Run("refused by default counts as absent", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{
			components: `"@method" "@target-uri"`,
			agent:      "omit",
		})
		req.JWKSOverride = env.jwksURL
		v := env.engine.Verify(context.Background(), req)
		require.False(t, v.Verified)
		assert.Equal(t, ReasonMissingSignatureHeaders, v.Reason)
	})

	t.Run("refused override is ignored when signature-agent is present", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})
		req.JWKSOverride = "https://evil.example/jwks.json"
		v := env.engine.Verify(context.Background(), req)
		assert.True(t, v.Verified, "error: %s", v.Error)
		assert.Equal(t, jwks.NormalizeURL(env.jwksURL), v.Agent.JWKSURL)
	})
}

// stubObserver records attempts for assertions.
type stubObserver struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (o *stubObserver) Observe(a Attempt) {
	o.mu.Lock()
	o.attempts = append(o.attempts, a)
	o.mu.Unlock()
}

func (o *stubObserver) all() []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Attempt(nil), o.attempts...)
}

func TestVerifyObserver(t *testing.T) {
	t.Parallel()

	t.Run("successful attempt is observed", func(t *testing.T) {
		t.Parallel()
		obs := &stubObserver{}
		env := newTestEnv(t, WithObserver(obs))
		req := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{nonceValue: "n-1"})

		v := env.engine.Verify(context.Background(), req)
		require.True(t, v.Verified, "error: %s", v.Error)

		attempts := obs.all()
		require.Len(t, attempts, 1)
		assert.True(t, attempts[0].Verified)
		assert.Equal(t, env.kid, attempts[0].Kid)
		assert.Equal(t, "origin.example", attempts[0].Origin)
		assert.False(t, attempts[0].WeakFreshness)
		assert.Equal(t, env.now, attempts[0].At)
	})

	t.Run("nonce-free signature is flagged weak", func(t *testing.T) {
		t.Parallel()
		obs := &stubObserver{}
		env := newTestEnv(t, WithObserver(obs))
		req := env.signRequest(t, "GET", "https://origin.example/data", nil, signOptions{})

		v := env.engine.Verify(context.Background(), req)
		require.True(t, v.Verified, "error: %s", v.Error)

		attempts := obs.all()
		require.Len(t, attempts, 1)
		assert.True(t, attempts[0].WeakFreshness)
	})

	t.Run("failures are observed with their reason", func(t *testing.T) {
		t.Parallel()
		obs := &stubObserver{}
		env := newTestEnv(t, WithObserver(obs))
		req := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{created: env.now.Unix() - 900})

		env.engine.Verify(context.Background(), req)
		attempts := obs.all()
		require.Len(t, attempts, 1)
		assert.False(t, attempts[0].Verified)
		assert.Equal(t, ReasonClockSkew, attempts[0].Reason)
	})

	t.Run("cancelled verification writes no telemetry", func(t *testing.T) {
		t.Parallel()
		obs := &stubObserver{}
		env := newTestEnv(t, WithObserver(obs))
		req := env.signRequest(t, "GET", "https://origin.example/data", nil,
			signOptions{nonceValue: "cancelled"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		env.engine.Verify(ctx, req)
		assert.Empty(t, obs.all())

		// The nonce was not burned: a later attempt still verifies.
		v := env.engine.Verify(context.Background(), req)
		assert.True(t, v.Verified, "error: %s", v.Error)
	})
}

func TestSanitizeHeaderValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cleanvalue", SanitizeHeaderValue("clean\r\nvalue"))
	assert.Equal(t, "tab stripped", SanitizeHeaderValue("tab\t stripped"))
	assert.Equal(t, "del", SanitizeHeaderValue("del\x7f"))
	assert.Equal(t, "unchanged", SanitizeHeaderValue("unchanged"))
}
