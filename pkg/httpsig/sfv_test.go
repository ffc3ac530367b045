package httpsig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDictionary(t *testing.T) {
	t.Parallel()

	t.Run("preserves label order", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDictionary(`sig2=:YWJj:, sig1=:ZGVm:`)
		require.NoError(t, err)
		assert.Equal(t, []string{"sig2", "sig1"}, d.Keys)
	})

	t.Run("byte sequence member", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDictionary(`sig1=:aGVsbG8=:`)
		require.NoError(t, err)
		m, ok := d.Get("sig1")
		require.True(t, ok)
		assert.Equal(t, TypeBytes, m.Item.Value.Type)
		assert.Equal(t, []byte("hello"), m.Item.Value.Bytes)
	})

	t.Run("inner list with parameters", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDictionary(`sig1=("@method" "@target-uri");created=1700000000;keyid="K1";alg="ed25519"`)
		require.NoError(t, err)
		m, ok := d.Get("sig1")
		require.True(t, ok)
		require.True(t, m.IsInner)
		require.Len(t, m.Inner.Items, 2)
		assert.Equal(t, "@method", m.Inner.Items[0].Value.Str)
		assert.Equal(t, "@target-uri", m.Inner.Items[1].Value.Str)

		params := map[string]BareItem{}
		for _, p := range m.Inner.Params {
			params[p.Key] = p.Value
		}
		assert.Equal(t, int64(1700000000), params["created"].Int)
		assert.Equal(t, "K1", params["keyid"].Str)
		assert.Equal(t, "ed25519", params["alg"].Str)
	})

	t.Run("raw member text is captured", func(t *testing.T) {
		t.Parallel()
		raw := `("@method");created=1700000000;nonce="n1"`
		d, err := ParseDictionary("sig1=" + raw)
		require.NoError(t, err)
		m, _ := d.Get("sig1")
		assert.Equal(t, raw, m.Raw)
	})

	t.Run("bare key is boolean true", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDictionary(`a, b=?0`)
		require.NoError(t, err)
		a, _ := d.Get("a")
		assert.True(t, a.Item.Value.Bool)
		b, _ := d.Get("b")
		assert.False(t, b.Item.Value.Bool)
	})

	t.Run("last value wins on duplicate keys", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDictionary(`a=1, a=2`)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, d.Keys)
		a, _ := d.Get("a")
		assert.Equal(t, int64(2), a.Item.Value.Int)
	})

	t.Run("permissive whitespace", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDictionary(`  sig1=( "@method"  "@path" );created=1 ,  sig2=:YQ==:  `)
		require.NoError(t, err)
	})

	malformed := []struct {
		name  string
		input string
	}{
		{"unterminated inner list", `sig1=("@method"`},
		{"unterminated string", `sig1=("@method)`},
		{"unterminated byte sequence", `sig1=:YWJj`},
		{"bad base64", `sig1=:!!!:`},
		{"trailing comma", `sig1=:YQ==:,`},
		{"missing comma", `sig1=:YQ==: sig2=:YQ==:`},
		{"uppercase key", `Sig1=:YQ==:`},
	}
	for _, tc := range malformed {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseDictionary(tc.input)
			assert.ErrorIs(t, err, ErrInvalidStructuredField)
		})
	}
}

func TestParseInnerList(t *testing.T) {
	t.Parallel()

	inner, err := ParseInnerList(`("content-type" "signature-agent";key="sig1")`)
	require.NoError(t, err)
	require.Len(t, inner.Items, 2)

	key, ok := inner.Items[1].Param("key")
	require.True(t, ok)
	assert.Equal(t, "sig1", key.Str)

	_, err = ParseInnerList(`"not-a-list"`)
	assert.ErrorIs(t, err, ErrInvalidStructuredField)
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		item Item
		want string
	}{
		{"string", Item{Value: BareItem{Type: TypeString, Str: "hello"}}, `"hello"`},
		{"string with escapes", Item{Value: BareItem{Type: TypeString, Str: `a"b\c`}}, `"a\"b\\c"`},
		{"token", Item{Value: BareItem{Type: TypeToken, Str: "ed25519"}}, "ed25519"},
		{"integer", Item{Value: BareItem{Type: TypeInteger, Int: -42}}, "-42"},
		{"bytes", Item{Value: BareItem{Type: TypeBytes, Bytes: []byte("abc")}}, ":YWJj:"},
		{"boolean", Item{Value: BareItem{Type: TypeBool, Bool: false}}, "?0"},
		{
			"string with params",
			Item{
				Value:  BareItem{Type: TypeString, Str: "signature-agent"},
				Params: []Parameter{{Key: "key", Value: BareItem{Type: TypeString, Str: "sig1"}}},
			},
			`"signature-agent";key="sig1"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, SerializeItem(tc.item))
		})
	}
}
