package tagcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCustomWorkedExamples(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"--", "_J_-"},
		{"..", "_K_."},
		{"//", "_L__L_"},
		{"__", "_1v__1v_"},
	}
	for _, c := range cases {
		got := EncodeCustom(c.key)
		assert.Equal(t, c.want, got, "encode(%q)", c.key)

		decoded, err := DecodeCustom(got)
		require.NoError(t, err)
		assert.Equal(t, c.key, decoded, "decode(encode(%q))", c.key)
	}
}

func TestEncodeCustomRoundTrip(t *testing.T) {
	keys := []string{
		"",
		"a",
		"simple-key.narinfo",
		"nar/1abc2def.nar.zst",
		"realisations/sha256:67890e0958e5d1a2944a3389151472a9acde025c7812f68381a7eef0d82152d1!libgcc.doi",
		"日本語",
		"_leading_escape",
	}
	for _, k := range keys {
		enc := EncodeCustom(k)
		if len(enc) > 128 {
			continue
		}
		dec, err := DecodeCustom(enc)
		require.NoError(t, err, "key=%q enc=%q", k, enc)
		assert.Equal(t, k, dec)
	}
}

func TestEncodedMatchesTagGrammar(t *testing.T) {
	keys := []string{"--", "..", "//", "__", "abc.narinfo", "nar/x.nar.zst", "!weird!"}
	for _, k := range keys {
		enc := EncodeCustom(k)
		assert.Regexp(t, `^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`, enc, "key=%q", k)
	}
}

func TestDNSSECFallback(t *testing.T) {
	key := "nix-cache-info"
	enc := EncodeDNSSEC(key)
	assert.Equal(t, enc, lower(enc), "encode output must be lowercase")

	dec, err := DecodeDNSSEC(enc)
	require.NoError(t, err)
	assert.Equal(t, key, dec)

	upper := upperCase(enc)
	dec2, err := DecodeDNSSEC(upper)
	require.NoError(t, err)
	assert.Equal(t, key, dec2, "decode must be case-insensitive")
}

func TestDecodeCustomFailureModes(t *testing.T) {
	_, err := DecodeCustom("_J")
	assert.Error(t, err, "trailing escape without terminator")

	_, err = DecodeCustom("_!_")
	assert.Error(t, err, "unknown symbol inside escape")

	_, err = DecodeCustom("a/b")
	assert.Error(t, err, "literal slash is not representable unescaped")
}

func TestCodecKeyToTagAndBack(t *testing.T) {
	c := New()
	key := "realisations/sha256:67890.doi"
	primary, fallbacks, err := c.KeyToTag(key)
	require.NoError(t, err)
	require.Len(t, fallbacks, 1)

	got, err := c.TagToKey(primary)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got2, err := c.TagToKey(fallbacks[0])
	require.NoError(t, err)
	assert.Equal(t, key, got2)
}

func TestCodecTagToKeyAggregatesErrors(t *testing.T) {
	c := New()
	_, err := c.TagToKey("a/b")
	require.Error(t, err)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func upperCase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
