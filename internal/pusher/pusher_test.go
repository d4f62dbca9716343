package pusher

import (
	"crypto/ed25519"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/linyinfeng/oranc/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genKeyPair(t *testing.T, name string) signature.KeyPair {
	t.Helper()
	_, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	encoded := name + ":" + base64.StdEncoding.EncodeToString(sk)
	kp, err := signature.LoadSecretKey(encoded)
	require.NoError(t, err)
	return kp
}

func TestShouldIncludeUnsigned(t *testing.T) {
	keep, err := shouldInclude("", nil, "cache", false)
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestShouldIncludeExcludedPattern(t *testing.T) {
	kp := genKeyPair(t, "other")
	sig := kp.Sign([]byte("payload"))
	keep, err := shouldInclude(sig.String(), regexp.MustCompile("^other$"), "cache", false)
	require.NoError(t, err)
	assert.False(t, keep)
}

func TestShouldIncludeOwnKeyRequiresAlreadySigned(t *testing.T) {
	kp := genKeyPair(t, "cache")
	sig := kp.Sign([]byte("payload"))

	keep, err := shouldInclude(sig.String(), nil, "cache", false)
	require.NoError(t, err)
	assert.False(t, keep)

	keep, err = shouldInclude(sig.String(), nil, "cache", true)
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestShouldIncludeUnrelatedSignerIsFine(t *testing.T) {
	kp := genKeyPair(t, "someone-else")
	sig := kp.Sign([]byte("payload"))
	keep, err := shouldInclude(sig.String(), regexp.MustCompile("^nomatch$"), "cache", false)
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestShouldIncludePropagatesParseErrors(t *testing.T) {
	_, err := shouldInclude("not-a-valid-sig-list-entry-without-colon-separated-base64 x", nil, "cache", false)
	assert.Error(t, err)
}
