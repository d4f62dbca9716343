package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genKeyPair(t *testing.T, name string) KeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub
	secret := name + ":" + base64.StdEncoding.EncodeToString(priv)
	kp, err := LoadSecretKey(secret)
	require.NoError(t, err)
	return kp
}

func TestParseSignature(t *testing.T) {
	s, err := Parse("cache.example.org-1:c2lnbmF0dXJl")
	require.NoError(t, err)
	assert.Equal(t, "cache.example.org-1", s.Name)
	assert.Equal(t, "signature", string(s.Sig))
}

func TestParseListEmpty(t *testing.T) {
	l, err := ParseList("")
	require.NoError(t, err)
	assert.Empty(t, l)
}

func TestSignAndVerify(t *testing.T) {
	kp := genKeyPair(t, "k1")
	payload := []byte("1;/store/abc-foo;sha256:deadbeef;100;")
	sig := kp.Sign(payload)
	assert.NoError(t, kp.Verify(payload, sig))
	assert.Error(t, kp.Verify([]byte("different"), sig))
}

func TestMergeUnchangedWhenIdentical(t *testing.T) {
	kp := genKeyPair(t, "k1")
	payload := []byte("payload")
	sig := kp.Sign(payload)
	existing := List{sig}

	merged, err := Merge(existing, kp, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, existing, merged)
}

func TestMergeAppendsNewName(t *testing.T) {
	kp1 := genKeyPair(t, "k1")
	kp2 := genKeyPair(t, "k2")
	payload := []byte("payload")
	sig1 := kp1.Sign(payload)
	sig2 := kp2.Sign(payload)

	merged, err := Merge(List{sig1}, kp2, payload, sig2)
	require.NoError(t, err)
	assert.Equal(t, List{sig1, sig2}, merged)
}

func TestMergeMismatchFails(t *testing.T) {
	kp := genKeyPair(t, "k1")
	payload := []byte("payload")
	sig := kp.Sign(payload)
	otherPayloadSig := kp.Sign([]byte("other payload"))
	// Force the same name but different signature bytes for the same
	// declared payload, simulating a conflicting re-sign.
	otherPayloadSig.Name = kp.Name

	_, err := Merge(List{sig}, kp, payload, otherPayloadSig)
	assert.Error(t, err)
}
