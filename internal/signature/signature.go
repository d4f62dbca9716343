// Package signature implements the `name:base64(sig)` signature codec, an
// Ed25519 keypair wrapper, and the signature-list merge rule used by the
// pusher when it adds a fresh signature to an archive descriptor that may
// already carry one under the same key name.
package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/linyinfeng/oranc/internal/ocerr"
)

var sigPattern = regexp.MustCompile(`^([^:]+):(.*)$`)

// Signature is one `name:base64(sig)` entry.
type Signature struct {
	Name string
	Sig  []byte
}

func (s Signature) String() string {
	return s.Name + ":" + base64.StdEncoding.EncodeToString(s.Sig)
}

// Parse parses one signature token.
func Parse(s string) (Signature, error) {
	m := sigPattern.FindStringSubmatch(s)
	if m == nil {
		return Signature{}, ocerr.New(ocerr.InvalidSignature, "signature does not match name:base64(sig)")
	}
	raw, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return Signature{}, ocerr.Wrap(ocerr.InvalidSignature, "invalid base64 in signature", err)
	}
	return Signature{Name: m[1], Sig: raw}, nil
}

// List is an ordered signature list, space-separated when formatted.
type List []Signature

// ParseList parses a space-separated signature list; empty input yields an
// empty list.
func ParseList(s string) (List, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Fields(s)
	list := make(List, 0, len(fields))
	for _, f := range fields {
		sig, err := Parse(f)
		if err != nil {
			return nil, err
		}
		list = append(list, sig)
	}
	return list, nil
}

func (l List) String() string {
	parts := make([]string, len(l))
	for i, s := range l {
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}

// KeyPair is an Ed25519 signing keypair loaded from a secret-key string of
// the form "name:base64(privkey)".
type KeyPair struct {
	Name string
	sk   ed25519.PrivateKey
	pk   ed25519.PublicKey
}

// LoadSecretKey parses a "name:base64(sk)" string into a KeyPair.
func LoadSecretKey(s string) (KeyPair, error) {
	m := sigPattern.FindStringSubmatch(s)
	if m == nil {
		return KeyPair{}, ocerr.New(ocerr.InvalidSigningKey, "signing key does not match name:base64(sk)")
	}
	raw, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return KeyPair{}, ocerr.Wrap(ocerr.InvalidSigningKey, "invalid base64 in signing key", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return KeyPair{}, ocerr.New(ocerr.InvalidSigningKey, "secret key has the wrong length for ed25519")
	}
	sk := ed25519.PrivateKey(raw)
	pk := sk.Public().(ed25519.PublicKey)
	return KeyPair{Name: m[1], sk: sk, pk: pk}, nil
}

// LoadSecretKeyEnv loads a KeyPair from the value of an environment
// variable, wrapping parse failures as InvalidSigningKeyEnv so the gateway
// and pusher can distinguish "bad configuration" from "bad input."
func LoadSecretKeyEnv(envName, value string) (KeyPair, error) {
	kp, err := LoadSecretKey(value)
	if err != nil {
		return KeyPair{}, ocerr.Wrap(ocerr.InvalidSigningKeyEnv, "loading "+envName, err)
	}
	return kp, nil
}

// Sign signs data and returns a Signature under this keypair's name.
func (k KeyPair) Sign(data []byte) Signature {
	return Signature{Name: k.Name, Sig: ed25519.Sign(k.sk, data)}
}

// Verify checks a Signature against data using this keypair's public half.
func (k KeyPair) Verify(data []byte, s Signature) error {
	if !ed25519.Verify(k.pk, data, s.Sig) {
		return ocerr.New(ocerr.InvalidSignature, "ed25519 verification failed")
	}
	return nil
}

// Merge applies the pusher-side merge rule: for every existing entry with
// the same name as the new signature, verify it against payload with kp's
// public half; a verification failure propagates, a mismatched signature
// bytes value is a SignatureMismatch, and a matching entry is treated as
// already present. If no equal entry existed, the new signature is
// appended; the relative order of existing entries is preserved.
func Merge(existing List, kp KeyPair, payload []byte, fresh Signature) (List, error) {
	if fresh.Name != kp.Name {
		panic("signature.Merge: fresh.Name must equal kp.Name")
	}
	alreadyExists := false
	for _, e := range existing {
		if e.Name != fresh.Name {
			continue
		}
		if err := kp.Verify(payload, e); err != nil {
			return nil, err
		}
		if string(e.Sig) != string(fresh.Sig) {
			return nil, ocerr.New(ocerr.SignatureMismatch, "existing signature for "+fresh.Name+" does not match the new signature")
		}
		alreadyExists = true
	}
	if alreadyExists {
		return existing, nil
	}
	merged := make(List, len(existing), len(existing)+1)
	copy(merged, existing)
	merged = append(merged, fresh)
	return merged, nil
}
