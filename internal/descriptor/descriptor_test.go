package descriptor

import (
	"testing"

	"github.com/linyinfeng/oranc/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalFieldOrderAndOptionalFields(t *testing.T) {
	d := Descriptor{
		StorePath:   "/nix/store/abc123-foo",
		URL:         "nar/xyz.nar.zst",
		Compression: "zstd",
		FileHash:    Hash{"sha256", "filehashb32"},
		FileSize:    1234,
		NarHash:     Hash{"sha256", "narhashb32"},
		NarSize:     5678,
		References:  []string{"abc123-foo", "def456-bar"},
	}
	text := d.Marshal()
	want := "StorePath: /nix/store/abc123-foo\n" +
		"URL: nar/xyz.nar.zst\n" +
		"Compression: zstd\n" +
		"FileHash: sha256:filehashb32\n" +
		"FileSize: 1234\n" +
		"NarHash: sha256:narhashb32\n" +
		"NarSize: 5678\n" +
		"References: abc123-foo def456-bar\n"
	assert.Equal(t, want, text)
}

func TestMarshalWithDeriverSigAndCA(t *testing.T) {
	d := Descriptor{
		StorePath:  "/nix/store/abc123-foo",
		NarHash:    Hash{"sha256", "h"},
		References: nil,
		Deriver:    "abc123-foo.drv",
		Sigs:       signature.List{{Name: "k1", Sig: []byte("sig")}},
		CA:         "fixed:r:sha256:abc",
	}
	text := d.Marshal()
	assert.Contains(t, text, "Deriver: abc123-foo.drv\n")
	assert.Contains(t, text, "Sig: k1:")
	assert.Contains(t, text, "CA: fixed:r:sha256:abc\n")
	assert.Contains(t, text, "References: \n")
}

func TestRoundTrip(t *testing.T) {
	d := Descriptor{
		StorePath:   "/nix/store/abc123-foo",
		URL:         "nar/xyz.nar.zst",
		Compression: "zstd",
		FileHash:    Hash{"sha256", "filehashb32"},
		FileSize:    1234,
		NarHash:     Hash{"sha256", "narhashb32"},
		NarSize:     5678,
		References:  []string{"abc123-foo"},
		Deriver:     "abc123-foo.drv",
		Sigs:        signature.List{{Name: "k1", Sig: []byte("sig")}},
	}
	text := d.Marshal()
	got, err := Unmarshal(text)
	require.NoError(t, err)
	assert.Equal(t, d.StorePath, got.StorePath)
	assert.Equal(t, d.References, got.References)
	assert.Equal(t, d.Deriver, got.Deriver)
	require.Len(t, got.Sigs, 1)
	assert.Equal(t, "k1", got.Sigs[0].Name)
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint("/nix/store/abc-foo", Hash{"sha256", "h"}, 100, []string{"/nix/store/abc-foo", "/nix/store/def-bar"})
	assert.Equal(t, "1;/nix/store/abc-foo;sha256:h;100;/nix/store/abc-foo,/nix/store/def-bar", string(fp))
}

func TestFingerprintEmptyReferences(t *testing.T) {
	fp := Fingerprint("/nix/store/abc-foo", Hash{"sha256", "h"}, 100, nil)
	assert.Equal(t, "1;/nix/store/abc-foo;sha256:h;100;", string(fp))
}
