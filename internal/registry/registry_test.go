package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildImageShape(t *testing.T) {
	img, err := buildImage("nix-cache-info", "text/x-nix-cache-info", []byte("StoreDir: /nix/store\n"))
	require.NoError(t, err)

	mf, err := img.Manifest()
	require.NoError(t, err)
	require.Len(t, mf.Layers, 1)
	assert.Equal(t, layerMediaType, string(mf.Layers[0].MediaType))
	assert.Equal(t, "text/x-nix-cache-info", mf.Layers[0].Annotations[contentTypeAnno])
	assert.Equal(t, "nix-cache-info", mf.Annotations[keyAnnotation])
	assert.Equal(t, "nix-cache-info", mf.Annotations[descriptionAnno])

	cfg, err := img.ConfigFile()
	require.NoError(t, err)
	assert.Equal(t, "layers", cfg.RootFS.Type)
	require.Len(t, cfg.RootFS.DiffIDs, 1)

	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 1)
	digest, err := layers[0].Digest()
	require.NoError(t, err)
	assert.Equal(t, mf.Layers[0].Digest, digest)
}

func TestLayerInfoFromManifestValidation(t *testing.T) {
	img, err := buildImage("k", "text/plain", []byte("data"))
	require.NoError(t, err)
	mf, err := img.Manifest()
	require.NoError(t, err)

	li, err := layerInfoFromManifest("latest", mf)
	require.NoError(t, err)
	assert.Equal(t, "latest", li.Reference)
	assert.Equal(t, "text/plain", li.ContentType)

	mf.Layers = append(mf.Layers, mf.Layers[0])
	_, err = layerInfoFromManifest("latest", mf)
	assert.Error(t, err, "two layers must be rejected as InvalidLayerCount")
}

func TestOciLocationString(t *testing.T) {
	loc := OciLocation{Registry: "ghcr.io", Repository: "org/cache", Key: "abc.narinfo"}
	assert.Equal(t, "ghcr.io/org/cache/abc.narinfo", loc.String())
}

func TestMinAttempts(t *testing.T) {
	assert.Equal(t, 1, minAttempts(0))
	assert.Equal(t, 1, minAttempts(1))
	assert.Equal(t, 3, minAttempts(3))
}
