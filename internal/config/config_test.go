package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 3, cfg.MaxRetry)
	assert.Equal(t, "none", cfg.MirrorBackend)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("ORANC_LISTEN", "0.0.0.0:9000")
	t.Setenv("ORANC_UPSTREAM", "https://cache.nixos.org https://mirror.example.com")
	t.Setenv("ORANC_MAX_RETRY", "5")
	t.Setenv("ORANC_MIRROR_BACKEND", "fs")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, []string{"https://cache.nixos.org", "https://mirror.example.com"}, cfg.Upstream)
	assert.Equal(t, 5, cfg.MaxRetry)
	assert.Equal(t, "fs", cfg.MirrorBackend)
}

func TestLoadServerConfigRejectsInvalidMaxRetry(t *testing.T) {
	t.Setenv("ORANC_MAX_RETRY", "0")
	_, err := LoadServerConfig()
	assert.Error(t, err)
}

func TestLoadPushConfigDefaults(t *testing.T) {
	cfg, err := LoadPushConfig()
	require.NoError(t, err)
	assert.Equal(t, "/nix/store", cfg.StoreDir)
	assert.Equal(t, 4, cfg.Parallel)
	assert.Equal(t, 3, cfg.ZstdLevel)
	assert.False(t, cfg.DryRun)
}

func TestParseEncodingUnknown(t *testing.T) {
	t.Setenv("ORANC_TAG_ENCODING", "rot13")
	_, err := LoadServerConfig()
	assert.Error(t, err)
}
