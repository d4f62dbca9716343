package mirror

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSMirrorMissIsNotAnError(t *testing.T) {
	m := NewFSMirror(t.TempDir())
	_, ok, err := m.Head(context.Background(), Key{Registry: "ghcr.io", Repository: "org/cache", Object: "abc.narinfo"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = m.Get(context.Background(), Key{Registry: "ghcr.io", Repository: "org/cache", Object: "abc.narinfo"})
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestFSMirrorPutThenGet(t *testing.T) {
	m := NewFSMirror(t.TempDir())
	ctx := context.Background()
	key := Key{Registry: "ghcr.io", Repository: "org/cache", Object: "nar/abc.nar.zst"}

	require.NoError(t, m.Put(ctx, key, "application/x-nix-nar", strings.NewReader("archive-bytes")))

	meta, ok, err := m.Head(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "application/x-nix-nar", meta.ContentType)
	assert.EqualValues(t, len("archive-bytes"), meta.ContentLength)

	rc, meta, err := m.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "application/x-nix-nar", meta.ContentType)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))
}

func TestFSMirrorPutOverwrites(t *testing.T) {
	m := NewFSMirror(t.TempDir())
	ctx := context.Background()
	key := Key{Registry: "ghcr.io", Repository: "org/cache", Object: "k"}

	require.NoError(t, m.Put(ctx, key, "text/plain", strings.NewReader("first")))
	require.NoError(t, m.Put(ctx, key, "text/plain", strings.NewReader("second-longer")))

	rc, _, err := m.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "second-longer", string(data))
}
