package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linyinfeng/oranc/internal/mirror"
)

func TestTeeToMirrorCopiesToClientAndStore(t *testing.T) {
	dir := t.TempDir()
	store := mirror.NewFSMirror(dir)
	key := mirror.Key{Registry: "ghcr.io", Repository: "org/cache", Object: "k"}

	rec := httptest.NewRecorder()
	err := TeeToMirror(context.Background(), strings.NewReader("hello world"), rec, store, key, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello world", rec.Body.String())

	_, ok, err := store.Head(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
}
