package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.sqlite")

	raw, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Exec(`
		CREATE TABLE ValidPaths (
			id INTEGER PRIMARY KEY,
			path TEXT UNIQUE NOT NULL,
			deriver TEXT,
			narSize INTEGER NOT NULL,
			sigs TEXT,
			ca TEXT
		);
		CREATE TABLE Refs (
			referrer INTEGER NOT NULL,
			reference INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)

	insertPath := func(id int64, path string, narSize int64) {
		_, err := raw.Exec(`INSERT INTO ValidPaths (id, path, narSize) VALUES (?, ?, ?)`, id, path, narSize)
		require.NoError(t, err)
	}
	insertPath(1, "/nix/store/aaa-foo", 100)
	insertPath(2, "/nix/store/bbb-bar", 200)
	insertPath(3, "/nix/store/ccc-baz", 300)

	_, err = raw.Exec(`INSERT INTO Refs (referrer, reference) VALUES (1, 2), (1, 3)`)
	require.NoError(t, err)

	db, err := Open(dbPath, true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, dbPath
}

func TestIdOfAndRecordOf(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	id, err := db.IdOf(ctx, "/nix/store/aaa-foo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	rec, err := db.RecordOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/aaa-foo", rec.Path)
	assert.Equal(t, int64(100), rec.NarSize)
	assert.Equal(t, []string{"/nix/store/bbb-bar", "/nix/store/ccc-baz"}, rec.References)
}

func TestIdOfMissing(t *testing.T) {
	db, _ := newTestDB(t)
	_, err := db.IdOf(context.Background(), "/nix/store/missing")
	assert.Error(t, err)
}

func TestClosure(t *testing.T) {
	db, _ := newTestDB(t)
	ids, err := db.Closure(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids)
}

func TestHashAndStrip(t *testing.T) {
	h, err := Hash("/nix/store", "/nix/store/aaa123-foo-1.0")
	require.NoError(t, err)
	assert.Equal(t, "aaa123", h)

	s, err := Strip("/nix/store", "/nix/store/aaa123-foo-1.0")
	require.NoError(t, err)
	assert.Equal(t, "aaa123-foo-1.0", s)
}

func TestCanonicalizeAlreadyUnderStoreDir(t *testing.T) {
	p, err := Canonicalize("/nix/store", "/nix/store/aaa-foo")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/aaa-foo", p)
}

func TestCanonicalizeFollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "result")
	target := "/nix/store/aaa-foo"
	require.NoError(t, os.Symlink(target, link))

	p, err := Canonicalize("/nix/store", link)
	require.NoError(t, err)
	assert.Equal(t, target, p)
}

func TestCanonicalizeFailsOnNonSymlinkOutsideStore(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-symlink")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Canonicalize("/nix/store", file)
	assert.Error(t, err)
}
