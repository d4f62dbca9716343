// Package store provides read-only access to the package manager's local
// SQLite metadata database: path↔id lookups, reference queries, full
// PathInfo records, and breadth-first closure expansion.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/linyinfeng/oranc/internal/ocerr"
)

// storePathPattern extracts HASH-NAME from a path already stripped of the
// store directory prefix.
var storePathPattern = regexp.MustCompile(`^([a-z0-9]+)-(.*)$`)

// Hash extracts the HASH component of a store path's base name.
func Hash(storeDir, path string) (string, error) {
	base, err := strip(storeDir, path)
	if err != nil {
		return "", err
	}
	m := storePathPattern.FindStringSubmatch(base)
	if m == nil {
		return "", ocerr.New(ocerr.InvalidStorePath, "path base name does not match HASH-NAME")
	}
	return m[1], nil
}

// Strip drops the store directory prefix, returning the bare "<HASH>-<NAME>".
func Strip(storeDir, path string) (string, error) {
	return strip(storeDir, path)
}

func strip(storeDir, path string) (string, error) {
	prefix := strings.TrimSuffix(storeDir, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", ocerr.New(ocerr.InvalidStorePath, "path is not under the store directory")
	}
	return strings.TrimPrefix(path, prefix), nil
}

// Canonicalize resolves input to an absolute store path: if input already
// lies under store_dir, it is returned as-is; otherwise symlinks are
// followed one hop per iteration until a path under store_dir is reached.
// Fails InvalidStorePath when a non-symlink input still does not lie under
// the store directory.
func Canonicalize(storeDir, input string) (string, error) {
	prefix := strings.TrimSuffix(storeDir, "/") + "/"
	path := input
	for i := 0; i < 64; i++ {
		if strings.HasPrefix(path, prefix) {
			return path, nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return "", ocerr.New(ocerr.InvalidStorePath, fmt.Sprintf("%q does not lie under the store directory and is not a symlink", path))
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		path = target
	}
	return "", ocerr.New(ocerr.InvalidStorePath, "too many symlink hops while canonicalizing "+input)
}

// PathInfo is a row from the metadata DB, with references resolved and
// sorted ascending by string for reproducible descriptor bytes.
type PathInfo struct {
	ID         int64
	Path       string
	Deriver    string
	NarSize    int64
	Sigs       string
	References []string
	CA         string
}

// DB is a read-only handle onto the metadata database, with prepared,
// cached statements for every operation.
type DB struct {
	conn *sql.DB

	idOfStmt     *sql.Stmt
	refsOfStmt   *sql.Stmt
	recordStmt   *sql.Stmt
	refPathsStmt *sql.Stmt
}

// Open opens the metadata database at path read-only, choosing the DSN
// with dsnFor: a plain read-only open when the DB's directory is writable;
// allowImmutable permits falling back to SQLite immutable mode when that
// writability probe fails.
func Open(path string, allowImmutable bool) (*DB, error) {
	dsn, err := dsnFor(path, allowImmutable)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "opening metadata database", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, ocerr.Wrap(ocerr.Infrastructure, "pinging metadata database", err)
	}

	db := &DB{conn: conn}
	stmts := []struct {
		dst  **sql.Stmt
		text string
	}{
		{&db.idOfStmt, `SELECT id FROM ValidPaths WHERE path = ?`},
		{&db.refsOfStmt, `SELECT reference FROM Refs WHERE referrer = ?`},
		{&db.recordStmt, `SELECT path, deriver, narSize, sigs, ca FROM ValidPaths WHERE id = ?`},
		{&db.refPathsStmt, `SELECT path FROM ValidPaths WHERE id IN (SELECT reference FROM Refs WHERE referrer = ?)`},
	}
	for _, s := range stmts {
		stmt, err := conn.Prepare(s.text)
		if err != nil {
			conn.Close()
			return nil, ocerr.Wrap(ocerr.Infrastructure, "preparing statement", err)
		}
		*s.dst = stmt
	}
	return db, nil
}

// dsnFor builds the database/sql DSN for the requested opening strategy.
// It prefers a read-only open on a writable directory (probed by creating
// and removing a scratch directory beside the DB file); if that probe
// fails and allowImmutable is set, it falls back to SQLite's immutable
// mode; otherwise it errors.
func dsnFor(path string, allowImmutable bool) (string, error) {
	dir := filepath.Dir(path)
	probe := filepath.Join(dir, ".oranc-write-probe")
	if err := os.Mkdir(probe, 0o700); err == nil {
		os.Remove(probe)
		return fmt.Sprintf("file:%s?mode=ro", path), nil
	}
	if !allowImmutable {
		return "", ocerr.New(ocerr.Infrastructure, "metadata database directory is not writable and allow_immutable_db is not set")
	}
	return fmt.Sprintf("file:%s?mode=ro&immutable=1", path), nil
}

func (db *DB) Close() error { return db.conn.Close() }

// IdOf resolves a store path to its row id.
func (db *DB) IdOf(ctx context.Context, path string) (int64, error) {
	rows, err := db.idOfStmt.QueryContext(ctx, path)
	if err != nil {
		return 0, ocerr.Wrap(ocerr.Infrastructure, "querying id_of", err)
	}
	defer rows.Close()

	var id int64
	count := 0
	for rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, ocerr.Wrap(ocerr.Infrastructure, "scanning id_of", err)
		}
		count++
	}
	switch {
	case count == 0:
		return 0, ocerr.New(ocerr.NoPathInfo, path)
	case count > 1:
		return 0, ocerr.New(ocerr.DuplicatedPathInfo, path)
	}
	return id, nil
}

// RefsOf returns the ids directly referenced by id, in query order.
func (db *DB) RefsOf(ctx context.Context, id int64) ([]int64, error) {
	rows, err := db.refsOfStmt.QueryContext(ctx, id)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "querying refs_of", err)
	}
	defer rows.Close()

	var refs []int64
	for rows.Next() {
		var r int64
		if err := rows.Scan(&r); err != nil {
			return nil, ocerr.Wrap(ocerr.Infrastructure, "scanning refs_of", err)
		}
		refs = append(refs, r)
	}
	return refs, nil
}

// RecordOf reads the full PathInfo for id. References are resolved with a
// second query and sorted ascending by string before return, so that
// descriptor bytes derived from it are reproducible.
func (db *DB) RecordOf(ctx context.Context, id int64) (PathInfo, error) {
	var pi PathInfo
	pi.ID = id
	var deriver, sigs, ca sql.NullString
	row := db.recordStmt.QueryRowContext(ctx, id)
	if err := row.Scan(&pi.Path, &deriver, &pi.NarSize, &sigs, &ca); err != nil {
		return PathInfo{}, ocerr.Wrap(ocerr.Infrastructure, "scanning record_of", err)
	}
	pi.Deriver = deriver.String
	pi.Sigs = sigs.String
	pi.CA = ca.String

	rows, err := db.refPathsStmt.QueryContext(ctx, id)
	if err != nil {
		return PathInfo{}, ocerr.Wrap(ocerr.Infrastructure, "querying references", err)
	}
	defer rows.Close()
	var refs []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return PathInfo{}, ocerr.Wrap(ocerr.Infrastructure, "scanning references", err)
		}
		refs = append(refs, p)
	}
	sort.Strings(refs)
	pi.References = refs
	return pi, nil
}

// Closure performs a breadth-first expansion of ids through RefsOf,
// returning the set (as a deduplicated slice) of every id reachable,
// including the seeds.
func (db *DB) Closure(ctx context.Context, ids []int64) ([]int64, error) {
	seen := make(map[int64]struct{}, len(ids))
	queue := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			queue = append(queue, id)
		}
	}
	for i := 0; i < len(queue); i++ {
		refs, err := db.RefsOf(ctx, queue[i])
		if err != nil {
			return nil, err
		}
		for _, r := range refs {
			if _, ok := seen[r]; !ok {
				seen[r] = struct{}{}
				queue = append(queue, r)
			}
		}
	}
	result := make([]int64, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	return result, nil
}
