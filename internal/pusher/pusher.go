// Package pusher implements the ingest → closure → filter →
// (serialize + compress + sign + upload) pipeline that populates a
// registry-backed cache from a package manager's local store.
package pusher

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/nix-community/go-nix/pkg/nar"
	"github.com/nix-community/go-nix/pkg/nixbase32"
	"golang.org/x/sync/errgroup"

	"github.com/linyinfeng/oranc/internal/descriptor"
	"github.com/linyinfeng/oranc/internal/ocerr"
	"github.com/linyinfeng/oranc/internal/registry"
	"github.com/linyinfeng/oranc/internal/signature"
	"github.com/linyinfeng/oranc/internal/store"
)

// Options configures one push run.
type Options struct {
	StoreDir          string
	DBPath            string
	AllowImmutableDB  bool
	Closure           bool
	ExcludedSigningKey *regexp.Regexp
	AlreadySigned     bool
	Parallel          int
	ZstdLevel         zstd.EncoderLevel
	DryRun            bool

	Registry     registry.Options
	Auth         registry.Auth
	Location     Location
	SigningKey   signature.KeyPair
}

// Location is the (registry, repository) destination shared by every
// object a push writes.
type Location struct {
	Registry   string
	Repository string
}

// Pusher runs one push against a configured destination.
type Pusher struct {
	opts Options
}

func New(opts Options) *Pusher {
	return &Pusher{opts: opts}
}

// Run reads store-path lines from stdin, resolves and filters them, and
// uploads the survivors with bounded parallelism. It returns a
// PushFailed error if any worker ever reported a non-EarlyStop failure.
func (p *Pusher) Run(ctx context.Context, stdin io.Reader) error {
	paths, err := readLines(stdin)
	if err != nil {
		return err
	}

	db, err := store.Open(p.opts.DBPath, p.opts.AllowImmutableDB)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(paths))
	seen := make(map[int64]struct{}, len(paths))
	for _, raw := range paths {
		canon, err := store.Canonicalize(p.opts.StoreDir, raw)
		if err != nil {
			db.Close()
			return err
		}
		id, err := db.IdOf(ctx, canon)
		if err != nil {
			db.Close()
			return err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if p.opts.Closure {
		ids, err = db.Closure(ctx, ids)
		if err != nil {
			db.Close()
			return err
		}
	}

	survivors := make([]int64, 0, len(ids))
	for _, id := range ids {
		rec, err := db.RecordOf(ctx, id)
		if err != nil {
			db.Close()
			return err
		}
		keep, err := shouldInclude(rec.Sigs, p.opts.ExcludedSigningKey, p.opts.SigningKey.Name, p.opts.AlreadySigned)
		if err != nil {
			db.Close()
			return err
		}
		if keep {
			survivors = append(survivors, id)
		}
	}
	db.Close()

	var failed atomic.Bool
	var g errgroup.Group
	if p.opts.Parallel > 0 {
		g.SetLimit(p.opts.Parallel)
	}
	for _, id := range survivors {
		id := id
		g.Go(func() error {
			p.pushOne(ctx, id, &failed)
			return nil
		})
	}
	_ = g.Wait()

	if failed.Load() {
		return ocerr.New(ocerr.PushFailed, "one or more paths failed to push")
	}
	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := bytes.TrimSpace([]byte(line))
		if len(trimmed) == 0 {
			continue
		}
		lines = append(lines, string(trimmed))
	}
	if err := scanner.Err(); err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "reading store paths from stdin", err)
	}
	return lines, nil
}

// shouldInclude implements the signature-policy filter: a path with an
// unparseable sigs string errors; an unsigned path is always included;
// a path carrying a signature whose name matches excluded, or whose
// name equals the current signing key's name with already_signed
// unset, is rejected.
func shouldInclude(sigsRaw string, excluded *regexp.Regexp, signingKeyName string, alreadySigned bool) (bool, error) {
	sigs, err := signature.ParseList(sigsRaw)
	if err != nil {
		return false, err
	}
	for _, s := range sigs {
		if excluded != nil && excluded.MatchString(s.Name) {
			return false, nil
		}
		if s.Name == signingKeyName && !alreadySigned {
			return false, nil
		}
	}
	return true, nil
}

// pushOne runs the blocking prologue and async upload tail for a single
// path. It observes the shared failed flag at task start, before the DB
// read, and before each upload; any real failure sets the flag and is
// logged, never returned to the caller (the caller only cares whether
// failed was ever set).
func (p *Pusher) pushOne(ctx context.Context, id int64, failed *atomic.Bool) {
	if failed.Load() {
		return
	}

	db, err := store.Open(p.opts.DBPath, p.opts.AllowImmutableDB)
	if err != nil {
		p.fail(failed, id, err)
		return
	}
	defer db.Close()

	if failed.Load() {
		return
	}
	rec, err := db.RecordOf(ctx, id)
	if err != nil {
		p.fail(failed, id, err)
		return
	}

	archive, err := serializeNar(rec.Path)
	if err != nil {
		p.fail(failed, id, err)
		return
	}
	narSum := sha256.Sum256(archive)
	if int64(len(archive)) != rec.NarSize {
		p.fail(failed, id, ocerr.New(ocerr.NarSizeNotMatch, fmt.Sprintf("serialized size %d does not match recorded nar_size %d for %s", len(archive), rec.NarSize, rec.Path)))
		return
	}
	narHash := descriptor.Hash{Algorithm: "sha256", Base32: nixbase32.EncodeToString(narSum[:])}

	compressed, err := compressZstd(archive, p.opts.ZstdLevel)
	archive = nil // drop the uncompressed buffer to bound memory
	if err != nil {
		p.fail(failed, id, err)
		return
	}
	fileSum := sha256.Sum256(compressed)
	fileHash := descriptor.Hash{Algorithm: "sha256", Base32: nixbase32.EncodeToString(fileSum[:])}

	storeHash, err := store.Hash(p.opts.StoreDir, rec.Path)
	if err != nil {
		p.fail(failed, id, err)
		return
	}
	strippedDeriver := ""
	if rec.Deriver != "" {
		strippedDeriver, err = store.Strip(p.opts.StoreDir, rec.Deriver)
		if err != nil {
			p.fail(failed, id, err)
			return
		}
	}
	strippedRefs := make([]string, len(rec.References))
	for i, r := range rec.References {
		strippedRefs[i], err = store.Strip(p.opts.StoreDir, r)
		if err != nil {
			p.fail(failed, id, err)
			return
		}
	}

	fp := descriptor.Fingerprint(rec.Path, narHash, rec.NarSize, rec.References)
	fresh := p.opts.SigningKey.Sign(fp)
	existingSigs, err := signature.ParseList(rec.Sigs)
	if err != nil {
		p.fail(failed, id, err)
		return
	}
	merged, err := signature.Merge(existingSigs, p.opts.SigningKey, fp, fresh)
	if err != nil {
		p.fail(failed, id, err)
		return
	}

	desc := descriptor.Descriptor{
		StorePath:   rec.Path,
		URL:         "nar/" + fileHash.Base32 + ".nar.zst",
		Compression: "zstd",
		FileHash:    fileHash,
		FileSize:    int64(len(compressed)),
		NarHash:     narHash,
		NarSize:     rec.NarSize,
		References:  strippedRefs,
		Deriver:     strippedDeriver,
		Sigs:        merged,
		CA:          rec.CA,
	}

	if failed.Load() {
		return
	}
	adapter := registry.New(p.opts.Registry, p.opts.Auth)
	archiveLoc := registry.OciLocation{Registry: p.opts.Location.Registry, Repository: p.opts.Location.Repository, Key: desc.URL}
	if err := adapter.Put(ctx, archiveLoc, registry.OciItem{ContentType: "application/x-nix-nar", Data: compressed}); err != nil {
		p.fail(failed, id, err)
		return
	}

	if failed.Load() {
		return
	}
	descLoc := registry.OciLocation{Registry: p.opts.Location.Registry, Repository: p.opts.Location.Repository, Key: storeHash + ".narinfo"}
	if err := adapter.Put(ctx, descLoc, registry.OciItem{ContentType: "text/x-nix-narinfo", Data: []byte(desc.Marshal())}); err != nil {
		p.fail(failed, id, err)
		return
	}
}

func (p *Pusher) fail(failed *atomic.Bool, id int64, err error) {
	failed.Store(true)
	slog.Info("push worker failed", "id", id, "error", err)
}

func serializeNar(path string) ([]byte, error) {
	var buf bytes.Buffer
	if err := nar.DumpPath(&buf, path); err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "serializing "+path+" as an archive", err)
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "constructing zstd encoder", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
