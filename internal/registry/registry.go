// Package registry adapts an OCI distribution registry into a
// content-addressed object store keyed by (registry host, repository,
// key). Every object is wrapped as a single-layer OCI image; the key is
// embedded into the image's tag via the tag codec.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/linyinfeng/oranc/internal/ocerr"
	"github.com/linyinfeng/oranc/internal/tagcodec"
)

const (
	layerMediaType     = "application/octet-stream"
	keyAnnotation      = "com.linyinfeng.oranc.key"
	contentTypeAnno    = "com.linyinfeng.oranc.content.type"
	descriptionAnno    = ispec.AnnotationDescription
	defaultContentType = "application/octet-stream"
)

// OciLocation uniquely identifies a cache object.
type OciLocation struct {
	Registry   string
	Repository string
	Key        string
}

func (l OciLocation) String() string {
	return fmt.Sprintf("%s/%s/%s", l.Registry, l.Repository, l.Key)
}

// OciItem is the unit written to the registry.
type OciItem struct {
	ContentType string
	Data        []byte
}

// LayerInfo describes the single layer of the image resolved by a manifest
// probe.
type LayerInfo struct {
	Reference   string
	Digest      string
	ContentType string
}

// Options configures the adapter.
type Options struct {
	NoSSL    bool
	DryRun   bool
	MaxRetry int
	Codec    tagcodec.Codec
}

// Auth carries the per-request credential; it is not shared across
// concurrent requests or pusher workers.
type Auth struct {
	Username string
	Password string
}

func (a Auth) authenticator() authn.Authenticator {
	if a.Username == "" && a.Password == "" {
		return authn.Anonymous
	}
	return &authn.Basic{Username: a.Username, Password: a.Password}
}

// Adapter owns one OCI client configuration; it is cheap to construct and a
// fresh one is created per gateway request / pusher worker, matching the
// "OCI clients are not shared" resource rule.
type Adapter struct {
	Options   Options
	Auth      Auth
	Transport http.RoundTripper
}

func New(opts Options, auth Auth) *Adapter {
	return &Adapter{Options: opts, Auth: auth}
}

func (a *Adapter) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(a.Auth.authenticator()),
	}
	if a.Transport != nil {
		opts = append(opts, remote.WithTransport(a.Transport))
	}
	return opts
}

func (a *Adapter) nameOptions() []name.Option {
	if a.Options.NoSSL {
		return []name.Option{name.Insecure}
	}
	return nil
}

func (l OciLocation) reference(tag string, nameOpts []name.Option) (name.Reference, error) {
	repo := fmt.Sprintf("%s/%s", l.Registry, l.Repository)
	ref := fmt.Sprintf("%s:%s", repo, tag)
	r, err := name.ParseReference(ref, nameOpts...)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "parsing OCI reference "+ref, err)
	}
	return r, nil
}

// isNotFound reports whether err represents a terminal "manifest not
// found" condition: either a plain 404 from the registry, or a registry
// error response whose every diagnostic is MANIFEST_UNKNOWN.
func isNotFound(err error) bool {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return false
	}
	if len(terr.Errors) == 0 {
		return terr.StatusCode == http.StatusNotFound
	}
	for _, d := range terr.Errors {
		if d.Code != transport.ManifestUnknownErrorCode {
			return false
		}
	}
	return true
}

// GetLayerInfo builds the ordered [primary, ...fallbacks] reference list
// from the tag codec and attempts a manifest pull against each in order,
// at most MaxRetry-1 times per reference. "manifest not found" is terminal
// for that reference; any other failure is retriable and accumulates.
//
// If some reference succeeds, its LayerInfo is returned. If every
// reference terminated not-found and no retriable errors were ever
// recorded, (nil, nil) is returned. Otherwise a RetryAllFails error
// aggregating every recorded error is returned.
func (a *Adapter) GetLayerInfo(ctx context.Context, loc OciLocation) (*LayerInfo, error) {
	primary, fallbacks, err := a.Options.Codec.KeyToTag(loc.Key)
	if err != nil {
		return nil, err
	}
	refs := append([]string{primary}, fallbacks...)

	var errs []error
	notFoundCount := 0

	for _, tag := range refs {
		ref, err := loc.reference(tag, a.nameOptions())
		if err != nil {
			errs = append(errs, err)
			continue
		}

		terminalNotFound := false
		for attempt := 1; attempt < minAttempts(a.Options.MaxRetry); attempt++ {
			desc, err := remote.Get(ref, a.remoteOptions(ctx)...)
			if err != nil {
				if isNotFound(err) {
					terminalNotFound = true
					break
				}
				errs = append(errs, err)
				continue
			}
			img, err := desc.Image()
			if err != nil {
				errs = append(errs, ocerr.Wrap(ocerr.Infrastructure, "decoding manifest as image", err))
				break
			}
			mf, err := img.Manifest()
			if err != nil {
				errs = append(errs, ocerr.Wrap(ocerr.Infrastructure, "reading manifest", err))
				break
			}
			li, err := layerInfoFromManifest(tag, mf)
			if err != nil {
				return nil, err
			}
			return li, nil
		}
		if terminalNotFound {
			notFoundCount++
		}
	}

	if notFoundCount == len(refs) && len(errs) == 0 {
		return nil, nil
	}
	return nil, ocerr.Aggregate(ocerr.RetryAllFails, "every reference failed against "+loc.String(), errs)
}

func layerInfoFromManifest(tag string, mf *v1.Manifest) (*LayerInfo, error) {
	if len(mf.Layers) != 1 {
		return nil, ocerr.New(ocerr.InvalidLayerCount, fmt.Sprintf("manifest has %d layers, expected 1", len(mf.Layers)))
	}
	layer := mf.Layers[0]
	if string(layer.MediaType) != layerMediaType {
		return nil, ocerr.New(ocerr.InvalidLayerMediaType, "layer media type is "+string(layer.MediaType))
	}
	if layer.Annotations == nil {
		return nil, ocerr.New(ocerr.NoLayerAnnotations, "layer has no annotations")
	}
	ct, ok := layer.Annotations[contentTypeAnno]
	if !ok {
		return nil, ocerr.New(ocerr.NoLayerAnnotationKey, "layer is missing the content-type annotation")
	}
	return &LayerInfo{Reference: tag, Digest: layer.Digest.String(), ContentType: ct}, nil
}

// Put wraps item.Data as the single layer of a fresh image and writes it to
// the primary tag only (fallback tags are read-only lookup aliases, never
// written). Attempts at most MaxRetry-1 times; in dry-run mode it logs and
// returns success without any network call.
func (a *Adapter) Put(ctx context.Context, loc OciLocation, item OciItem) error {
	contentType := item.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	primary, _, err := a.Options.Codec.KeyToTag(loc.Key)
	if err != nil {
		return err
	}
	ref, err := loc.reference(primary, a.nameOptions())
	if err != nil {
		return err
	}

	if a.Options.DryRun {
		slog.Info("dry-run: skipping push", "location", loc.String(), "reference", ref.String())
		return nil
	}

	img, err := buildImage(loc.Key, contentType, item.Data)
	if err != nil {
		return err
	}

	var errs []error
	for attempt := 1; attempt < minAttempts(a.Options.MaxRetry); attempt++ {
		if err := remote.Write(ref, img, a.remoteOptions(ctx)...); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return ocerr.Aggregate(ocerr.RetryAllFails, "push exhausted retries for "+loc.String(), errs)
}

// singleLayerImage implements v1.Image for a freshly built single-layer
// object: one raw octet-stream layer, a minimal config file, and the fixed
// key/description manifest annotations.
type singleLayerImage struct {
	layer    v1.Layer
	config   *v1.ConfigFile
	rawCfg   []byte
	manifest *v1.Manifest
	rawMf    []byte
}

func buildImage(key, contentType string, data []byte) (v1.Image, error) {
	layer := static.NewLayer(data, types.MediaType(layerMediaType))
	diffID, err := layer.DiffID()
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "computing layer diff id", err)
	}
	digest, err := layer.Digest()
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "computing layer digest", err)
	}
	size, err := layer.Size()
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "computing layer size", err)
	}

	cfg := &v1.ConfigFile{
		Architecture: "",
		OS:           "",
		RootFS:       v1.RootFS{Type: "layers", DiffIDs: []v1.Hash{diffID}},
	}
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "marshalling config file", err)
	}
	cfgHash := sha256.Sum256(rawCfg)
	cfgDigest := v1.Hash{Algorithm: "sha256", Hex: hex.EncodeToString(cfgHash[:])}

	mf := &v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.OCIManifestSchema1,
		Config: v1.Descriptor{
			MediaType: types.OCIConfigJSON,
			Size:      int64(len(rawCfg)),
			Digest:    cfgDigest,
		},
		Layers: []v1.Descriptor{
			{
				MediaType:   layerMediaType,
				Size:        size,
				Digest:      digest,
				Annotations: map[string]string{contentTypeAnno: contentType},
			},
		},
		Annotations: map[string]string{
			keyAnnotation:   key,
			descriptionAnno: key,
		},
	}
	rawMf, err := json.Marshal(mf)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "marshalling manifest", err)
	}

	return &singleLayerImage{layer: layer, config: cfg, rawCfg: rawCfg, manifest: mf, rawMf: rawMf}, nil
}

func (i *singleLayerImage) Layers() ([]v1.Layer, error)            { return []v1.Layer{i.layer}, nil }
func (i *singleLayerImage) MediaType() (types.MediaType, error)    { return i.manifest.MediaType, nil }
func (i *singleLayerImage) Size() (int64, error)                   { return int64(len(i.rawMf)), nil }
func (i *singleLayerImage) ConfigFile() (*v1.ConfigFile, error)    { return i.config, nil }
func (i *singleLayerImage) RawConfigFile() ([]byte, error)         { return i.rawCfg, nil }
func (i *singleLayerImage) Manifest() (*v1.Manifest, error)        { return i.manifest, nil }
func (i *singleLayerImage) RawManifest() ([]byte, error)           { return i.rawMf, nil }

func (i *singleLayerImage) ConfigName() (v1.Hash, error) {
	return i.manifest.Config.Digest, nil
}

func (i *singleLayerImage) Digest() (v1.Hash, error) {
	h := sha256.Sum256(i.rawMf)
	return v1.Hash{Algorithm: "sha256", Hex: hex.EncodeToString(h[:])}, nil
}

func (i *singleLayerImage) LayerByDigest(h v1.Hash) (v1.Layer, error) {
	d, err := i.layer.Digest()
	if err == nil && d == h {
		return i.layer, nil
	}
	return nil, ocerr.New(ocerr.Infrastructure, "no layer with digest "+h.String())
}

func (i *singleLayerImage) LayerByDiffID(h v1.Hash) (v1.Layer, error) {
	d, err := i.layer.DiffID()
	if err == nil && d == h {
		return i.layer, nil
	}
	return nil, ocerr.New(ocerr.Infrastructure, "no layer with diff id "+h.String())
}

// StreamBlob opens the single layer of the image resolved by info and
// returns it as a streaming reader, so the gateway never buffers the full
// blob in memory.
func (a *Adapter) StreamBlob(ctx context.Context, loc OciLocation, info LayerInfo) (io.ReadCloser, error) {
	ref, err := loc.reference(info.Reference, a.nameOptions())
	if err != nil {
		return nil, err
	}
	desc, err := remote.Get(ref, a.remoteOptions(ctx)...)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "re-fetching manifest for blob stream", err)
	}
	img, err := desc.Image()
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "decoding manifest as image", err)
	}
	h, err := v1.NewHash(info.Digest)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "parsing layer digest", err)
	}
	layer, err := img.LayerByDigest(h)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "locating layer by digest", err)
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "opening layer stream", err)
	}
	return rc, nil
}

// minAttempts clamps max_retry to at least 1. The retry loops count
// from 1 up to but excluding this value, so they make max_retry-1
// attempts, and none when the clamped value is 1.
func minAttempts(maxRetry int) int {
	if maxRetry < 1 {
		return 1
	}
	return maxRetry
}

