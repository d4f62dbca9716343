// Package gateway implements the HTTP surface that fronts the registry
// adapter: liveness, object read/write routes, upstream-cache
// short-circuiting, and the optional blob mirror.
package gateway

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linyinfeng/oranc/internal/config"
	"github.com/linyinfeng/oranc/internal/mirror"
	"github.com/linyinfeng/oranc/internal/ocerr"
	"github.com/linyinfeng/oranc/internal/registry"
	"github.com/linyinfeng/oranc/internal/stream"
)

var (
	basicAuthPattern = regexp.MustCompile(`^Basic (.*)$`)
	aws4AuthPattern  = regexp.MustCompile(`^AWS4-HMAC-SHA256 Credential=([^ /,]+)/.*$`)
)

// Handler serves the gateway's three routes.
type Handler struct {
	Cfg            config.ServerConfig
	Mirror         mirror.Store
	UpstreamClient *http.Client
}

func New(cfg config.ServerConfig, mirrorStore mirror.Store) *Handler {
	return &Handler{
		Cfg:    cfg,
		Mirror: mirrorStore,
		UpstreamClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Routes builds the chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)
	r.Get("/", h.handleLiveness)
	r.Get("/{registry}/{repo1}/{repo2}/*", h.handleGet)
	r.Head("/{registry}/{repo1}/{repo2}/*", h.handleHead)
	r.Put("/{registry}/{repo1}/{repo2}/*", h.handlePut)
	return r
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("oranc\n"))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.handleRead(w, r, false)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	h.handleRead(w, r, true)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, headOnly bool) {
	ctx := r.Context()

	loc, err := parseLocation(r)
	if err != nil {
		writeError(w, err)
		return
	}

	username, password, anonymous, err := parseAuth(r)
	if err != nil {
		writeError(w, err)
		return
	}

	redirectURL, found, err := h.probeUpstream(ctx, loc.Key, anonymous)
	if err != nil {
		writeError(w, err)
		return
	}
	if found {
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	mkey := mirrorKey(loc)
	if h.Mirror != nil {
		if served := h.serveFromMirror(ctx, w, mkey, headOnly); served {
			return
		}
	}

	adapter := registry.New(h.registryOptions(), registry.Auth{Username: username, Password: password})
	info, err := adapter.GetLayerInfo(ctx, loc)
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		writeError(w, ocerr.New(ocerr.ReferenceNotFound, loc.String()))
		return
	}

	w.Header().Set("Content-Type", info.ContentType)
	if headOnly {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, err := adapter.StreamBlob(ctx, loc, *info)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	if h.Mirror != nil {
		if err := stream.TeeToMirror(ctx, rc, w, h.Mirror, mkey, info.ContentType); err != nil {
			slog.Debug("streaming blob to client failed", "location", loc.String(), "error", err)
		}
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Debug("streaming blob to client failed", "location", loc.String(), "error", err)
	}
}

// serveFromMirror attempts to satisfy a read entirely out of the
// mirror. Any mirror error is logged and treated as a miss so the
// caller falls through to the registry path.
func (h *Handler) serveFromMirror(ctx context.Context, w http.ResponseWriter, key mirror.Key, headOnly bool) bool {
	meta, ok, err := h.Mirror.Head(ctx, key)
	if err != nil {
		slog.Debug("mirror head failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if headOnly {
		w.Header().Set("Content-Type", meta.ContentType)
		w.WriteHeader(http.StatusOK)
		return true
	}
	rc, meta, err := h.Mirror.Get(ctx, key)
	if err != nil {
		slog.Debug("mirror get failed", "key", key, "error", err)
		return false
	}
	defer rc.Close()
	w.Header().Set("Content-Type", meta.ContentType)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Debug("streaming mirrored blob to client failed", "key", key, "error", err)
	}
	return true
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	loc, err := parseLocation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	username, password, _, err := parseAuth(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, ocerr.Wrap(ocerr.Infrastructure, "reading request body", err))
		return
	}

	adapter := registry.New(h.registryOptions(), registry.Auth{Username: username, Password: password})
	item := registry.OciItem{ContentType: r.Header.Get("Content-Type"), Data: body}
	if err := adapter.Put(ctx, loc, item); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<_/>"))
}

func (h *Handler) registryOptions() registry.Options {
	return registry.Options{
		NoSSL:    h.Cfg.NoSSL,
		MaxRetry: h.Cfg.MaxRetry,
		Codec:    h.Cfg.Codec(),
	}
}

// parseLocation extracts the OciLocation from the chi route parameters,
// each percent-decoded once. chi matches against r.URL.RawPath when
// net/http has set it, so in that case the parameters arrive still
// escaped and are decoded here; otherwise they come from the already
// decoded r.URL.Path.
func parseLocation(r *http.Request) (registry.OciLocation, error) {
	reg := chi.URLParam(r, "registry")
	repo1 := chi.URLParam(r, "repo1")
	repo2 := chi.URLParam(r, "repo2")
	key := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		for _, p := range []*string{&reg, &repo1, &repo2, &key} {
			decoded, err := url.PathUnescape(*p)
			if err != nil {
				return registry.OciLocation{}, ocerr.Wrap(ocerr.DecodeFailure, "percent-decoding path parameter", err)
			}
			*p = decoded
		}
	}
	if reg == "" || repo1 == "" || repo2 == "" || key == "" {
		return registry.OciLocation{}, ocerr.New(ocerr.DecodeFailure, "malformed object path")
	}
	return registry.OciLocation{Registry: reg, Repository: repo1 + "/" + repo2, Key: key}, nil
}

// parseAuth inspects the Authorization header. No header means an
// anonymous request; a Basic or AWS4-HMAC-SHA256 credential is
// base64-decoded and split on the first colon.
func parseAuth(r *http.Request) (username, password string, anonymous bool, err error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "", true, nil
	}

	var encoded string
	if m := basicAuthPattern.FindStringSubmatch(header); m != nil {
		encoded = m[1]
	} else if m := aws4AuthPattern.FindStringSubmatch(header); m != nil {
		encoded = m[1]
	} else {
		return "", "", false, ocerr.New(ocerr.InvalidAuthorization, "unrecognized Authorization header grammar")
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false, ocerr.Wrap(ocerr.InvalidAuthorization, "invalid base64 credential", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false, ocerr.New(ocerr.InvalidAuthorization, "credential is missing the ':' separator")
	}
	return user, pass, false, nil
}

// probeUpstream implements the GET/HEAD upstream short-circuit: skipped
// for anonymous clients unless upstream_anonymous is set, and for keys
// matching ignore_upstream. Each configured base is tried in order,
// retried up to max_retry-1 times, a 404 advancing to the next
// upstream and a 200 returning its URL for the caller to redirect to.
func (h *Handler) probeUpstream(ctx context.Context, key string, anonymous bool) (string, bool, error) {
	if anonymous && !h.Cfg.UpstreamAnonymous {
		return "", false, nil
	}
	if h.Cfg.IgnoreUpstream != nil && h.Cfg.IgnoreUpstream.MatchString(key) {
		return "", false, nil
	}

	for _, base := range h.Cfg.Upstream {
		u, err := url.Parse(base)
		if err != nil || !u.IsAbs() {
			return "", false, ocerr.Wrap(ocerr.Infrastructure, "upstream base URL cannot be a base", err)
		}
		full := u.JoinPath(key)

		nextUpstream := false
		for attempt := 1; attempt < attemptsFor(h.Cfg.MaxRetry); attempt++ {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, full.String(), nil)
			if err != nil {
				return "", false, ocerr.Wrap(ocerr.Infrastructure, "building upstream probe request", err)
			}
			resp, err := h.UpstreamClient.Do(req)
			if err != nil {
				slog.Debug("upstream probe failed", "upstream", full.String(), "error", err)
				continue
			}
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				return full.String(), true, nil
			case http.StatusNotFound:
				nextUpstream = true
			default:
				slog.Debug("upstream probe returned unexpected status", "upstream", full.String(), "status", resp.StatusCode)
			}
			if nextUpstream {
				break
			}
		}
	}
	return "", false, nil
}

// attemptsFor clamps max_retry to at least 1, like the registry
// adapter's minAttempts. The probe loop counts from 1 up to but
// excluding this value, so it makes max_retry-1 attempts per upstream,
// and none when the clamped value is 1.
func attemptsFor(maxRetry int) int {
	if maxRetry < 1 {
		return 1
	}
	return maxRetry
}

func mirrorKey(loc registry.OciLocation) mirror.Key {
	return mirror.Key{Registry: loc.Registry, Repository: loc.Repository, Object: loc.Key}
}

// writeError renders err as an HTTP response: the literal S3 NoSuchKey
// body for ReferenceNotFound, the status text for other server errors,
// and a human-readable message for client errors. Every handled error
// is logged at info level with its kind.
func writeError(w http.ResponseWriter, err error) {
	oe, ok := err.(*ocerr.Error)
	if !ok {
		oe = ocerr.Wrap(ocerr.Infrastructure, "unhandled error", err)
	}
	slog.Info("request failed", "kind", oe.Kind.String(), "error", oe.Error())
	w.WriteHeader(ocerr.StatusCode(oe.Kind))
	_, _ = w.Write([]byte(ocerr.Body(oe)))
}
