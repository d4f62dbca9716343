// Package config loads the gateway's and the pusher's configuration
// from a ".env" file (if present) plus the process environment, in the
// style of small envOr-style helpers rather than a configuration
// framework.
package config

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/linyinfeng/oranc/internal/ocerr"
	"github.com/linyinfeng/oranc/internal/tagcodec"
)

func init() {
	// A missing .env file is not an error; it just means configuration
	// comes entirely from the process environment.
	_ = godotenv.Load()
}

// ServerConfig configures the gateway.
type ServerConfig struct {
	Listen string

	Upstream           []string
	IgnoreUpstream     *regexp.Regexp
	UpstreamAnonymous  bool

	NoSSL    bool
	MaxRetry int

	TagEncoding       tagcodec.Encoding
	FallbackEncodings []tagcodec.Encoding

	MirrorBackend          string
	MirrorFSRoot           string
	MirrorS3Bucket         string
	MirrorS3ForcePathStyle bool

	LogLevel slog.Level
}

// PushConfig configures one invocation of the pusher.
type PushConfig struct {
	StoreDir         string
	DBPath           string
	AllowImmutableDB bool

	TargetRegistry   string
	TargetRepository string

	NoSSL    bool
	MaxRetry int

	TagEncoding       tagcodec.Encoding
	FallbackEncodings []tagcodec.Encoding

	ExcludedSigningKeyPattern *regexp.Regexp
	AlreadySigned             bool
	Parallel                  int
	ZstdLevel                 int
	DryRun                    bool

	LogLevel slog.Level
}

// LoadServerConfig populates a ServerConfig from the environment.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	cfg.Listen = envOr("ORANC_LISTEN", ":8080")
	cfg.Upstream = envOrList("ORANC_UPSTREAM", nil)

	ignore, err := envOrRegexp("ORANC_IGNORE_UPSTREAM", nil)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.IgnoreUpstream = ignore

	cfg.UpstreamAnonymous = envOrBool("ORANC_UPSTREAM_ANONYMOUS", false)
	cfg.NoSSL = envOrBool("ORANC_NO_SSL", false)

	maxRetry, err := envOrMaxRetry("ORANC_MAX_RETRY", 3)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.MaxRetry = maxRetry

	primary, fallbacks, err := envOrEncodings()
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.TagEncoding = primary
	cfg.FallbackEncodings = fallbacks

	cfg.MirrorBackend = envOr("ORANC_MIRROR_BACKEND", "none")
	cfg.MirrorFSRoot = envOr("ORANC_MIRROR_FS_ROOT", "")
	cfg.MirrorS3Bucket = envOr("ORANC_MIRROR_S3_BUCKET", "")
	cfg.MirrorS3ForcePathStyle = envOrBool("ORANC_MIRROR_S3_FORCE_PATH_STYLE", false)

	level, err := parseLogLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.LogLevel = level

	return cfg, nil
}

// LoadPushConfig populates a PushConfig from the environment.
func LoadPushConfig() (PushConfig, error) {
	var cfg PushConfig
	cfg.StoreDir = envOr("ORANC_STORE_DIR", "/nix/store")
	cfg.DBPath = envOr("ORANC_DB_PATH", "/nix/var/nix/db/db.sqlite")
	cfg.AllowImmutableDB = envOrBool("ORANC_ALLOW_IMMUTABLE_DB", false)

	cfg.TargetRegistry = envOr("ORANC_TARGET_REGISTRY", "")
	cfg.TargetRepository = envOr("ORANC_TARGET_REPOSITORY", "")

	cfg.NoSSL = envOrBool("ORANC_NO_SSL", false)

	maxRetry, err := envOrMaxRetry("ORANC_MAX_RETRY", 3)
	if err != nil {
		return PushConfig{}, err
	}
	cfg.MaxRetry = maxRetry

	primary, fallbacks, err := envOrEncodings()
	if err != nil {
		return PushConfig{}, err
	}
	cfg.TagEncoding = primary
	cfg.FallbackEncodings = fallbacks

	excluded, err := envOrRegexp("ORANC_EXCLUDED_SIGNING_KEY_PATTERN", nil)
	if err != nil {
		return PushConfig{}, err
	}
	cfg.ExcludedSigningKeyPattern = excluded

	cfg.AlreadySigned = envOrBool("ORANC_ALREADY_SIGNED", false)
	cfg.Parallel = envOrInt("ORANC_PARALLEL", 4)
	cfg.ZstdLevel = envOrInt("ORANC_ZSTD_LEVEL", 3)
	cfg.DryRun = envOrBool("ORANC_DRY_RUN", false)

	level, err := parseLogLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return PushConfig{}, err
	}
	cfg.LogLevel = level

	return cfg, nil
}

// Codec builds the tag codec described by this server's configuration.
func (c ServerConfig) Codec() tagcodec.Codec {
	return tagcodec.Codec{Primary: c.TagEncoding, Fallbacks: c.FallbackEncodings}
}

// Codec builds the tag codec described by this push's configuration.
func (c PushConfig) Codec() tagcodec.Codec {
	return tagcodec.Codec{Primary: c.TagEncoding, Fallbacks: c.FallbackEncodings}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envOrList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	fields := strings.Fields(v)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func envOrRegexp(key string, fallback *regexp.Regexp) (*regexp.Regexp, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	re, err := regexp.Compile(v)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "compiling "+key, err)
	}
	return re, nil
}

func envOrMaxRetry(key string, fallback int) (int, error) {
	n := envOrInt(key, fallback)
	if n < 1 {
		return 0, ocerr.New(ocerr.InvalidMaxRetry, key+" must be >= 1")
	}
	return n, nil
}

func envOrEncodings() (tagcodec.Encoding, []tagcodec.Encoding, error) {
	primary, err := parseEncoding(envOr("ORANC_TAG_ENCODING", "custom"))
	if err != nil {
		return 0, nil, err
	}
	fallbackNames := envOrList("ORANC_FALLBACK_ENCODINGS", []string{"dnssec"})
	fallbacks := make([]tagcodec.Encoding, 0, len(fallbackNames))
	for _, name := range fallbackNames {
		enc, err := parseEncoding(name)
		if err != nil {
			return 0, nil, err
		}
		fallbacks = append(fallbacks, enc)
	}
	return primary, fallbacks, nil
}

func parseEncoding(s string) (tagcodec.Encoding, error) {
	switch strings.ToLower(s) {
	case "custom":
		return tagcodec.Custom, nil
	case "dnssec", "base32-dnssec":
		return tagcodec.DNSSEC, nil
	default:
		return 0, ocerr.New(ocerr.InvalidTag, "unknown tag encoding "+s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, ocerr.Wrap(ocerr.Infrastructure, "parsing log level "+s, err)
	}
	return level, nil
}
