// Command oranc runs the gateway server, the pusher, and the tag codec
// debugging helpers behind one binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/linyinfeng/oranc/internal/config"
	"github.com/linyinfeng/oranc/internal/gateway"
	"github.com/linyinfeng/oranc/internal/mirror"
	"github.com/linyinfeng/oranc/internal/ocerr"
	"github.com/linyinfeng/oranc/internal/pusher"
	"github.com/linyinfeng/oranc/internal/registry"
	"github.com/linyinfeng/oranc/internal/signature"
	"github.com/linyinfeng/oranc/internal/tagcodec"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		var oe *ocerr.Error
		if errors.As(err, &oe) {
			slog.Info("command failed", "kind", oe.Kind.String(), "error", oe.Error())
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oranc",
		Short: "OCI Registry As Nix Cache",
	}
	root.AddCommand(serverCmd(), pushCmd(), tagCmd())
	return root
}

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start the gateway HTTP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

			mirrorStore, err := buildMirror(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			h := gateway.New(cfg, mirrorStore)
			h2s := &http2.Server{}
			srv := &http.Server{
				Addr:    cfg.Listen,
				Handler: h2c.NewHandler(h.Routes(), h2s),
			}

			return runServer(cmd.Context(), srv)
		},
	}
}

func buildMirror(ctx context.Context, cfg config.ServerConfig) (mirror.Store, error) {
	switch cfg.MirrorBackend {
	case "", "none":
		return nil, nil
	case "fs":
		return mirror.NewFSMirror(cfg.MirrorFSRoot), nil
	case "s3":
		return mirror.NewS3Mirror(ctx, cfg.MirrorS3Bucket, cfg.MirrorS3ForcePathStyle)
	default:
		return nil, ocerr.New(ocerr.Infrastructure, "unknown mirror_backend "+cfg.MirrorBackend)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "push store paths read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPushConfig()
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

			kp, err := signature.LoadSecretKeyEnv("ORANC_SIGNING_KEY", os.Getenv("ORANC_SIGNING_KEY"))
			if err != nil {
				return err
			}

			p := pusher.New(pusher.Options{
				StoreDir:           cfg.StoreDir,
				DBPath:             cfg.DBPath,
				AllowImmutableDB:   cfg.AllowImmutableDB,
				Closure:            true,
				ExcludedSigningKey: cfg.ExcludedSigningKeyPattern,
				AlreadySigned:      cfg.AlreadySigned,
				Parallel:           cfg.Parallel,
				ZstdLevel:          zstdLevel(cfg.ZstdLevel),
				DryRun:             cfg.DryRun,
				Registry: registry.Options{
					NoSSL:    cfg.NoSSL,
					DryRun:   cfg.DryRun,
					MaxRetry: cfg.MaxRetry,
					Codec:    cfg.Codec(),
				},
				Auth: registry.Auth{
					Username: os.Getenv("ORANC_USERNAME"),
					Password: os.Getenv("ORANC_PASSWORD"),
				},
				Location: pusher.Location{
					Registry:   cfg.TargetRegistry,
					Repository: cfg.TargetRepository,
				},
				SigningKey: kp,
			})
			return p.Run(cmd.Context(), os.Stdin)
		},
	}
}

func zstdLevel(n int) zstd.EncoderLevel {
	if n <= 0 {
		return zstd.SpeedDefault
	}
	return zstd.EncoderLevelFromZstd(n)
}

func tagCmd() *cobra.Command {
	tag := &cobra.Command{
		Use:   "tag",
		Short: "encode or decode a cache key into an OCI tag",
	}
	tag.AddCommand(
		&cobra.Command{
			Use:   "encode <key>",
			Short: "encode a cache key into its primary OCI tag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				primary, _, err := tagcodec.New().KeyToTag(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), primary)
				return nil
			},
		},
		&cobra.Command{
			Use:   "decode <tag>",
			Short: "decode an OCI tag back into a cache key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := tagcodec.New().TagToKey(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			},
		},
	)
	return tag
}
