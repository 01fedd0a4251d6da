// Package main runs the shelfsync daemon: it opens the local store, connects
// the configured remote and keeps the collection in sync until signalled.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shelfsync/internal/api"
	"github.com/kimhsiao/shelfsync/internal/config"
	"github.com/kimhsiao/shelfsync/internal/db"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/sync"
	"github.com/kimhsiao/shelfsync/internal/sync/s3"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

// rootOptions holds the daemon flags. Flags win over file and environment.
type rootOptions struct {
	ConfigPath string
	EnvFile    string
	DataDir    string
	LogLevel   string
	Listen     string

	// onReady is called with the status API address once serving. Tests only.
	onReady func(addr string)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "shelfsync",
		Short: "Offline-first sync daemon for a personal collection",
		Long: `Run the shelfsync daemon.

The daemon keeps the local collection snapshot in sync with a single remote
document on S3-compatible storage. Configuration is read from a YAML file,
an optional .env file and SHELFSYNC_* environment variables.

Example:
  shelfsync --config ./shelfsync.yaml
  shelfsync --env-file ./prod.env --listen 127.0.0.1:9090`,
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.EnvFile, "env-file", "", "path to .env file (default ./.env when present)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "override the data directory")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "override the log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "override the status API address; \"off\" disables it")

	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "shelfsync:", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration from all sources and validates it.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	switch opts.Listen {
	case "":
	case "off":
		cfg.API.Listen = ""
	default:
		cfg.API.Listen = opts.Listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildRemote returns the remote store selected by cfg.
func buildRemote(cfg *config.Config, log *logging.Logger) (sync.RemoteStore, error) {
	if cfg.IsMemoryRemote() {
		log.Warn("Using in-memory remote; remote data is lost on exit")
		return sync.NewMemoryRemote(), nil
	}
	s3cfg, err := cfg.S3()
	if err != nil {
		return nil, err
	}
	return s3.New(s3cfg, sync.WithS3Logger(log.With(map[string]interface{}{"component": "s3"})))
}

func run(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log, err := logging.Setup(cfg.LogOptions())
	if err != nil {
		return err
	}
	defer log.Close()

	log.Info("Starting shelfsync", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
		"provider": cfg.Remote.Provider,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	remote, err := buildRemote(cfg, log)
	if err != nil {
		return err
	}

	engine := sync.NewSyncEngine(database.KV(cfg.Storage.QuotaBytes), remote, cfg.Engine(),
		sync.WithLogger(log.With(map[string]interface{}{"component": "sync"})))
	defer engine.Close()

	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize sync engine: %w", err)
	}

	errCh := make(chan error, 1)
	var httpServer *http.Server
	if cfg.API.Listen != "" {
		apiServer := api.NewServer(engine, Version, log.With(map[string]interface{}{"component": "api"}))
		defer apiServer.Close()

		ln, err := net.Listen("tcp", cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.API.Listen, err)
		}
		httpServer = &http.Server{
			Handler:           apiServer.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		addr := ln.Addr().String()
		log.Info("Status API listening", map[string]interface{}{"addr": addr})
		if opts.onReady != nil {
			opts.onReady(addr)
		}
	} else if opts.onReady != nil {
		opts.onReady("")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-errCh:
		log.Error("Status API failed", runErr)
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Status API shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("Shelfsync stopped")
	return runErr
}
