package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperengineering/waypoint/internal/config"
	"github.com/hyperengineering/waypoint/internal/snapshot"
	"github.com/hyperengineering/waypoint/pkg/waypoint"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	dbPathOverride string
	jsonOutput     bool
)

var rootCmd = &cobra.Command{
	Use:          "waypoint",
	Short:        "Waypoint - offline-first cache and mutation outbox",
	SilenceUsage: true,
	RunE:         run,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API, sync engine and background workers",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Database path (overrides config and WAYPOINT_DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(statsCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logOut, closeLog := logOutput(os.Stdout, cfg.Log)
	defer closeLog()
	slog.SetDefault(newLogger(logOut, cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format, "file", cfg.Log.File)

	// 4. Backup uploader (no-op without a bucket)
	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	// 5. Open the local store and wire components
	wcfg := clientConfig(cfg)
	if cfg.BackupUploadEnabled() {
		wcfg.BackupInterval = time.Duration(cfg.Backup.Interval)
		wcfg.Uploader = uploader
	}
	client, err := waypoint.Open(ctx, wcfg)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path, "client_id", client.ClientID())

	// 6. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      client.Handler(cfg.Auth.APIKey, Version),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}
	if cfg.Auth.APIKey == "" {
		slog.Warn("local API key not set, API is unauthenticated", "address", addr)
	}

	g, gctx := errgroup.WithContext(ctx)

	// 7. Background workers: sync engine, prober, eviction, backup
	if err := client.Start(gctx); err != nil {
		client.Close()
		return err
	}

	// 8. HTTP server
	g.Go(func() error {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 9. Graceful shutdown once a signal arrives or the server fails
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown initiated")

		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout))
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})

	runErr := g.Wait()

	if err := client.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return runErr
}

// loadConfig loads configuration and applies the --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPathOverride != "" {
		cfg.Database.Path = dbPathOverride
	}
	return cfg, nil
}

// clientConfig maps file configuration onto the embeddable client.
// Periodic backups are left to serve.
func clientConfig(cfg *config.Config) waypoint.Config {
	return waypoint.Config{
		LocalPath:        cfg.Database.Path,
		RemoteURL:        cfg.Remote.BaseURL,
		HealthURL:        cfg.Remote.HealthURL,
		APIKey:           cfg.Remote.APIKey,
		Timeout:          time.Duration(cfg.Remote.Timeout),
		StartOnline:      cfg.Sync.StartOnline,
		ProbeInterval:    time.Duration(cfg.Sync.ProbeInterval),
		ClaimLease:       time.Duration(cfg.Sync.ClaimLease),
		CacheTTL:         time.Duration(cfg.Cache.TTL),
		EvictionInterval: time.Duration(cfg.Cache.EvictionInterval),
		ClientID:         cfg.Backup.ClientID,
		BackupPath:       cfg.Backup.Path,
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// logOutput tees w into a size-rotated file when cfg.File is set.
func logOutput(w io.Writer, cfg config.LogConfig) (io.Writer, func()) {
	if cfg.File == "" {
		return w, func() {}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return io.MultiWriter(w, rotator), func() { _ = rotator.Close() }
}

// openClient opens the local store for a one-shot command. Background
// workers are not started and library logging goes to stderr.
func openClient(cmd *cobra.Command) (*waypoint.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), config.LogConfig{Level: "warn", Format: cfg.Log.Format}))

	client, err := waypoint.Open(cmd.Context(), clientConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}
