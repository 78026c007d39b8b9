package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"rcs-ft-upload/internal/db"
	"rcs-ft-upload/internal/server"
)

const (
	shutdownTimeout = 5 * time.Second

	// Backends open their breaker after this many consecutive failures.
	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "backend",
	Short:         "RCS file-transfer upload service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept uploads and sweep expired files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single retention sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment (ignored when missing)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// backends are the optional hooks built from the configuration.
type backends struct {
	storeHooks []server.StoreHook
	sweepHooks []server.SweepHook
	checks     []server.HealthChecker
	closers    []func() error
}

func (b *backends) add(backend server.Backend, log *server.Logger) {
	g := server.Guard(backend, breakerFailures, breakerCooldown, log)
	b.storeHooks = append(b.storeHooks, g)
	b.sweepHooks = append(b.sweepHooks, g)
	b.checks = append(b.checks, g)
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg server.Config, fs afero.Fs, log *server.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		conn, err := server.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		b.closers = append(b.closers, conn.Close)

		log.Info("running_migrations", nil)
		if err := db.RunMigrations(conn); err != nil {
			b.close()
			return nil, err
		}
		log.Info("migrations_complete", nil)
		b.add(server.NewLedger(conn), log)
	}

	if cfg.S3.Enabled() {
		mirror, err := server.NewMirror(ctx, cfg.S3, fs)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("mirror: %w", err)
		}
		log.Info("mirror_enabled", map[string]any{"bucket": cfg.S3.Bucket})
		b.add(mirror, log)
	}

	if cfg.NATSURL != "" {
		events, err := server.ConnectEvents(cfg.NATSURL, log)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, events.Close)
		b.add(events, log)
	}

	if cfg.Webhook.URL != "" {
		log.Info("webhook_enabled", map[string]any{"url": cfg.Webhook.URL, "signed": cfg.Webhook.Secret != ""})
		b.add(server.NewWebhook(cfg.Webhook), log)
	}

	return b, nil
}

func runServe(ctx context.Context) error {
	log := server.NewLoggerFromEnv().With("backend")

	cfg, err := server.LoadConfig(configFile, envFile)
	if err != nil {
		log.Error("config_invalid", nil, err)
		return err
	}

	fs := afero.NewOsFs()
	metrics := server.NewMetrics()

	b, err := openBackends(ctx, cfg, fs, log)
	if err != nil {
		log.Error("backend_init_failed", nil, err)
		return err
	}
	defer b.close()

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	sweeper := server.NewRetentionSweeper(cfg.Upload.TempPath, fs, cfg.Sweep, log, metrics, b.sweepHooks...)
	sweeper.Start(sweepCtx)

	srv := server.New(cfg, server.Deps{
		Fs:         fs,
		Log:        log,
		Metrics:    metrics,
		StoreHooks: b.storeHooks,
		Checks:     b.checks,
	})

	// Serve in the background so the main goroutine can wait for signals.
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting", map[string]any{
			"addr":       cfg.Addr,
			"files_addr": cfg.FilesAddr,
			"tmp_path":   cfg.Upload.TempPath,
			"max_size":   humanize.IBytes(uint64(cfg.Upload.MaxFileSizeBytes())),
			"validity":   cfg.Upload.ValidityPeriod.String(),
			"version":    cfg.Build.Version,
			"commit":     cfg.Build.Commit,
		})
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("shutting_down", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server_error", nil, err)
			stopSweeps()
			sweeper.Wait()
			return err
		}
	}

	sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown_error", nil, err)
		return err
	}
	stopSweeps()
	sweeper.Wait()

	log.Info("shutdown_complete", nil)
	return nil
}

func runSweep(ctx context.Context, out io.Writer) error {
	log := server.NewLoggerFromEnv().With("backend")

	cfg, err := server.LoadConfig(configFile, envFile)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	b, err := openBackends(ctx, cfg, fs, log)
	if err != nil {
		return err
	}
	defer b.close()

	sweeper := server.NewRetentionSweeper(cfg.Upload.TempPath, fs, cfg.Sweep, log, server.NewMetrics(), b.sweepHooks...)
	res, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	printSweepResult(out, res)
	return nil
}

func printSweepResult(out io.Writer, res server.SweepResult) {
	fmt.Fprintf(out, "scanned=%d deleted=%d failed=%d duration=%s\n",
		res.Scanned, res.Deleted, res.Failed, res.Duration.Round(time.Millisecond))
}
