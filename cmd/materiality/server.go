package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/kalambet/materiality/internal/api"
	"github.com/kalambet/materiality/internal/classifier"
	"github.com/kalambet/materiality/internal/config"
	"github.com/kalambet/materiality/internal/feedback"
	"github.com/kalambet/materiality/internal/logger"
	"github.com/kalambet/materiality/internal/metrics"
	"github.com/kalambet/materiality/internal/prediction"
	"github.com/kalambet/materiality/internal/reconcile"
	"github.com/kalambet/materiality/internal/registry"
	"github.com/kalambet/materiality/internal/retrain"
	"github.com/kalambet/materiality/internal/schedule"
	"github.com/kalambet/materiality/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// app is the wired service graph shared by start, mcp and backup.
type app struct {
	store        *storage.Store
	registry     *registry.Registry
	feedback     *feedback.Store
	predictions  *prediction.Service
	orchestrator *retrain.Orchestrator
	reconciler   *reconcile.Worker
	backups      *schedule.Backups
}

func openApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	trainer := classifier.NewLogisticTrainer(classifier.Options{
		Epochs:       cfg.Classifier.Epochs,
		LearningRate: cfg.Classifier.LearningRate,
	})
	reg := registry.New(store, trainer, log.Named("registry"))
	if err := reg.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if v, err := reg.Active(); err == nil {
		metrics.SetActiveVersion(v.VersionID, v.Accuracy)
	}

	fb := feedback.NewStore(store, log.Named("feedback"))
	orch := retrain.New(retrain.Config{
		Threshold:   cfg.Retrain.Threshold,
		Timeout:     cfg.RetrainTimeout(),
		MarkRetries: cfg.Retrain.MarkRetries,
	}, fb, reg, trainer, store, log.Named("retrain"))

	return &app{
		store:        store,
		registry:     reg,
		feedback:     fb,
		predictions:  prediction.NewService(reg, store, log.Named("prediction")),
		orchestrator: orch,
		reconciler:   reconcile.NewWorker(store, orch, 0, log.Named("reconcile")),
		backups: schedule.NewBackups(store, filepath.Join(cfg.Storage.DataDir, "backups"),
			cfg.Storage.BackupKeep, log.Named("backups")),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, log, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "materiality version %s\n", version)

	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	apiToken, err := config.GetAPIToken(config.NewSecretsFile())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	log.Info("API bearer token available")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	handler := api.NewAppHandler(api.AppDeps{
		Predictions: a.predictions,
		Feedback:    a.feedback,
		Versions:    a.registry,
		Retrain:     a.orchestrator,
		Reconcile:   a.reconciler,
		DB:          a.store,
		Logger:      log.Named("api"),
		Token:       apiToken,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Drain jobs left by a partial retrain before the previous shutdown.
	go a.reconciler.Run(ctx)

	if err := a.backups.Start(ctx, cfg.Storage.BackupSchedule); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "materiality listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.reconciler.Run(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Predictions: a.predictions,
		Feedback:    a.feedback,
		Versions:    a.registry,
		Retrain:     a.orchestrator,
		Logger:      log.Named("mcp"),
	})
	log.Info("MCP server started (stdio transport)")

	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
