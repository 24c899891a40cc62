package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/live/backend"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-relay/pkg/gateway/server"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

const httpShutdownTimeout = 5 * time.Second

type storeOpener func(ctx context.Context, cfg config.Config) (store.Store, error)

type runnerFactory func(ctx context.Context, cfg config.Config, st store.Store, logger *slog.Logger, m *metrics.Metrics) (backend.Runner, error)

type migrator interface {
	Migrate(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return store.NewMemory(), nil
	case config.StorePostgres:
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}

func newGeminiRunner(ctx context.Context, cfg config.Config, st store.Store, logger *slog.Logger, m *metrics.Metrics) (backend.Runner, error) {
	if err := cfg.ValidateBackend(); err != nil {
		return nil, err
	}
	return backend.NewGeminiRunner(ctx, backend.GeminiConfig{
		APIKey:      cfg.Google.APIKey,
		UseVertexAI: cfg.Google.UseVertexAI,
		Project:     cfg.Google.Project,
		Location:    cfg.Google.Location,
	}, st, backend.WithLogger(logger), backend.WithMetrics(m))
}

type serveOptions struct {
	migrate bool
}

func newServeCmd(stderr io.Writer, deps relayDeps) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), stderr, deps, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "apply schema migrations before serving (postgres store)")
	return cmd
}

// buildHTTPServer leaves ReadTimeout and WriteTimeout unset. Relays are
// long-lived and bound their own writes.
func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, stderr io.Writer, deps relayDeps, opts serveOptions) error {
	if deps.loadConfig == nil || deps.openStore == nil || deps.newRunner == nil {
		return errors.New("missing serve dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogLevel)

	st, err := deps.openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	if opts.migrate {
		m, ok := st.(migrator)
		if !ok {
			return fmt.Errorf("--migrate needs the postgres store, got %q", cfg.Store)
		}
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	m := metrics.New("")
	runner, err := deps.newRunner(ctx, cfg, st, logger, m)
	if err != nil {
		return fmt.Errorf("live backend: %w", err)
	}

	gw := gatewayserver.New(cfg, gatewayserver.Dependencies{
		Store:   st,
		Runner:  runner,
		Metrics: m,
		Logger:  logger,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting relay", "addr", cfg.Addr, "store", cfg.Store, "model", cfg.Model)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	if err := shutdown(logger, gw, httpSrv, cfg.ShutdownGracePeriod); err != nil {
		return err
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}

// shutdown drains relays for up to grace, cancels the rest, then stops the
// HTTP server. New relay requests get 503 while draining.
func shutdown(logger *slog.Logger, gw *gatewayserver.Server, httpSrv *http.Server, grace time.Duration) error {
	drainCtx, drainCancel := context.WithTimeout(context.Background(), grace)
	defer drainCancel()
	logger.Info("draining relays", "active", gw.ActiveRelays(), "grace", grace)
	if canceled := gw.Drain(drainCtx); canceled > 0 {
		logger.Warn("relays canceled at shutdown", "canceled", canceled)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
