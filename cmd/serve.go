package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/delivery"
	"github.com/cis-datafabric/sensor-ingest/internal/handlers"
	"github.com/cis-datafabric/sensor-ingest/internal/httputil"
	"github.com/cis-datafabric/sensor-ingest/internal/ratelimit"
	"github.com/cis-datafabric/sensor-ingest/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP ingestion service",
	Long: `Serves POST /ingest into the relational sink and, when push is enabled,
POST /pubsub/push into the analytical sink. Also exposes /healthz, /readyz and
/metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting ingestion service",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"push_enabled", cfg.Server.PushEnabled,
		"analytical_backend", cfg.Analytical.Backend,
	)

	relational, err := openRelational(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer relational.Close()

	deps := map[string]handlers.Pinger{relational.Name(): relational}
	assembler := batch.NewAssembler(nil)
	opts := []delivery.Option{
		delivery.WithLogger(logger),
		delivery.WithPayloadLogging(cfg.Logging.LogPayloads),
	}

	var push *delivery.Controller
	if cfg.Server.PushEnabled {
		analytical, err := openAnalytical(ctx, cfg)
		if err != nil {
			return err
		}
		defer analytical.Close()
		deps[analytical.Name()] = analytical
		push = delivery.New(analytical, assembler, append(opts, delivery.WithTransport("push"))...)
	}

	limiter := newRateLimiter(ctx)
	defer limiter.Close()

	ingest := handlers.NewIngestHandler(
		delivery.New(relational, assembler, append(opts, delivery.WithTransport("http"))...),
		push,
		limiter,
		cfg.Ingestion.MaxBodyBytes,
		logger,
	)
	trusted, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	ingest.TrustProxies(trusted)
	health := handlers.NewHealthHandler(deps)

	srv := server.New(cfg.Server, server.NewRouter(ingest, health, cfg.Server.PushEnabled))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Ingestion service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// newRateLimiter returns the Redis limiter when enabled. A Redis outage at
// start-up disables rate limiting instead of failing the service.
func newRateLimiter(ctx context.Context) ratelimit.RateLimiter {
	if !cfg.Ingestion.RateLimitEnabled {
		logger.Info("Rate limiting disabled in configuration")
		return &ratelimit.NoOpRateLimiter{}
	}

	limiter, err := ratelimit.NewRedisRateLimiter(ctx,
		cfg.Redis.URL,
		cfg.Ingestion.RateLimitRequests,
		cfg.Ingestion.RateLimitWindow,
	)
	if err != nil {
		logger.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting", "error", err)
		return &ratelimit.NoOpRateLimiter{}
	}

	logger.Info("Rate limiting enabled",
		"requests", cfg.Ingestion.RateLimitRequests,
		"window", cfg.Ingestion.RateLimitWindow.String(),
	)
	return limiter
}
