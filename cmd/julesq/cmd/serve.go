package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ole-vi/prompt-sharing-sub002/internal/api"
	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/observability"
)

const (
	shutdownTimeout     = 30 * time.Second
	eventCleanupEvery   = 10 * time.Minute
	eventStreamIdleTime = time.Hour
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the activation scheduler",
		RunE:  c.runServe,
	}
	cmd.Flags().String("addr", "", "HTTP listen address (default :8080)")
	_ = c.v.BindPFlag("http_addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().Bool("no-scheduler", false, "serve the API without activating due items")
	return cmd
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "julesq", c.cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			c.log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			c.log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	a, err := c.open()
	if err != nil {
		return err
	}
	defer a.Close()

	registerQueueGauge(a.db, c.log)

	if !noScheduler {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	server := api.NewServer(api.Config{
		DB:              a.db,
		Queue:           a.queue,
		Scheduler:       a.scheduler,
		Vault:           a.vault,
		Jules:           a.jules,
		Events:          a.events,
		Metrics:         metricsHandler,
		Logger:          c.log,
		AllowedOrigins:  c.cfg.CORSAllowOrigins,
		DefaultSourceID: c.cfg.DefaultSourceID,
		DefaultBranch:   c.cfg.DefaultBranch,
		SessionRate:     c.cfg.ProviderRate,
		SessionBurst:    c.cfg.ProviderBurst,
	})

	srv := &http.Server{
		Addr:              c.cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Cancelling ctx ends open event streams so Shutdown can drain.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		ticker := time.NewTicker(eventCleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.events.CleanupIdle(eventStreamIdleTime); n > 0 {
					c.log.Debug("dropped idle event streams", "count", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		c.log.Info("julesq API server starting", "addr", c.cfg.HTTPAddr, "database", c.cfg.DatabasePath(), "scheduler", !noScheduler)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	c.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// registerQueueGauge reports item counts per status, queried only on scrape
func registerQueueGauge(database *db.DB, log *slog.Logger) {
	meter := otel.Meter("github.com/ole-vi/prompt-sharing-sub002/cmd/julesq")
	_, err := meter.Int64ObservableGauge("julesq_queue_items",
		metric.WithDescription("Queue items per status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			counts, err := database.CountItemsByStatus(ctx)
			if err != nil {
				log.Warn("failed to count queue items", "error", err)
				return nil
			}
			for status, n := range counts {
				obs.Observe(n, metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}),
	)
	if err != nil {
		log.Warn("failed to register queue gauge", "error", err)
	}
}
