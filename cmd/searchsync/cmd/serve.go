package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/searchsync/internal/rebuild"
)

const metricsShutdownTimeout = 5 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled rebuilds and expose Prometheus metrics",
		Long: `Serve runs until interrupted. It rebuilds on rebuild.schedule (a cron
expression) and serves /metrics on metrics.addr. At least one of the two
must be configured.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g)
		},
	}
}

func runServe(ctx context.Context, g *globals) (err error) {
	cfg := g.cfg
	if cfg.Rebuild.Schedule == "" && cfg.Metrics.Addr == "" {
		return errors.New("nothing to serve: set rebuild.schedule or metrics.addr")
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()

	// Everything that can fail is set up before any goroutine starts.
	var sched *rebuild.Scheduler
	if cfg.Rebuild.Schedule != "" {
		if sched, err = rebuild.NewScheduler(cfg.Rebuild.Schedule, a.rebuilds, a.typesFunc()); err != nil {
			return err
		}
	}
	var ln net.Listener
	if cfg.Metrics.Addr != "" {
		if ln, err = net.Listen("tcp", cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Metrics.Addr, err)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	if sched != nil {
		eg.Go(func() error { return sched.Run(ctx) })
	}
	if ln != nil {
		eg.Go(func() error { return serveMetrics(ctx, ln, a.metrics.Handler()) })
	}

	return eg.Wait()
}

// serveMetrics serves /metrics on ln until ctx is done.
func serveMetrics(ctx context.Context, ln net.Listener, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics_listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	slog.Info("metrics_stopped")
	return nil
}
