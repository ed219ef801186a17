package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/internal/api"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/logging"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the import API over HTTP",
		Long: `Serve the import API.

Endpoints:
  GET  /health
  GET  /metrics
  GET  /api/shopify/legacy-import   preview orders
  POST /api/shopify/legacy-import   import orders as invoices`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = ":" + strconv.Itoa(c.cfg.HTTP.Port)
			}
			return c.serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :<http.port>)")
	return cmd
}

func (c *cli) serve(ctx context.Context, addr string) error {
	a, err := newApp(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := logging.NewLogger("server")
	apiLogger := logging.NewLogger("api")

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewRouter(api.Config{
			Ingester:   a.service,
			Maintainer: a.store,
			Health:     a.health,
			Logger:     &apiLogger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
