package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"isotope/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx, opts, os.Stderr, os.Getenv)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.cfg.Addr = addr
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

// serve runs the HTTP server until ctx ends, then shuts it down gracefully.
// Canceling the base context ends running generations like a timeout.
func serve(ctx context.Context, a *app) error {
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	mux := httpapi.NewMux(a.coord, httpapi.Options{
		BaseContext:     base,
		Logger:          a.log.With().Str("component", "http").Logger(),
		MaxBodyBytes:    a.cfg.MaxBodyBytes,
		DefaultLogLevel: "info",
		CORS: httpapi.CORSOptions{
			Enabled:        a.cfg.CORSEnabled,
			AllowedOrigins: a.cfg.CORSAllowedOrigins,
		},
	})
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.Addr).Str("data_dir", a.cfg.DataDir).Str("model", a.coord.SelectedModel()).Msg("isotope listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down")
		cancelBase()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
