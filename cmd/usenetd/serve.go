package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/datallboy/usenetd/internal/api"
	"github.com/datallboy/usenetd/internal/app"
	"github.com/datallboy/usenetd/internal/control"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download daemon and its HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := load(true)
	if err != nil {
		return err
	}
	defer log.Close()

	// Cancelled on Ctrl+C or SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewContext(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.Tools.Report(log)
	if err := a.Service.Start(ctx); err != nil {
		return err
	}
	cfg.Watch(ctx, func(err error) {
		log.Error("Config reload rejected, keeping the running config: %v", err)
	})

	e := echo.New()
	api.RegisterRoutes(e, a)
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Current().Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.Service.Done():
		}
		err := a.Service.Shutdown(control.WithSession(context.Background(), control.Internal), 0)

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(err, srv.Shutdown(sctx))
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}
