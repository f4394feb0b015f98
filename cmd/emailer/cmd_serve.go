package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zigazaga4/emailer/internal/config"
	"github.com/zigazaga4/emailer/internal/httpapi"
	"github.com/zigazaga4/emailer/internal/logger"
	"github.com/zigazaga4/emailer/internal/providers/factory"
	"github.com/zigazaga4/emailer/internal/runs"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API; SIGHUP reloads provider configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(func(ctx context.Context, a *app, _ []string) error {
				if addr == "" {
					addr = a.cfg.App.HTTPAddr
				}
				return serve(ctx, a, addr)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, defaults to HTTP_ADDR")
	return cmd
}

func serve(ctx context.Context, a *app, addr string) error {
	sweepIfConfigured(ctx, a)

	rt, err := buildRuntime(ctx, a)
	if err != nil {
		return err
	}
	defer rt.Close()

	var current atomic.Pointer[config.Config]
	current.Store(a.cfg)

	health := map[string]httpapi.HealthCheck{"sqlite": a.db.HealthCheck}
	if rt.redis != nil {
		health["redis"] = rt.redis.HealthCheck
	}
	if rt.kafka != nil {
		health["kafka"] = func(context.Context) error {
			if !rt.kafka.IsReady() {
				return errors.New("no reachable brokers")
			}
			return nil
		}
	}

	// Runs outlive the signal context so that shutdown can cancel them
	// cooperatively and still record the final session state.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	planner := runs.NewPlanner(a.contacts, a.validator, a.cfg.Dispatch.Pacing())
	api := httpapi.New(runCtx, httpapi.Deps{
		Ledger:     a.ledger,
		Progress:   rt.tracker,
		Planner:    planner,
		Engine:     rt.engine,
		ConfigView: func() any { return current.Load().Redacted() },
		Health:     health,
		Logger:     a.log,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if rt.mirror != nil {
		g.Go(func() error { return rt.mirror.Run(gctx, rt.tracker) })
	}

	g.Go(func() error {
		a.log.Info().Str("addr", addr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				cfg, err := config.Reload(envFiles...)
				if err != nil {
					a.log.Error().Err(err).Msg("config reload failed, keeping current providers")
					continue
				}
				factory.Reconfigure(gctx, rt.router, cfg.Providers, logger.Component(a.log, "provider"), providerOptions(cfg)...)
				rt.engine.SetSenders(sendersFor(cfg))
				planner.SetDefaultPacing(cfg.Dispatch.Pacing())
				current.Store(cfg)
				a.log.Info().
					Str("email_provider", cfg.Providers.EmailProvider).
					Str("whatsapp_provider", cfg.Providers.WhatsAppProvider).
					Msg("provider configuration reloaded")
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down")
		for _, key := range rt.engine.Active() {
			rt.engine.Cancel(key)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("serve: shutdown: %w", err)
		}
		waitForRuns(shutdownCtx, rt.engine.Active)
		return nil
	})

	return g.Wait()
}

// waitForRuns polls until no run is active or ctx ends.
func waitForRuns(ctx context.Context, active func() []string) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for len(active()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
