package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trustagent/mandates/pkg/api"
	"github.com/trustagent/mandates/pkg/auth"
	"github.com/trustagent/mandates/pkg/config"
	"github.com/trustagent/mandates/pkg/metrics"
	"github.com/trustagent/mandates/pkg/observability"
	"github.com/trustagent/mandates/pkg/protocol"
	"github.com/trustagent/mandates/pkg/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Run the mandate API server and lifecycle sweeper",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger, nil)
		},
	}
}

// runServe blocks until ctx is cancelled or a component fails. If ready is
// non-nil it receives the bound listener address once the server accepts
// connections.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready chan<- string) error {
	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	otelCfg.ServiceVersion = version
	otelCfg.Insecure = !cfg.Production
	if cfg.Production {
		otelCfg.Environment = "production"
	}
	tel, err := observability.New(ctx, otelCfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	collector := metrics.New()
	a, err := buildApp(ctx, cfg, logger, protocol.Observers(collector, tel.MandateObserver()))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	authSeed, err := loadOrGenerateSeed(cfg.AuthKeyFile, cfg.Production, logger)
	if err != nil {
		return err
	}
	keys, err := auth.NewEd25519KeySet(authSeed)
	if err != nil {
		return err
	}
	negotiator, err := api.NewVersionNegotiator(protocolVersion, "^1.0")
	if err != nil {
		return err
	}
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	idem := a.idempotency(cfg.IdempotencyTTL)

	srv, err := server.New(server.Options{
		Registry:    a.Registry,
		Validator:   auth.NewJWTValidator(keys),
		Limiter:     limiter,
		Negotiator:  negotiator,
		Telemetry:   tel,
		Metrics:     collector.Handler(),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
		Idempotency: idem,
		Locker:      a.locker,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", cfg.Port))
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweeper := protocol.NewSweeper(a.Registry)
	sweeper.Interval = cfg.SweepInterval

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("mandated listening", "addr", ln.Addr().String(), "version", version, "kid", keys.KID())
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		limiter.RunCleanup(gctx)
		return nil
	})
	g.Go(func() error {
		idem.RunCleanup(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
