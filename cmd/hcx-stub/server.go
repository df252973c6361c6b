package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/hcx/internal/config"
	"github.com/ehr/hcx/internal/domain/claims"
	"github.com/ehr/hcx/internal/platform/auth"
	"github.com/ehr/hcx/internal/platform/blobstore"
	"github.com/ehr/hcx/internal/platform/db"
	"github.com/ehr/hcx/internal/platform/exchange"
	"github.com/ehr/hcx/internal/platform/middleware"
	"github.com/ehr/hcx/internal/platform/notify"
	"github.com/ehr/hcx/internal/platform/outbox"
	"github.com/ehr/hcx/internal/platform/websocket"
)

// newServer builds the echo instance for a wired app.
func newServer(ctx context.Context, a *app) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))

	if vc, ok := a.cfg.VerifierConfig(); ok {
		v, err := auth.NewVerifier(ctx, vc)
		if err != nil {
			return nil, err
		}
		e.Use(v.Middleware())
	} else {
		a.logger.Warn().Str("auth_mode", a.cfg.AuthMode).Msg("inbound requests are not authenticated")
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":      "ok",
			"role":        a.cfg.Role,
			"participant": a.cfg.ParticipantCode,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{})))

	websocket.NewHandler(a.hub).RegisterRoutes(e)
	exchange.NewProtocolHandler(a.dispatcher).RegisterRoutes(e)

	api := e.Group("/api/v1")
	exchange.NewAdminHandler(a.dispatcher, a.store).RegisterRoutes(api)
	outbox.NewHandler(a.outbox).RegisterRoutes(api)
	blobstore.NewBlobHandler(a.blobs).RegisterRoutes(api)
	if a.payer != nil {
		claims.NewHandler(a.payer).RegisterRoutes(api)
	}
	api.GET("/participants", func(c echo.Context) error {
		return c.JSON(http.StatusOK, a.registry.List())
	})

	return e, nil
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate && a.pool != nil {
		count, err := db.NewEmbeddedMigrator(a.pool).Up(ctx, db.DefaultSchema)
		if err != nil {
			return err
		}
		logger.Info().Int("applied", count).Msg("migrations applied")
	}

	e, err := newServer(ctx, a)
	if err != nil {
		return err
	}

	// The outbox outlives gctx so callbacks queued while draining are sent.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.outbox.Run(workerCtx)
	})
	if a.redis != nil {
		g.Go(func() error {
			return notify.Relay(gctx, a.redis, cfg.RedisChannel, cfg.ParticipantCode, a.hub, logger)
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("role", cfg.Role).
			Str("participant", cfg.ParticipantCode).
			Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return drain(sctx, logger, e, a.dispatcher, stopWorker)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// drain stops the server, waits for the dispatcher's continuations and
// only then stops the background workers.
func drain(ctx context.Context, logger zerolog.Logger, server, dispatcher shutdowner, stopWorkers context.CancelFunc) error {
	defer stopWorkers()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	return dispatcher.Shutdown(ctx)
}
