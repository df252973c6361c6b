package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/hcx/internal/config"
	"github.com/ehr/hcx/internal/domain/claims"
	"github.com/ehr/hcx/internal/platform/auth"
	"github.com/ehr/hcx/internal/platform/blobstore"
	"github.com/ehr/hcx/internal/platform/correlation"
	"github.com/ehr/hcx/internal/platform/db"
	"github.com/ehr/hcx/internal/platform/envelope"
	"github.com/ehr/hcx/internal/platform/exchange"
	"github.com/ehr/hcx/internal/platform/notify"
	"github.com/ehr/hcx/internal/platform/outbox"
	"github.com/ehr/hcx/internal/platform/protocol"
	"github.com/ehr/hcx/internal/platform/registry"
	"github.com/ehr/hcx/internal/platform/websocket"
)

// app holds the wired components of one stub process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool       *pgxpool.Pool
	redis      *redis.Client
	registry   *registry.Registry
	store      correlation.Store
	outbox     *outbox.Worker
	blobs      blobstore.BlobStore
	hub        *websocket.Hub
	dispatcher *exchange.Dispatcher
	payer      *claims.Payer
	metrics    *prometheus.Registry

	closers []io.Closer
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildRegistry loads PARTICIPANTS_FILE and adds the configured
// counterpart on top of it.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	var reg *registry.Registry
	var err error
	if cfg.ParticipantsFile != "" {
		reg, err = registry.Load(cfg.ParticipantsFile)
	} else {
		reg, err = registry.New()
	}
	if err != nil {
		return nil, err
	}

	if cfg.CounterpartURL != "" {
		role := protocol.RolePayer
		if cfg.Role == protocol.RolePayer {
			role = protocol.RoleProvider
		}
		if err := reg.Add(registry.Participant{
			Code:           cfg.CounterpartCode,
			Role:           role,
			Endpoint:       cfg.CounterpartURL,
			EncryptionCert: cfg.CounterpartCert,
		}); err != nil {
			return nil, fmt.Errorf("counterpart: %w", err)
		}
	}
	if _, err := reg.Lookup(cfg.CounterpartCode); err != nil {
		return nil, fmt.Errorf("counterpart %s is not registered: %w", cfg.CounterpartCode, err)
	}
	return reg, nil
}

// newApp connects storage and sinks and wires the dispatcher. The caller
// owns Close.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: prometheus.NewRegistry()}
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	key := &envelope.PrivateKeyFile{Path: cfg.PrivateKeyPath}
	if _, err := key.PrivateKey(ctx); err != nil {
		return nil, err
	}
	if cfg.PublicCertPath != "" && !envelope.ValidateCertificate(cfg.PublicCertPath) {
		logger.Warn().Str("path", cfg.PublicCertPath).Msg("own certificate is missing or not PEM")
	}

	var err error
	if a.registry, err = buildRegistry(cfg); err != nil {
		return nil, err
	}

	// Storage
	var obStore outbox.Store
	if cfg.DatabaseURL != "" {
		a.pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "hcx-stub-" + cfg.ParticipantCode,
		})
		if err != nil {
			return nil, err
		}
		a.store = correlation.NewPGStore(a.pool)
		obStore = outbox.NewPGStore(a.pool)
		logger.Info().Msg("connected to database")
	} else {
		a.store = correlation.NewMemoryStore()
		obStore = outbox.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, exchanges are kept in memory")
	}

	if cfg.ArchiveDir != "" {
		if a.blobs, err = blobstore.NewDirStore(filepath.Clean(cfg.ArchiveDir)); err != nil {
			return nil, err
		}
	} else {
		a.blobs = blobstore.NewMemoryStore()
	}

	// Notification sinks
	a.hub = websocket.NewHub(logger)
	fanout := notify.NewFanout(logger, cfg.ParticipantCode, a.hub)
	if cfg.RedisURL != "" {
		if a.redis, err = notify.ConnectRedis(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis)
		fanout.Add(notify.NewRedisPublisher(a.redis, cfg.RedisChannel))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(notify.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			ClientID: "hcx-stub-" + cfg.ParticipantCode,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kp)
		fanout.Add(kp)
	}

	// Transport
	tokens, err := auth.NewTokenSource(cfg.TokenConfig())
	if err != nil {
		return nil, err
	}
	transport := exchange.NewTransport(tokens, cfg.OutboundTimeout)

	var d *exchange.Dispatcher
	a.outbox = outbox.NewWorker(obStore, transport, logger,
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithRetryPolicy(outbox.RetryPolicy{
			MaxAttempts: cfg.OutboxMaxAttempts,
			MaxInterval: cfg.OutboxMaxBackoff,
		}),
		outbox.WithDeliveryTimeout(cfg.OutboundTimeout),
		outbox.WithMetrics(outbox.NewMetrics(a.metrics)),
		outbox.WithOnFailed(func(ctx context.Context, m *outbox.Message, err error) {
			d.DeliveryFailed(ctx, m, err)
		}),
	)

	opts := []exchange.Option{
		exchange.WithPublisher(fanout),
		exchange.WithArchiver(blobstore.NewArchiver(a.blobs)),
		exchange.WithMetrics(exchange.NewMetrics(a.metrics)),
		exchange.WithOutbox(a.outbox),
	}
	switch cfg.Role {
	case protocol.RolePayer:
		a.payer = claims.NewPayer(claims.DefaultCatalog(), cfg.ParticipantCode, logger)
		opts = append(opts, a.payer.Options()...)
	case protocol.RoleProvider:
		opts = append(opts, claims.NewProvider(cfg.ParticipantCode, logger).Options()...)
	}

	d = exchange.NewDispatcher(exchange.Config{
		Role:              cfg.ProtocolRole(),
		MatchWindow:       cfg.MatchWindow,
		ProcessingTimeout: cfg.ProcessingTimeout,
	}, a.store, key, a.registry, transport, logger, opts...)
	a.dispatcher = d

	ok = true
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
