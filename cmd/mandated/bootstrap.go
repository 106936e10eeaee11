package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustagent/mandates/pkg/api"
	"github.com/trustagent/mandates/pkg/config"
	"github.com/trustagent/mandates/pkg/crypto"
	"github.com/trustagent/mandates/pkg/lock"
	"github.com/trustagent/mandates/pkg/mandate"
	"github.com/trustagent/mandates/pkg/protocol"
	"github.com/trustagent/mandates/pkg/risk"
	"github.com/trustagent/mandates/pkg/store"
)

// loadOrGenerateSeed reads a hex seed from path. Outside production a
// missing file is created with a fresh random seed.
func loadOrGenerateSeed(path string, production bool, logger *slog.Logger) ([]byte, error) {
	seed, err := crypto.LoadOrGenerateSeed(path, !production)
	if err != nil {
		return nil, err
	}
	logger.Debug("seed ready", "path", path)
	return seed, nil
}

// app holds everything built from configuration that needs closing.
type app struct {
	Registry *protocol.Registry
	store    store.Store
	locker   lock.Locker
	redis    *redis.Client
}

func (rt *app) Close() error {
	var errs []error
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}

// buildApp opens the store, builds the signer, scorer and registry, and
// loads persisted mandates.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, observer protocol.Observer) (*app, error) {
	seed, err := loadOrGenerateSeed(cfg.SigningSeedFile, cfg.Production, logger)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.NewKeyring(seed)
	if err != nil {
		return nil, err
	}
	signer, err := crypto.NewService(cfg.SigningAlgorithm, keys)
	if err != nil {
		return nil, err
	}

	policy := risk.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if policy, err = risk.LoadPolicy(cfg.PolicyFile); err != nil {
			return nil, err
		}
		logger.Info("loaded risk policy", "path", cfg.PolicyFile)
	}
	scorer, err := risk.NewScorer(policy)
	if err != nil {
		return nil, err
	}

	factory := mandate.NewFactory(signer, scorer)
	factory.TTL = cfg.MandateTTL

	if cfg.Lite() {
		logger.Info("lite mode: using sqlite", "path", config.LiteStorePath)
	}
	st, err := store.Open(ctx, cfg.EffectiveStoreURL(), store.Options{
		AWSRegion:  cfg.AWSRegion,
		S3Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &app{store: st, locker: lock.NewKeyedMutex()}

	opts := []protocol.Option{
		protocol.WithLogger(logger),
		protocol.WithObserver(observer),
	}
	if cfg.RedisAddr != "" {
		rdb, err := lock.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.redis = rdb
		rt.locker = lock.NewRedisLocker(rdb)
		logger.Info("distributed mandate locks enabled", "redis", cfg.RedisAddr)
	}

	opts = append(opts, protocol.WithLocker(rt.locker))
	rt.Registry = protocol.New(factory, st, opts...)
	n, err := rt.Registry.Load(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("load mandates: %w", err)
	}
	logger.Info("mandates loaded", "count", n, "algorithm", signer.Algorithm())
	return rt, nil
}

type cleaningIdempotencyStore interface {
	api.IdempotencyStore
	RunCleanup(ctx context.Context)
}

// idempotency shares the mandate database when there is one, so replays
// survive restarts alongside the mandates they created.
func (rt *app) idempotency(ttl time.Duration) cleaningIdempotencyStore {
	if sqlStore, ok := rt.store.(*store.SQLStore); ok {
		return sqlStore.Idempotency(ttl)
	}
	return api.NewMemoryIdempotencyStore(ttl)
}
