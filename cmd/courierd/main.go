// Command courierd runs a courier node.
//
// Usage:
//
//	courierd -config courier.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradle/mycloud-sub005/internal/config"
	"github.com/tradle/mycloud-sub005/internal/friends"
	"github.com/tradle/mycloud-sub005/internal/metrics"
	"github.com/tradle/mycloud-sub005/internal/push"
	"github.com/tradle/mycloud-sub005/internal/seals"
	"github.com/tradle/mycloud-sub005/internal/sender"
	"github.com/tradle/mycloud-sub005/internal/server"
	"github.com/tradle/mycloud-sub005/internal/storage"
	"github.com/tradle/mycloud-sub005/internal/storage/memory"
	"github.com/tradle/mycloud-sub005/internal/storage/mongodb"
	"github.com/tradle/mycloud-sub005/internal/storage/postgres"
	"github.com/tradle/mycloud-sub005/internal/tasks"
	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/discovery"
	"github.com/tradle/mycloud-sub005/pkg/engine"
	"github.com/tradle/mycloud-sub005/pkg/identity"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

func main() {
	configPath := flag.String("config", "courier.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Courier node failed", zap.Error(err))
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		return memory.NewStore(), nil
	default:
		return mongodb.NewStore(ctx, &mongodb.Config{
			URI:            cfg.Storage.MongoDB.URI,
			Database:       cfg.Storage.MongoDB.Database,
			GridFSBucket:   cfg.Storage.MongoDB.GridFS.BucketName,
			ChunkSizeBytes: int32(cfg.Storage.MongoDB.GridFS.ChunkSizeBytes),
		})
	}
}

// readiness pings every backend the node depends on
type readiness []server.Pinger

func (r readiness) Ping(ctx context.Context) error {
	for _, p := range r {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := openStore(connectCtx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close(context.Background())
	ready := readiness{store}

	var ledgerBackend ledger.Backend = store
	if cfg.Storage.Ledger == config.StoragePostgres {
		pg, err := postgres.NewLedger(connectCtx, cfg.Storage.Postgres.URL, cfg.Storage.Postgres.MaxConns)
		if err != nil {
			return fmt.Errorf("opening postgres ledger: %w", err)
		}
		defer pg.Close()
		ledgerBackend = pg
		ready = append(ready, pg)
		logger.Info("Ledger stored in PostgreSQL")
	}

	// Sessions stay local without Redis
	var (
		registry    transport.Registry = transport.NewLocalRegistry()
		relay       *transport.RedisRelay
		redisClient *redis.Client
	)
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(connectCtx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		relay = transport.NewRedisRelay(redisClient, cfg.Server.NodeID, logger)
		registry = relay
		ready = append(ready, redisPinger{redisClient})
	}

	// Identities and friends
	https := transport.NewHTTPSClient(&transport.HTTPSConfig{
		MinTLSVersion:   transport.TLS12,
		MaxTLSVersion:   transport.TLS13,
		Timeout:         cfg.Delivery.Timeout,
		IdleConnTimeout: 90 * time.Second,
		CompressAbove:   cfg.Delivery.CompressAbove,
	})
	dirOpts := []friends.Option{
		friends.WithDiscovery(discovery.NewResolver(discovery.Config{
			DNSServer:    cfg.Discovery.DNSServer,
			RecordPrefix: cfg.Discovery.RecordPrefix,
			AllowHTTP:    cfg.Discovery.AllowHTTP,
		}), https),
	}
	if redisClient != nil {
		dirOpts = append(dirOpts, friends.WithCache(friends.NewRedisCache(redisClient, cfg.Redis.IdentityTTL)))
	}
	directory := friends.NewDirectory(store, store, logger, dirOpts...)

	// Node identity
	priv, generated, err := identity.LoadOrGenerate(cfg.Signing.KeyFile)
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}
	if generated {
		logger.Info("Generated node key", zap.String("path", cfg.Signing.KeyFile))
	}
	ring := identity.NewKeyRing(directory)
	ident, err := ring.CreateIdentity(priv)
	if err != nil {
		return fmt.Errorf("creating node identity: %w", err)
	}
	if _, err := directory.AddContact(ctx, ident); err != nil {
		return fmt.Errorf("registering node identity: %w", err)
	}
	me := ident.Meta().Permalink
	logger = logger.With(zap.String("node", cfg.Server.NodeID))
	logger.Info("Node identity ready", zap.String("identity", me))

	// Delivery
	hubCfg := transport.DefaultHubConfig(cfg.Server.NodeID)
	hubCfg.ReadLimit = cfg.Server.MaxBodyBytes
	hub := transport.NewHub(hubCfg, registry, logger)
	defer hub.Close()
	metrics.RegisterLiveSessions(hub.Connected)

	dispatcher := delivery.NewDispatcher(hub, https, store, &delivery.Config{
		MaxAttempts:     cfg.Delivery.MaxAttempts,
		InitialBackoff:  cfg.Delivery.InitialBackoff,
		MaxBackoff:      cfg.Delivery.MaxBackoff,
		BackoffMultiple: cfg.Delivery.BackoffMultiple,
	}, logger)

	// Engine
	registryOfTasks := tasks.NewRegistry(logger)
	engCfg := engine.DefaultConfig(me)
	engCfg.Network = engine.Network{Name: cfg.Network.Name, Blockchain: cfg.Network.Blockchain}
	engCfg.NoTimeTravel = cfg.Messaging.NoTimeTravel
	engCfg.ValidateVersions = cfg.Messaging.ValidateVersions
	engCfg.MaxQueueAttempts = cfg.Messaging.MaxQueueAttempts
	if len(cfg.Messaging.ForbiddenInbound) > 0 {
		engCfg.ForbiddenInbound = cfg.Messaging.ForbiddenInbound
	}
	if len(cfg.Messaging.UnindexedTypes) > 0 {
		engCfg.Unindexed = cfg.Messaging.UnindexedTypes
	}

	watcher := seals.NewWatcher(store, logger)
	deps := engine.Deps{
		Signer:   ring,
		Content:  content.NewStore(store, logger),
		Ledger:   ledger.New(ledgerBackend, logger),
		Delivery: dispatcher,
		Sessions: hub,
		Friends:  directory,
		Contacts: directory,
		Seals:    watcher,
		Tasks:    registryOfTasks,
	}
	if cfg.Push.ServerURL != "" {
		pushClient, err := push.NewClient(push.Config{ServerURL: cfg.Push.ServerURL, Timeout: cfg.Push.Timeout}, logger)
		if err != nil {
			return err
		}
		deps.Push = pushClient
	}
	eng, err := engine.New(engCfg, deps, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	if deps.Push != nil {
		if err := eng.RegisterWithPushNotificationsServer(connectCtx); err != nil {
			logger.Warn("Push registration failed", zap.Error(err))
		}
	}

	// HTTP
	srv, err := server.New(cfg, server.Deps{
		Engine:     eng,
		Deliveries: dispatcher,
		Friends:    directory,
		Seals:      watcher,
		Live:       hub,
		Health:     ready,
		Identity:   ident,
	}, logger)
	if err != nil {
		return err
	}
	hub.OnInbound(srv.HandleLive)
	hub.OnConnect(func(ctx context.Context, sess *transport.Session) {
		if _, err := eng.ResumeDelivery(ctx, sess.Identity); err != nil {
			logger.Warn("Resume on connect failed", zap.String("identity", sess.Identity), zap.Error(err))
		}
	})

	if relay != nil {
		go func() {
			if err := relay.Run(ctx, hub.SendLocal); err != nil && ctx.Err() == nil {
				logger.Error("Session relay stopped", zap.Error(err))
			}
		}()
	}

	resender := sender.NewSender(dispatcher, eng, &sender.Config{
		PollInterval: cfg.Sender.PollInterval,
		BatchSize:    cfg.Sender.BatchSize,
		Workers:      cfg.Sender.Workers,
	}, logger)
	resender.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	resender.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	if err := registryOfTasks.Drain(shutdownCtx); err != nil {
		logger.Warn("Background tasks abandoned", zap.Int("pending", registryOfTasks.Pending()), zap.Error(err))
	}
	logger.Info("Stopped")
	return nil
}
