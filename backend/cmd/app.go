package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/chat-realtime/backend/auth"
	"github.com/adwski/chat-realtime/backend/config"
	httpServer "github.com/adwski/chat-realtime/backend/server/http"
	websocketServer "github.com/adwski/chat-realtime/backend/server/websocket"
	"github.com/adwski/chat-realtime/backend/service"
	"github.com/adwski/chat-realtime/backend/storage/files"
	"github.com/adwski/chat-realtime/backend/storage/kv"
	"github.com/adwski/chat-realtime/backend/storage/memory"
	"github.com/adwski/chat-realtime/backend/storage/redis"
	sw "github.com/adwski/chat-realtime/backend/switch"
	"github.com/adwski/chat-realtime/backend/transfer"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type presenceStore interface {
	service.Presence
	httpServer.PresenceReader
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With().Str("node", nodeID).Logger()

	db, err := badger.Open(badger.DefaultOptions(cfg.BadgerPath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open badger")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close badger")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	records := kv.NewStore(kv.Config{DB: db, Logger: &logger, HistoryLimit: cfg.HistoryLimit})
	if cfg.SeedFile != "" {
		fixture, err := kv.LoadFixture(cfg.SeedFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load seed")
		}
		if err = records.Seed(ctx, fixture); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply seed")
		}
	}

	artifacts, err := files.NewStore(files.Config{Logger: &logger, Dir: cfg.UploadDir})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init upload store")
	}

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)

		presence presenceStore
		swCfg    = sw.Config{Logger: &logger, NodeID: nodeID}
		bus      *redis.Bus
	)
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() {
			_ = client.Close()
		}()
		if err = client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis is unreachable")
		}
		presence = redis.NewPresence(redis.PresenceConfig{Client: client, Prefix: cfg.RedisPrefix, TTL: cfg.PresenceTTL})
		bus = redis.NewBus(redis.BusConfig{Client: client, Channel: cfg.RedisPrefix + ":events", Logger: &logger})
		swCfg.Bus = bus
		logger.Info().Str("redis", cfg.RedisAddr).Msg("using shared presence")
	} else {
		presence = memory.NewMemStore(cfg.PresenceTTL)
	}
	router := sw.NewSwitch(swCfg)

	transfers := transfer.NewManager(transfer.Config{
		Store:     artifacts,
		Logger:    &logger,
		MaxChunks: cfg.MaxChunks,
		TTL:       cfg.TransferTTL,
	})

	svc := service.NewService(service.Config{
		Logger:           &logger,
		Verifier:         auth.NewVerifier(cfg.JWTSecret),
		Memberships:      records,
		Messages:         records,
		Presence:         presence,
		Router:           router,
		Transfers:        transfers,
		MaxContentLength: cfg.MaxContentLength,
		BoardStrokeLimit: cfg.BoardStrokeLimit,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Presence:   presence,
		Artifacts:  artifacts,
		ListenAddr: cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		Service:        svc,
		ListenAddr:     cfg.WSListenAddr,
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.HeartbeatTimeout,
		MaxMessageSize: cfg.MaxFrameSize,
		QueueLen:       cfg.OutboundQueueLen,
	})

	wg.Add(3)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go transfers.Run(ctx, wg)
	if bus != nil {
		wg.Add(1)
		go bus.Run(ctx, wg, router.Receive)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
