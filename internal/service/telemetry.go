package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"emasa-telemetry/common/database"
	mqttcommon "emasa-telemetry/common/mqtt"
	rediscommon "emasa-telemetry/common/redis"
	"emasa-telemetry/internal/alerting"
	"emasa-telemetry/internal/auth"
	"emasa-telemetry/internal/cache"
	"emasa-telemetry/internal/config"
	"emasa-telemetry/internal/consumer"
	httpapi "emasa-telemetry/internal/http"
	"emasa-telemetry/internal/queue"
	"emasa-telemetry/internal/realtime"
	"emasa-telemetry/internal/registry"
	"emasa-telemetry/internal/repository"
	"emasa-telemetry/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TelemetryService owns every long-running component of the process
type TelemetryService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	queue       *queue.Queue
	hub         *realtime.Manager
	uplinks     *consumer.MQTTConsumer
	worker      *consumer.StreamWorker
	retryWorker *alerting.RetryWorker
	server      *Server

	wg sync.WaitGroup
}

// NewTelemetryService connects to the collaborators and builds the component graph
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	tokens, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm)
	if err != nil {
		return nil, err
	}
	cipher, err := auth.NewDeviceCipher(cfg.Auth.DeviceCipherKey)
	if err != nil {
		return nil, err
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient, err := rediscommon.NewRedisClient(&cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, err
	}

	kv := store.NewRedisKV(redisClient)
	reg := registry.NewClient(registry.Options{
		BaseURL: cfg.Registry.BaseURL,
		APIKey:  cfg.Registry.APIKey,
		Timeout: cfg.Registry.Timeout,
	}, logger)

	// durable store
	messagesRepo := repository.NewMessagesRepository(db, logger)
	pointsRepo := repository.NewTimeSeriesRepository(db, logger)
	limitsRepo := repository.NewLimitsRepository(db, logger)
	mappingsRepo := repository.NewMappingsRepository(db, logger)
	pendingRepo := repository.NewPendingAlertsRepository(db, logger)

	// resolvers
	cacheOpts := cache.Options{TTL: cfg.Telemetry.CacheTTL}
	mappings := cache.NewMappingResolver(kv, mappingsRepo, reg, cacheOpts, logger)
	limits := cache.NewConfigResolver(kv, limitsRepo, reg, cacheOpts, logger)

	hub := realtime.NewManager(logger)

	// alerting
	gate := alerting.NewRateLimiter(kv, cfg.Telemetry.AlertCooldown, logger)
	orchestrator := alerting.NewOrchestrator(gate, reg, mappings, hub, pendingRepo, logger)
	retryWorker := alerting.NewRetryWorker(pendingRepo, reg, alerting.RetryOptions{
		Interval:  cfg.Telemetry.RetryInterval,
		BatchSize: cfg.Telemetry.RetryBatchSize,
		Timeout:   cfg.Telemetry.RetryTimeout,
	}, logger)

	pipeline := NewPipeline(messagesRepo, pointsRepo, limits, orchestrator, hub, logger)

	// ingestion
	q := queue.NewQueue(redisClient, queue.Options{
		Stream:    cfg.Telemetry.Stream,
		Group:     cfg.Telemetry.ConsumerGroup,
		Consumer:  cfg.Telemetry.ConsumerName,
		Block:     cfg.Telemetry.QueueBlock,
		ClaimIdle: cfg.Telemetry.ClaimIdle,
		MaxLen:    cfg.Telemetry.StreamMaxLen,
	}, logger)
	uplinks := consumer.NewMQTTConsumer(mqttClient, q, consumer.MQTTOptions{
		Topic:    cfg.Telemetry.Topic,
		QoS:      cfg.MQTT.QoS,
		Capacity: cfg.Telemetry.HandoffCapacity,
	}, logger)
	worker := consumer.NewStreamWorker(q, pipeline, logger)

	// http
	th := httpapi.NewTelemetryHandler(pipeline, messagesRepo, pointsRepo, mappings, limits, hub, logger)
	ws := httpapi.NewWSHandler(hub, tokens, cipher, mappings, logger)
	router := httpapi.NewRouter(th, ws, httpapi.RouterOptions{
		APIKey:    cfg.Registry.APIKey,
		RateLimit: cfg.HTTP.RateLimit,
		RateBurst: cfg.HTTP.RateLimitBurst,
	})

	return &TelemetryService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		queue:       q,
		hub:         hub,
		uplinks:     uplinks,
		worker:      worker,
		retryWorker: retryWorker,
		server:      NewServer(cfg.HTTP.Addr, router, logger),
	}, nil
}

// Start prepares the schema and queue, then runs every component until ctx is done
func (s *TelemetryService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry service components")

	if err := database.EnsureSchema(ctx, s.db); err != nil {
		return err
	}
	if err := s.queue.Init(ctx); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", s.queue.Stream(), err)
	}

	s.run(func() { s.hub.Run(ctx) })
	s.run(func() {
		if err := s.uplinks.Start(ctx); err != nil {
			s.logger.Error("MQTT consumer failed", zap.Error(err))
		}
	})
	s.run(func() { _ = s.worker.Start(ctx) })
	s.run(func() { s.retryWorker.Start(ctx) })
	s.run(func() {
		if err := s.server.Start(); err != nil {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	})

	s.logger.Info("Telemetry service started", zap.String("stream", s.queue.Stream()))
	<-ctx.Done()
	return nil
}

func (s *TelemetryService) run(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop shuts the HTTP server down, waits for the workers and closes connections
func (s *TelemetryService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping telemetry service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for workers")
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Telemetry service stopped")
	return nil
}
