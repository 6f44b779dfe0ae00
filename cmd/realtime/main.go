package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genfree/realtime/internal/config"
	"github.com/genfree/realtime/internal/handler"
	"github.com/genfree/realtime/internal/hub"
	"github.com/genfree/realtime/internal/identity"
	"github.com/genfree/realtime/internal/idgen"
	"github.com/genfree/realtime/internal/kafka"
	relaysub "github.com/genfree/realtime/internal/pubsub"
	"github.com/genfree/realtime/internal/service"
	"github.com/genfree/realtime/internal/store"
	"github.com/genfree/realtime/pkg/database"
	"github.com/genfree/realtime/pkg/jwt"
	pkglog "github.com/genfree/realtime/pkg/log"
	"github.com/genfree/realtime/pkg/middleware"
	"github.com/genfree/realtime/pkg/pubsub"
)

func main() {
	if err := run(); err != nil {
		l := pkglog.L()
		l.Error().Err(err).Msg("realtime exited with error")
		os.Exit(1)
	}
}

// run owns every resource main opens, so its defers run before the
// process exits.
func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "realtime"})
	logger := pkglog.L()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("instance_id", cfg.Server.InstanceID).
		Msg("starting realtime")

	checks := make(map[string]handler.Pinger)

	// Persistence store; analytics only, so the hub runs without it
	st, closeDB, err := openStore(cfg.Database, checks)
	if err != nil {
		return err
	}
	defer closeDB()

	// Token authentication is optional; without a secret every token is rejected
	var (
		tokenValidator identity.TokenValidator
		apiValidator   middleware.TokenValidator
	)
	if cfg.Auth.JWTSecret != "" {
		tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
		if err != nil {
			return fmt.Errorf("create jwt manager: %w", err)
		}
		tokenValidator, apiValidator = tokens, tokens
	} else {
		logger.Warn().Msg("jwt secret not set, only anonymous connections are accepted")
	}

	// Cross-instance relay
	var (
		relay     pubsub.PubSub
		publisher pubsub.Publisher
	)
	if cfg.Relay.Driver != "" {
		ps, err := pubsub.NewPubSub(cfg.Relay, cfg.Server.InstanceID)
		if err != nil {
			logger.Warn().Err(err).Str("driver", cfg.Relay.Driver).Msg("failed to create relay, broadcasts stay on this instance")
		} else {
			relay, publisher = ps, ps
			checks["relay"] = ps
		}
	}

	// Activity producer
	var producer kafka.ActivityProducer
	if cfg.Kafka.Enabled {
		p, err := kafka.NewConfluentProducer(kafka.ProducerConfig{
			Brokers:           cfg.Kafka.Brokers,
			Topic:             cfg.Kafka.ActivityTopic,
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
			DrainTimeout:      cfg.Kafka.DrainTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to create kafka producer, activity events disabled")
		} else {
			producer = p
		}
	}

	// Hub and service
	h := hub.NewHub()
	resolver := identity.NewJWTResolver(tokenValidator, idgen.NewSessionIDGenerator())
	svc := service.NewPresenceService(h, st, resolver, idgen.NewULIDGenerator(), publisher, producer, service.Config{
		InstanceID:       cfg.Server.InstanceID,
		MaxMessageLength: cfg.Hub.MaxMessageLength,
		StoreTimeout:     cfg.Hub.StoreTimeout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Relay subscriber delivers events from every instance, this one included
	var subscriber *relaysub.Subscriber
	if relay != nil {
		subscriber = relaysub.NewSubscriber(relay, svc)
		go subscriber.Run(ctx)
	}

	// Kafka consumer for stream lifecycle events
	var consumer *kafka.ConfluentConsumer
	if cfg.Kafka.Enabled {
		if kc, err := kafka.NewConfluentConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.LifecycleTopic,
			cfg.Kafka.GroupID,
			svc, // service implements StreamEventHandler
		); err != nil {
			logger.Warn().Err(err).Msg("failed to create kafka consumer, stream lifecycle disabled")
		} else if err := kc.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to start kafka consumer")
		} else {
			consumer = kc
			logger.Info().Str("topic", cfg.Kafka.LifecycleTopic).Msg("kafka consumer started")
		}
	}

	apiLimiter := middleware.NewIPRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimit.APIPerSecond,
		BurstSize:         cfg.RateLimit.APIBurst,
	})
	go apiLimiter.Run(ctx)

	// Handlers and routes
	wsHandler := handler.NewWSHandler(svc, cfg.WebSocket, cfg.Hub, cfg.RateLimit)
	httpHandler := handler.NewHTTPHandler(svc, middleware.NewAuthMiddleware(apiValidator), apiLimiter, checks)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     handler.NewRouter(wsHandler, httpHandler, logger),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("realtime listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down realtime")
		cancel() // 1. stop kafka consumer, relay subscriber, limiter cleanup

		if consumer != nil {
			consumer.Close() // 2. wait for the in-flight lifecycle event
		}
		if subscriber != nil {
			<-subscriber.Done() // 3. wait for the relay goroutine to exit
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil { // 4. stop accepting connections
			logger.Error().Err(err).Msg("server shutdown error")
		}

		svc.Stop() // 5. close every websocket, record the leaves

		if producer != nil {
			if err := producer.Close(); err != nil { // 6. drain activity events
				logger.Warn().Err(err).Msg("activity producer drain incomplete")
			}
		}
		if relay != nil {
			relay.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("realtime stopped")
	return nil
}

// openStore opens the configured database and migrates it. Without a
// driver it returns NopStore. The returned close func is never nil.
func openStore(cfg database.Config, checks map[string]handler.Pinger) (store.Store, func(), error) {
	logger := pkglog.L()
	if !cfg.Enabled() {
		logger.Warn().Msg("database disabled, history and analytics are not persisted")
		return store.NopStore{}, func() {}, nil
	}

	db, err := database.New(&cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s database: %w", cfg.Driver, err)
	}
	closeDB := func() {
		if err := database.Close(db); err != nil {
			logger.Warn().Err(err).Msg("failed to close database")
		}
	}

	if err := database.AutoMigrate(db, store.Models()...); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		checks["database"] = handler.PingFunc(sqlDB.PingContext)
	}
	return store.NewGormStore(db), closeDB, nil
}
