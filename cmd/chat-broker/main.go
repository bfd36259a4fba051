package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"chat_broker/internal/api"
	"chat_broker/internal/auth"
	"chat_broker/internal/blob"
	"chat_broker/internal/broker"
	"chat_broker/internal/config"
	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/logging"
	"chat_broker/internal/messages"
	"chat_broker/internal/metrics"
	"chat_broker/internal/outbox"
	"chat_broker/internal/presence"
	"chat_broker/internal/push"
	"chat_broker/internal/repository"
	"chat_broker/internal/typing"
	"chat_broker/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("chat-broker stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.MustLoad()
	logger := logging.NewLogger(logging.Config{
		ServiceName: cfg.Service.Name,
		Environment: cfg.Service.Env,
		Level:       cfg.Logger.Level,
	})
	slog.SetDefault(logger)
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Storage
	messageRepo, presenceRepo, closeDB, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	blobs, err := blob.Open(cfg.Blob.Path, cfg.Blob.MaxBytes.Int64())
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	// 2. Stores and fan-out
	nodeID := uuid.New().String()
	engine := fanout.NewEngine(fanout.Options{
		NodeID: nodeID,
		Buffer: cfg.Broker.SubscriberBuffer,
		Logger: logger,
	})
	defer engine.Shutdown()

	registry := presence.NewRegistry(presenceRepo, engine, presence.Options{
		StaleAfter: cfg.Broker.PresenceStaleAfter,
		Logger:     logger,
	})
	typingStore := typing.NewStore(engine, registry, typing.Options{
		TTL:    cfg.Broker.TypingTTL,
		Logger: logger,
	})
	messageStore := messages.NewStore(messageRepo, engine, messages.Options{
		Limits: domain.Limits{
			MaxBodyRunes:   cfg.Broker.MaxBodyRunes,
			MaxAttachments: cfg.Broker.MaxAttachments,
		},
		Payloads: blobs,
		Logger:   logger,
	})

	// 3. Transports
	hub := ws.NewHub(engine, registry, typingStore, logger)
	if cfg.Broker.PresenceStaleAfter > 0 {
		hub.PresenceRefresh = cfg.Broker.PresenceStaleAfter / 3
	}
	router := api.NewRouter(api.Deps{
		Messages:           messageStore,
		Presence:           registry,
		Typing:             typingStore,
		Blobs:              blobs,
		Auth:               auth.New(cfg.Auth.Secret, cfg.Auth.Issuer),
		WS:                 hub,
		Logger:             logger,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		CORSOrigins:        cfg.Origins(),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "addr", httpServer.Addr, "node", nodeID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return typingStore.Run(ctx, cfg.Broker.TypingSweepInterval)
	})
	if cfg.Broker.PresenceStaleAfter > 0 {
		g.Go(func() error {
			return registry.Run(ctx, cfg.Broker.PresenceSweepInterval)
		})
	}

	// 4. RabbitMQ: relay, journal and offline push
	var notifier push.Notifier = push.LogNotifier{Logger: logger}
	if cfg.AMQP.URL != "" {
		mqClient, err := broker.NewRabbitMQClient(cfg.AMQP.URL, cfg.AMQP.StreamURI)
		if err != nil {
			return err
		}
		defer mqClient.Close()

		relay := broker.NewRelay(engine, mqClient, logger)
		g.Go(func() error {
			return relay.Run(ctx)
		})

		deliveries, err := mqClient.ConsumePushQueue()
		if err != nil {
			return err
		}
		dispatcher := push.NewDispatcher(deliveries, push.LogNotifier{Logger: logger}, logger)
		g.Go(func() error {
			return dispatcher.Start(ctx)
		})
		notifier = push.BrokerNotifier{Publisher: mqClient}

		if mqClient.StreamEnv != nil {
			if err := outbox.DeclareStream(mqClient.StreamEnv, cfg.AMQP.StreamName); err != nil {
				return err
			}
			appender, err := outbox.NewStreamAppender(mqClient.StreamEnv, cfg.AMQP.StreamName)
			if err != nil {
				return err
			}
			defer appender.Close()
			journal := outbox.NewWorker(engine, appender, logger)
			g.Go(func() error {
				return journal.Start(ctx)
			})
		}
	}

	pushWorker := push.NewWorker(engine, registry, notifier, logger)
	g.Go(func() error {
		return pushWorker.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openStorage selects Postgres when DB_CONN_STR is set and in-memory
// repositories otherwise.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.MessageRepository, presence.Repository, func(), error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("DB_CONN_STR not set, using in-memory storage")
		return repository.NewMemoryRepository(), presence.NewMemoryRepository(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	messageRepo := repository.NewPostgresRepository(db)
	if err := messageRepo.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	presenceRepo := presence.NewPostgresRepository(db)
	if err := presenceRepo.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return messageRepo, presenceRepo, func() { db.Close() }, nil
}
