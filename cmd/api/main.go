package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/conversation-relay/internal/api/http"
	"github.com/spec-kit/conversation-relay/internal/api/http/handlers"
	"github.com/spec-kit/conversation-relay/internal/auth"
	"github.com/spec-kit/conversation-relay/internal/config"
	"github.com/spec-kit/conversation-relay/internal/events"
	"github.com/spec-kit/conversation-relay/internal/observability"
	"github.com/spec-kit/conversation-relay/internal/persistence"
	"github.com/spec-kit/conversation-relay/internal/ratelimit"
	"github.com/spec-kit/conversation-relay/internal/relay"
	"github.com/spec-kit/conversation-relay/internal/repository"
	"github.com/spec-kit/conversation-relay/internal/repository/memory"
	"github.com/spec-kit/conversation-relay/internal/service"
	"github.com/spec-kit/conversation-relay/internal/worker"
)

type repositories struct {
	users         repository.UserRepository
	guests        repository.GuestUserRepository
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	repos := buildRepositories(pg)
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)

	identityService := service.NewIdentityService(repos.guests, logger)
	conversationService := service.NewConversationService(service.ConversationDependencies{
		ConversationRepo: repos.conversations,
		MessageRepo:      repos.messages,
		UserRepo:         repos.users,
		GuestRepo:        repos.guests,
		Dispatcher:       dispatcher,
		Logger:           logger,
	})
	messageService := service.NewMessageService(repos.messages, conversationService)
	authService := service.NewAuthService(cfg.Auth, repos.users)
	bootstrapAdmin(ctx, cfg.Auth, authService, logger)

	hubOpts := relay.HubOptions{
		Authorizer: conversationService,
		Metrics:    metrics,
		Logger:     logger,
	}
	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if redis.Enabled() {
		hubOpts.Presence = relay.NewRedisPresence(redis.Client, cfg.Relay.PresenceTTL())
		limiter = ratelimit.NewFailOpen(ratelimit.NewRedisLimiter(redis.Client, "relay:ratelimit:"), logger)
	}
	hub := relay.NewHub(hubOpts)

	var publisher *events.KafkaPublisher
	if cfg.Kafka.Enabled() {
		producer, err := events.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			logger.Fatal("failed to connect kafka", zap.Error(err), zap.Strings("brokers", cfg.Kafka.Brokers))
		}
		publisher = events.NewKafkaPublisher(producer, cfg.Kafka.Topic, logger)
		defer publisher.Close() //nolint:errcheck
	}
	notificationService := service.NewNotificationService(dispatcher, hub, logger)
	worker.StartNotificationWorker(dispatcher, notificationService, publisher)

	authMiddleware := auth.NewAuthMiddleware(authService.TokenManager(), repos.users, identityService)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:        handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Metrics:       handlers.NewMetricsHandler(metrics),
		Auth:          handlers.NewAuthHandler(authService),
		Guests:        handlers.NewGuestsHandler(identityService),
		Conversations: handlers.NewConversationsHandler(conversationService, identityService, hub),
		Messages:      handlers.NewMessagesHandler(messageService, identityService),
		Relay: handlers.NewRelayHandler(ctx, hub, relay.ClientConfig{
			SendBuffer:   cfg.Relay.SendBufferSize,
			PingInterval: cfg.Relay.PingInterval(),
			ReadTimeout:  cfg.Relay.ReadTimeout(),
			WriteTimeout: cfg.Relay.WriteTimeout(),
		}, logger),
		AuthMiddleware: authMiddleware,
		Limiter:        limiter,
		RateLimit:      cfg.RateLimit,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	// closes relay connections before the server drains
	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func buildRepositories(pg *persistence.Postgres) repositories {
	if !pg.Enabled() {
		store := memory.NewStore()
		return repositories{
			users:         store.Users(),
			guests:        store.Guests(),
			conversations: store.Conversations(),
			messages:      store.Messages(),
		}
	}
	pool := pg.PoolHandle()
	return repositories{
		users:         repository.NewUserRepository(pool),
		guests:        repository.NewGuestUserRepository(pool),
		conversations: repository.NewConversationRepository(pool),
		messages:      repository.NewMessageRepository(pool),
	}
}

func bootstrapAdmin(ctx context.Context, cfg config.AuthConfig, authService *service.AuthService, logger *zap.Logger) {
	if cfg.BootstrapAdminEmail == "" || cfg.BootstrapAdminPassword == "" {
		return
	}
	admin, err := authService.EnsureAdmin(ctx, "Support", cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword)
	if err != nil {
		logger.Fatal("failed to bootstrap admin", zap.Error(err))
	}
	logger.Info("admin account ready", zap.String("user_id", admin.ID))
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
