package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/config"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
	httpapi "github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces/http"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/repository"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/usecases"
)

const (
	keyPrefix         = "feelori:"
	redisConnectTries = 5
	alertFlushTimeout = 5 * time.Second
	readHeaderTimeout = 10 * time.Second

	breakerWhatsApp = "whatsapp"
	breakerShopify  = "shopify"
	breakerStorage  = "storage"
)

type alertSink interface {
	interfaces.Alerter
	Close(timeout time.Duration) error
}

// App owns every long-lived resource of the relay process.
type App struct {
	cfg    *config.Config
	logger *logrus.Logger

	redis      *redis.Client
	store      RecordStore
	httpClient *http.Client
	alerter    alertSink

	queue    *infrastructure.RedisMessageQueue
	auth     *usecases.AuthUsecase
	workers  *usecases.WorkerPool
	server   *http.Server
	breakers *infrastructure.BreakerRegistry
}

// New connects the backing stores and wires the services. Callers own the
// returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	rdb, err := infrastructure.NewRedisClient(ctx, cfg.RedisURL, redisConnectTries, logger)
	if err != nil {
		return nil, err
	}
	a.redis = rdb

	store, err := OpenStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("open record store: %w", err)
	}
	a.store = store

	if err := a.wire(); err != nil {
		a.closeStores()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, logger := a.cfg, a.logger

	var breakerStore infrastructure.BreakerStore = infrastructure.NewMemoryBreakerStore()
	if cfg.SharedBreakers {
		breakerStore = infrastructure.NewRedisBreakerStore(a.redis, keyPrefix+"breaker:")
	}
	a.breakers = infrastructure.NewBreakerRegistry(breakerStore, infrastructure.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	}, logger)

	a.alerter = infrastructure.NewLogAlerter(logger)
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		tg, err := infrastructure.NewTelegramAlerter(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
		if err != nil {
			config.LogError(logger, "app", "wire", "telegram alerts disabled", nil, err)
		} else {
			a.alerter = tg
		}
	}

	a.httpClient = &http.Client{Timeout: cfg.HTTPClientTimeout}
	messenger := infrastructure.NewWhatsAppBusinessClient(a.httpClient, cfg.WhatsAppAPIBase, cfg.WhatsAppToken,
		cfg.WhatsAppPhoneID, a.breakers.Get(breakerWhatsApp), a.alerter, logger)
	catalog := infrastructure.NewShopifyClient(a.httpClient, cfg.ShopifyStoreURL, cfg.ShopifyToken,
		cfg.ShopifyAPIVersion, cfg.StoreCurrency, a.breakers.Get(breakerShopify), logger)

	gemini, err := infrastructure.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GeminiModel, cfg.AITimeout)
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}
	openai := infrastructure.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.AITimeout)
	ai := usecases.NewAIService(a.breakers, logger, gemini, openai)

	a.queue = infrastructure.NewRedisMessageQueue(a.redis, infrastructure.QueueOptions{
		Stream:            cfg.QueueStream,
		Group:             cfg.QueueGroup,
		MaxLen:            cfg.QueueMaxLen,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}, logger)

	sessions := infrastructure.NewSessionStore(a.redis, keyPrefix, config.ProcessingTimeout, logger)
	usage := repository.NewUsageRepository(a.redis, keyPrefix, logger)
	customers := usecases.NewCustomerService(a.store, a.breakers.Get(breakerStorage), logger)

	messages := usecases.NewMessageService(usecases.MessageDeps{
		Messenger: messenger,
		Catalog:   catalog,
		AI:        ai,
		Customers: customers,
		Processed: sessions,
		Locker:    sessions,
		Usage:     usage,
		Alerter:   a.alerter,
		Logger:    logger,
	})
	a.workers = usecases.NewWorkerPool(a.queue, messages, cfg.DequeueBlock, logger)

	phoneLimiter := infrastructure.NewSlidingWindowLimiter(a.redis, keyPrefix+"rl:", cfg.PhoneRateLimit, cfg.PhoneRateWindow, logger)
	webhookIPLimiter := infrastructure.NewSlidingWindowLimiter(a.redis, keyPrefix+"rl:", cfg.WebhookIPRateLimit, cfg.IPRateWindow, logger)
	adminIPLimiter := infrastructure.NewSlidingWindowLimiter(a.redis, keyPrefix+"rl:", cfg.AdminIPRateLimit, cfg.IPRateWindow, logger)
	lockout := infrastructure.NewLockoutTracker(a.redis, keyPrefix+"lockout:", cfg.LoginMaxAttempts, cfg.LoginLockout, logger)

	a.auth = usecases.NewAuthUsecase(a.store, lockout, cfg.JWTSecret)
	dashboard := usecases.NewDashboardUsecase(a.store, a.queue, usage, a.breakers, logger)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	httpapi.SetupRoutes(router, httpapi.RouteDeps{
		Webhook: httpapi.NewWebhookHandler(cfg.WebhookSecret, cfg.VerifyToken, a.queue,
			phoneLimiter, webhookIPLimiter, customers, logger),
		Admin: httpapi.NewAdminHandler(a.auth, customers, dashboard, catalog, messenger,
			cfg.BusinessPhone, logger),
		Middleware:  httpapi.NewMiddleware(a.auth, adminIPLimiter, customers),
		WebhookPath: cfg.WebhookPath,
		CORSOrigins: cfg.CORSOrigins,
		Development: cfg.IsDevelopment(),
		Checks: map[string]httpapi.HealthCheck{
			"redis":   func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
			"storage": a.store.Ping,
		},
		Logger: logger,
	})

	a.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// Migrate applies the record store schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate record store: %w", err)
	}
	a.logger.Info("record store schema up to date")
	return nil
}

// Queue exposes the stream for operational commands.
func (a *App) Queue() *infrastructure.RedisMessageQueue { return a.queue }

// Run serves HTTP and runs the workers until ctx ends or the listener fails,
// then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	if err := a.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	if err := a.auth.EnsureAdmin(ctx, a.cfg.AdminUsername, a.cfg.AdminPassword); err != nil {
		config.LogError(a.logger, "app", "Run", "admin account not ensured", logrus.Fields{"username": a.cfg.AdminUsername}, err)
	}

	a.workers.Start(context.WithoutCancel(ctx), a.cfg.WorkerCount)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", a.server.Addr).Info("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	return errors.Join(runErr, a.Close())
}

// Close stops intake first, then drains workers and alerts, then releases
// connections. It is safe to call on an App that never ran.
func (a *App) Close() error {
	timeout := a.cfg.ShutdownTimeout
	var errs []error

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	if a.workers != nil {
		if err := a.workers.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("workers: %w", err))
		}
	}
	if a.alerter != nil {
		if err := a.alerter.Close(alertFlushTimeout); err != nil {
			errs = append(errs, fmt.Errorf("alerts: %w", err))
		}
	}
	if a.httpClient != nil {
		a.httpClient.CloseIdleConnections()
	}
	a.closeStores()

	err := errors.Join(errs...)
	if err != nil {
		config.LogError(a.logger, "app", "Close", "unclean shutdown", nil, err)
	} else {
		a.logger.Info("shutdown complete")
	}
	return err
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("redis close failed")
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}
