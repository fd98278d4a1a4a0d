package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service",
		zap.String("env", cfg.Server.Env),
		zap.String("notification_mode", cfg.Business.NotificationMode))

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		logger.Info("Schema applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer orderProducer.Close()
	paymentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment)
	defer paymentProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(orderProducer, paymentProducer)

	gateways := gateway.NewRegistry(
		gateway.NewStripe(gateway.StripeConfig{
			BaseURL:       cfg.Gateways.Stripe.BaseURL,
			SecretKey:     cfg.Gateways.Stripe.SecretKey,
			WebhookSecret: cfg.Gateways.Stripe.WebhookSecret,
			Tolerance:     cfg.Gateways.Stripe.SignatureTolerance,
			Timeout:       cfg.Business.GatewayTimeout,
		}),
		gateway.NewMercadoPago(gateway.MercadoPagoConfig{
			BaseURL:     cfg.Gateways.MercadoPago.BaseURL,
			AccessToken: cfg.Gateways.MercadoPago.AccessToken,
			Timeout:     cfg.Business.GatewayTimeout,
		}),
	)

	catalog := service.NewCatalogResolver(db)
	auditLog := service.NewAuditLog(db)
	orderService := service.NewOrderService(db, catalog, redisClient, eventPublisher, cfg.Business.StatusCacheTTL)
	sessionService := service.NewSessionService(db, gateways, redisClient, service.SessionConfig{
		Currency:        cfg.Business.Currency,
		SuccessURL:      cfg.URLs.SuccessURL,
		FailureURL:      cfg.URLs.FailureURL,
		PendingURL:      cfg.URLs.PendingURL,
		NotificationURL: cfg.URLs.NotificationURL,
		Timeout:         cfg.Business.GatewayTimeout,
		LockTTL:         cfg.Business.SessionLockTTL,
	})
	engine := service.NewEngine(db, auditLog, redisClient, eventPublisher, cfg.Business.StatusCacheTTL)

	async := cfg.Business.NotificationMode == config.NotificationModeAsync
	notificationService := service.NewNotificationService(gateways, engine, eventPublisher, async)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var paymentWorker *worker.PaymentEventWorker
	if async {
		deadLetterProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeadLetter)
		defer deadLetterProducer.Close()

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup, cfg.Kafka.MaxHandlerAttempts).
			WithDeadLetter(deadLetterProducer)
		paymentWorker = worker.NewPaymentEventWorker(consumer, engine)
		go func() {
			if err := paymentWorker.Start(workerCtx); err != nil {
				logger.Error("Payment event worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, sessionService, notificationService, auditLog, api.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Ready: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if paymentWorker != nil {
		if err := paymentWorker.Stop(); err != nil {
			logger.Warn("Error stopping payment event worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
