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

	"marketbot/config"
	"marketbot/internal/api"
	"marketbot/internal/bot"
	"marketbot/internal/broker"
	"marketbot/internal/jobs"
	"marketbot/internal/payment"
	"marketbot/internal/redisclient"
	"marketbot/internal/service"
	"marketbot/internal/session"
	"marketbot/internal/store"
	"marketbot/internal/util"
	"marketbot/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(util.LogConfig{
		Service: cfg.Observ.ServiceName,
		Env:     cfg.Server.Env,
		Level:   cfg.Observ.LogLevel,
		Format:  cfg.Observ.LogFormat,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting marketbot", zap.String("version", cfg.Observ.ServiceVersion))

	if cfg.Bot.Token == "" {
		logger.Fatal("BOT_TOKEN is not set")
	}

	tp, err := util.InitTracer(util.TraceConfig{
		Service:        cfg.Observ.ServiceName,
		Env:            cfg.Server.Env,
		Version:        cfg.Observ.ServiceVersion,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
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

	if cfg.Database.MigrationsAuto {
		if err := db.Migrate(); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)

	sessions := session.NewStore()
	gateway := payment.NewCryptoGateway(cfg.Bot.CryptoAPIURL, cfg.Business.Currency, 10*time.Second)

	discountService := service.NewDiscountService(db)
	reservationService := service.NewReservationService(
		db, db, db, db,
		discountService,
		sessions,
		eventPublisher,
		cfg.Business.BasketTimeout,
	)
	checkoutService := service.NewCheckoutService(
		reservationService,
		discountService,
		db, db,
		redisClient,
		gateway,
		eventPublisher,
		cfg.Business.PendingPaymentTTL,
		cfg.Business.HistoryLimit,
	)

	telegram, err := bot.New(bot.Options{
		Token:         cfg.Bot.Token,
		PollTimeout:   cfg.Bot.PollTimeout,
		AdminIDs:      cfg.Bot.AdminIDs,
		Currency:      cfg.Business.Currency,
		BasketTimeout: cfg.Business.BasketTimeout,
	}, bot.Deps{
		Reservations: reservationService,
		Checkout:     checkoutService,
		Catalog:      db,
		Accounts:     db,
		Codes:        db,
		Sessions:     sessions,
	})
	if err != nil {
		logger.Fatal("Failed to start Telegram bot", zap.Error(err))
	}

	sweeper, err := jobs.StartBasketSweep(cfg.Business.BasketSweepSpec, reservationService)
	if err != nil {
		logger.Fatal("Failed to schedule basket sweep", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewCryptoPaymentWorker(paymentConsumer, checkoutService, telegram)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Crypto payment worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(reservationService, checkoutService, cfg.Bot.WebhookSecret, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	go telegram.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	telegram.Stop()
	<-sweeper.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	workerCancel()
	if err := multierr.Combine(
		srv.Shutdown(shutdownCtx),
		paymentWorker.Stop(),
	); err != nil {
		logger.Warn("Shutdown finished with errors", zap.Error(err))
	}

	logger.Info("Marketbot exited")
}
