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

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/discount"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPurchase)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	if !cfg.Payments.Configured() {
		log.Println("No payment provider configured, checkout will reject payment attempts")
	}

	// Gateways are optional: a provider without credentials is simply
	// absent, and the orchestrator reports payment-not-configured.
	var cardGateway service.CardSessions
	if cg, err := gateway.NewCardGateway(cfg.Payments.Card, cfg.Server.BaseURL); err == nil {
		cardGateway = cg
	} else {
		log.Printf("Card gateway disabled: %v", err)
	}

	var walletGateway service.WalletOrders
	if wg, err := gateway.NewPayPalGateway(cfg.Payments.PayPal); err == nil {
		walletGateway = wg
	} else {
		log.Printf("PayPal gateway disabled: %v", err)
	}

	validator := discount.NewValidator(db)
	reconciliation := service.NewReconciliationService(db, redisClient, eventPublisher, validator)

	sessionTTL := time.Duration(cfg.Business.CheckoutSessionMinutes) * time.Minute
	checkout := service.NewCheckoutService(
		db, redisClient, validator, cardGateway, walletGateway,
		eventPublisher, reconciliation, sessionTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	enrollmentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPurchase, cfg.Kafka.ConsumerGroup)
	enrollmentWorker := worker.NewEnrollmentWorker(enrollmentConsumer, db, eventPublisher)
	go func() {
		if err := enrollmentWorker.Start(workerCtx); err != nil {
			log.Printf("Enrollment worker error: %v", err)
		}
	}()

	sweepWorker := worker.NewSweepWorker(reconciliation,
		time.Duration(cfg.Business.SweepIntervalSeconds)*time.Second, sessionTTL)
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil {
			log.Printf("Sweep worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(checkout, reconciliation, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	enrollmentWorker.Stop()
	sweepWorker.Stop()

	log.Println("Server exited")
}
