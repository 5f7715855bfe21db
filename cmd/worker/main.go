package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/events"
	"github.com/pedidos-cloud/order-service/internal/pipeline"
	"github.com/pedidos-cloud/order-service/internal/repository"
	"github.com/pedidos-cloud/order-service/pkg/config"
)

// The worker runs the four pipeline stages as consumer loops sharing one
// process: validator, router, synchronizer, auditor.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dynamoClient, err := repository.NewDynamoDBClient(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to create DynamoDB client", zap.Error(err))
	}

	orderRepo := repository.NewOrderRepository(dynamoClient, cfg.OrderTableName)
	inventoryRepo := repository.NewInventoryRepository(dynamoClient, cfg.InventoryTableName)
	auditRepo := repository.NewAuditRepository(dynamoClient, cfg.AuditTableName)
	reportRepo := repository.NewReportRepository(dynamoClient, cfg.ReportTableName)

	signer, err := audit.NewSigner(cfg.AuditSigningMode, cfg.AuditEd25519Seed, cfg.AuditSigningSecret)
	if err != nil {
		logger.Fatal("Failed to initialize audit signer", zap.Error(err))
	}
	ledger := audit.NewLedger(auditRepo, orderRepo, signer, logger)

	producer := events.NewProducer(cfg.Brokers(), logger)
	defer producer.Close()

	validator := pipeline.NewValidator(orderRepo, inventoryRepo, producer, logger)
	router := pipeline.NewRouter(producer, logger)
	synchronizer := pipeline.NewSynchronizer(orderRepo, ledger, logger)
	auditor := pipeline.NewAuditor(orderRepo, reportRepo, ledger, logger)

	stages := []struct {
		topic  string
		handle events.Handler
	}{
		{events.TopicValidationRequests, validator.Handle},
		{events.TopicValidationVerdicts, router.Handle},
		{events.TopicOrdersValidated, synchronizer.Handle},
		{events.TopicOrdersInconsistent, auditor.Handle},
	}

	var wg sync.WaitGroup
	consumers := make([]*events.Consumer, 0, len(stages))
	for _, stage := range stages {
		consumer := events.NewConsumer(cfg.Brokers(), cfg.ConsumerGroup, stage.topic, logger)
		consumers = append(consumers, consumer)

		wg.Add(1)
		go func(c *events.Consumer, topic string, handle events.Handler) {
			defer wg.Done()
			logger.Info("consumer started", zap.String("topic", topic))
			if err := c.Run(ctx, handle); err != nil {
				logger.Error("consumer stopped with error",
					zap.String("topic", topic),
					zap.Error(err))
			}
		}(consumer, stage.topic, stage.handle)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down workers...")
	cancel()
	for _, consumer := range consumers {
		if err := consumer.Close(); err != nil {
			logger.Error("consumer close failed", zap.Error(err))
		}
	}
	wg.Wait()
	logger.Info("All consumers stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
