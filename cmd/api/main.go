package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/events"
	"github.com/pedidos-cloud/order-service/internal/handler"
	"github.com/pedidos-cloud/order-service/internal/repository"
	"github.com/pedidos-cloud/order-service/internal/service"
	"github.com/pedidos-cloud/order-service/pkg/config"
	"github.com/pedidos-cloud/order-service/pkg/middleware"
)

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

	logger.Info("Service configuration",
		zap.String("port", cfg.Port),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("signing_mode", cfg.AuditSigningMode))

	ctx := context.Background()
	dynamoClient, err := repository.NewDynamoDBClient(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to create DynamoDB client", zap.Error(err))
	}

	orderRepo := repository.NewOrderRepository(dynamoClient, cfg.OrderTableName)
	inventoryRepo := repository.NewInventoryRepository(dynamoClient, cfg.InventoryTableName)
	auditRepo := repository.NewAuditRepository(dynamoClient, cfg.AuditTableName)

	signer, err := audit.NewSigner(cfg.AuditSigningMode, cfg.AuditEd25519Seed, cfg.AuditSigningSecret)
	if err != nil {
		logger.Fatal("Failed to initialize audit signer", zap.Error(err))
	}
	ledger := audit.NewLedger(auditRepo, orderRepo, signer, logger)

	producer := events.NewProducer(cfg.Brokers(), logger)
	defer producer.Close()

	orderService := service.NewOrderService(orderRepo, inventoryRepo, ledger, producer, logger)
	orderHandler := handler.NewOrderHandler(orderService, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.RequestID())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", orderHandler.CreateOrder)
		v1.GET("/orders/:id", orderHandler.GetOrder)
		v1.PUT("/orders/:id/items", orderHandler.UpdateOrderItems)
		v1.POST("/orders/:id/approve", orderHandler.ApproveOrder)
		v1.POST("/orders/:id/release", orderHandler.ReleaseOrder)
		v1.GET("/orders/:id/audit", orderHandler.GetAuditTrail)
		v1.GET("/orders/:id/audit/verify", orderHandler.VerifyAuditChain)
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "healthy",
				"service": "order-service",
				"port":    cfg.Port,
			})
		})
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
