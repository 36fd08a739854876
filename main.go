package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"physique-analyze-pipeline/cache"
	"physique-analyze-pipeline/config"
	"physique-analyze-pipeline/database"
	"physique-analyze-pipeline/handlers"
	"physique-analyze-pipeline/kvstore"
	"physique-analyze-pipeline/metrics"
	"physique-analyze-pipeline/openai"
	"physique-analyze-pipeline/preprocess"
	"physique-analyze-pipeline/queue"
	"physique-analyze-pipeline/rabbitmq"
	"physique-analyze-pipeline/service"
	"physique-analyze-pipeline/stubvision"
	"physique-analyze-pipeline/vision"
)

func main() {
	cfg := config.Load()

	if cfg.VisionProvider != "stub" && cfg.OpenAIAPIKey == "" {
		log.Fatal("OPENAI_API_KEY environment variable is required")
	}

	metrics.Register()

	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.CreateAnalysisTable(); err != nil {
		log.Fatalf("Failed to create analysis table: %v", err)
	}

	store := kvstore.NewMySQLStore(db.GetDB())
	if err := store.CreateTable(); err != nil {
		log.Fatalf("Failed to create kv_store table: %v", err)
	}

	respCache := cache.New(store, cfg.CacheTTL, cfg.CacheMaxEntries, cfg.CacheEvictFraction)
	reqQueue := queue.New(store, cfg.QueueMaxRetries, cfg.QueueWaitEstimate)
	var visionClient vision.Client
	if cfg.VisionProvider == "stub" {
		visionClient = stubvision.NewClient()
	} else {
		visionClient = openai.NewClient(cfg)
	}
	log.Infof("vision provider=%s model=%s", visionClient.SourceName(), cfg.OpenAIModel)
	processor := preprocess.NewJPEGProcessor(cfg.MaxImageDimension, cfg.JPEGQuality, cfg.MaxImageBytes)

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.RabbitMQRoutingKey)
	if err != nil {
		log.WithError(err).Warn("RabbitMQ unavailable, continuing without event publishing")
	}
	if publisher != nil {
		defer publisher.Close()
	}

	analysisService := service.New(cfg, respCache, reqQueue, visionClient, processor, db, publisher)

	h := handlers.NewHandlers(analysisService)

	router := gin.Default()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/health", h.HealthCheck)
		api.POST("/analyze", h.Analyze)
		api.GET("/requests", h.ListRequests)
		api.GET("/requests/:id", h.GetRequestStatus)
		api.GET("/requests/:id/position", h.GetRequestPosition)
		api.DELETE("/requests/:id", h.CancelRequest)
		api.GET("/analysis/:id", h.GetAnalysisByRequestID)
		api.GET("/cache/stats", h.GetCacheStats)
		api.DELETE("/cache", h.InvalidateCache)
		api.GET("/stats", h.GetStats)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}
