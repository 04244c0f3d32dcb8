package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync-go/config"
	"fieldsync-go/internal/api/handlers"
	"fieldsync-go/internal/cleanup"
	"fieldsync-go/internal/db"
	"fieldsync-go/internal/db/repository"
	"fieldsync-go/internal/integrations/mqtt"
	"fieldsync-go/internal/logger"
	"fieldsync-go/internal/server/sse"
	"fieldsync-go/internal/util/timezone"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "/config/config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	timezone.Initialize(cfg.Server.Timezone)

	// Initialize database connection
	log.Info("Initializing database...")
	database, err := db.Initialize(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	repo := repository.NewSQLiteRepository(database)

	// SSE hub for dashboard streams
	hub := sse.NewHub()
	go hub.Run()

	// Retention cleanup for old server records
	cleanupService := cleanup.NewService(database, cfg.Cleanup.RetentionDays,
		time.Duration(cfg.Cleanup.CheckIntervalHours)*time.Hour)
	if cleanupService != nil {
		cleanupService.StartBackgroundCleanup()
		defer cleanupService.StopBackgroundCleanup()
	}

	// Ingest API
	ingestHandler := handlers.NewIngestHandler(repo, cfg, hub)

	// Optional MQTT publishing of applied records
	if cfg.MQTT.Enabled {
		mqttClient := mqtt.NewClient(cfg.MQTT, nil)
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
		} else {
			ingestHandler.AddRecordPublisher(mqttClient)
			defer mqttClient.Stop()
		}
	} else {
		log.Info("MQTT is disabled in config.")
	}

	// Router setup
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Content-Type"},
	}))

	api := router.Group("/api")
	ingestHandler.RegisterRoutes(api)

	// Start the server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: serverAddr, Handler: router}

	go func() {
		log.Infof("Starting ingest gateway on %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for shutdown signal; in-flight ingests finish before the
	// process exits
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down ingest gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Gateway shutdown failed: %v", err)
	}
}
