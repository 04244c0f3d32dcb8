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
	apiclient "fieldsync-go/internal/api/client"
	"fieldsync-go/internal/api/handlers"
	"fieldsync-go/internal/integrations/mqtt"
	"fieldsync-go/internal/logger"
	"fieldsync-go/internal/server/sse"
	"fieldsync-go/internal/store"
	syncengine "fieldsync-go/internal/sync"
	"fieldsync-go/internal/util/timezone"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
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

	// A stable device identifier keeps server records attributable
	if cfg.Agent.DeviceID == "" {
		cfg.Agent.DeviceID = uuid.NewString()
		log.Infof("No device_id configured, generated %s for this run", cfg.Agent.DeviceID)
	}

	// Open the durable operation queue
	log.Infof("Opening operation queue at %s", cfg.Agent.QueueFile)
	st, err := store.Open(cfg.Agent.QueueFile)
	if err != nil {
		log.Fatalf("Failed to open operation queue: %v", err)
	}
	defer st.Close()

	// Gateway client and sync engine
	gateway := apiclient.NewClient(cfg.Agent)
	engine := syncengine.NewEngine(st, gateway, cfg.Sync)

	// SSE hub streams queue status to the capture UI
	hub := sse.NewHub()
	go hub.Run()
	engine.AddStatusListener(hub)

	// Optional MQTT adapter: command topic triggers syncs, broker reconnects
	// act as the connectivity signal
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTT, engine)
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
			mqttClient = nil
		} else {
			engine.AddStatusListener(mqttClient)
			defer mqttClient.Stop()
		}
	} else {
		log.Info("MQTT is disabled in config.")
	}

	engine.Start()
	defer engine.Stop()

	// Local control API
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	agentHandler := handlers.NewAgentHandler(st, engine, hub)
	api := router.Group("/api")
	agentHandler.RegisterRoutes(api)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Agent.Host, cfg.Agent.Port)
	srv := &http.Server{Addr: serverAddr, Handler: router}

	go func() {
		log.Infof("Starting agent API on %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Agent API failed to start: %v", err)
		}
	}()

	// Wait for shutdown signal; the engine finishes the submission in
	// flight before the process exits
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down agent...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Agent API shutdown failed: %v", err)
	}
}
