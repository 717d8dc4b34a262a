/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the RouteWatch schedule change engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from environment (.env honored in development)
  2. Load the throttle policy (optional YAML file)
  3. Initialize SQLite store
  4. Assemble the engine: ledger, classifier, throttle, digest, dispatcher
  5. Open the configured notification channels
  6. Start the scheduler and the HTTP server with graceful shutdown

CONFIGURATION (environment):
  PORT                      HTTP server port (default: 8080)
  DB_PATH                   SQLite database path (default: routewatch.db)
                            Use ":memory:" for in-memory database
  THROTTLE_POLICY_PATH      Optional YAML throttle policy
  CHANNELS                  Comma list of channels: log, webhook, amqp
  WEBHOOK_URL               Target for the webhook channel
  AMQP_URL                  Broker for the amqp channel
  SCHEDULER_ENABLED         Background cycles on/off (default: true)
  CYCLE_INTERVAL_MIN        Minutes between scheduled cycles (default: 15)
  DIGEST_FLUSH_INTERVAL_MIN Minutes between digest flushes (default: 60)
  SEND_TIMEOUT_SEC          Per-channel send timeout (default: 15)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close channels and database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background cycle loops
  - config/config.go: Environment and policy loading
*/
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

	"github.com/routewatch/schedule-engine/api"
	"github.com/routewatch/schedule-engine/channel"
	"github.com/routewatch/schedule-engine/config"
	"github.com/routewatch/schedule-engine/engine"
	"github.com/routewatch/schedule-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to load throttle policy: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	logger := log.Default()

	// Open notification channels in configured order
	channels, closeChannels, err := openChannels(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open channels: %v", err)
	}
	defer closeChannels()

	// Assemble the engine
	ledger := engine.NewLedger(store)
	ledger.Logger = logger
	classifier := engine.NewClassifier(ledger)
	classifier.Logger = logger
	throttle := engine.NewThrottle(store, policy)
	throttle.Logger = logger

	dispatcher := &engine.Dispatcher{
		Snapshots:   store,
		Classifier:  classifier,
		Throttle:    throttle,
		Digest:      engine.NewAccumulator(store),
		Prefs:       store,
		Channels:    channels,
		Logger:      logger,
		SendTimeout: cfg.SendTimeout,
	}

	// Initialize handler and scheduler
	handler := api.NewHandler(store, dispatcher, logger)

	scheduler := api.NewCycleScheduler(store, dispatcher)
	scheduler.CycleInterval = cfg.CycleInterval
	scheduler.FlushInterval = cfg.DigestFlushInterval
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.Port)
		log.Printf("API available at http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// openChannels builds the configured channel list. The returned closer
// releases AMQP resources; log and webhook channels hold nothing to close.
func openChannels(cfg *config.Config, logger *log.Logger) ([]engine.Channel, func(), error) {
	var channels []engine.Channel
	var closers []func()

	for _, name := range cfg.Channels {
		switch name {
		case "log":
			channels = append(channels, channel.NewLog(logger))
		case "webhook":
			if cfg.WebhookURL == "" {
				return nil, nil, fmt.Errorf("channel %q enabled but WEBHOOK_URL is empty", name)
			}
			channels = append(channels, channel.NewWebhook(cfg.WebhookURL))
		case "amqp":
			ch, err := channel.NewAMQP(cfg.AMQPURL)
			if err != nil {
				return nil, nil, fmt.Errorf("open amqp channel: %w", err)
			}
			channels = append(channels, ch)
			closers = append(closers, func() {
				if err := ch.Close(); err != nil {
					logger.Printf("[Channel:amqp] close: %v", err)
				}
			})
		default:
			return nil, nil, fmt.Errorf("unknown channel %q", name)
		}
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return channels, closeAll, nil
}
