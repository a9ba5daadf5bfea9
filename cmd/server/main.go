package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/engagement"
	"github.com/squadnet/internal/handler"
	"github.com/squadnet/internal/identity"
	"github.com/squadnet/internal/kafka"
	"github.com/squadnet/internal/leaderboard"
	"github.com/squadnet/internal/postgres"
	"github.com/squadnet/internal/redis"
	"github.com/squadnet/internal/retention"
	"github.com/squadnet/internal/service"
	"github.com/squadnet/internal/squad"
	"github.com/squadnet/internal/stats"
	"github.com/squadnet/internal/websocket"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis mirror
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	mirror, err := redis.NewMirror(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer mirror.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize core components
	engine := engagement.NewEngine(&cfg.Engagement, wsHub, repo, logger)
	registry := identity.NewRegistry(repo, cfg.Squad.SessionTTL, logger)
	boards := leaderboard.NewAggregator(&cfg.Leaderboard, mirror, repo, logger)
	squads := squad.NewManager(&cfg.Squad, engine, wsHub, repo, logger)
	validator := stats.NewValidator(&cfg.Stats, boards, engine, logger)

	// Recover durable state: engagement scores and live submissions.
	// Replaying submissions also reconciles the Redis mirror.
	logger.Info("recovering state from database")
	scores, err := repo.LoadUserScores(ctx)
	if err != nil {
		logger.Warn("failed to load user scores", "error", err)
	}
	for userID, score := range scores {
		engine.SetScore(userID, score)
	}
	submissions, err := repo.LoadSubmissions(ctx)
	if err != nil {
		logger.Warn("failed to load submissions", "error", err)
	}
	for i := range submissions {
		boards.OnSubmission(ctx, &submissions[i])
	}
	logger.Info("state recovered", "users", len(scores), "submissions", len(submissions))

	ledger := service.NewLedger(registry, squads, validator, boards, engine, mirror, wsHub, cfg, logger)

	// Initialize retention sweep worker
	sweeper := retention.NewScheduler(&cfg.Retention, squads, boards, engine, registry, validator, logger)
	if cfg.Retention.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("failed to start retention scheduler", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for the screenshot stat pipeline
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, ledger, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(ledger, sweeper, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop retention scheduler
	if sweeper.IsRunning() {
		if err := sweeper.Stop(); err != nil {
			logger.Error("failed to stop retention scheduler", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
