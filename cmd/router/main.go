package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"conversation-router/pkg/audit"
	"conversation-router/pkg/auth"
	"conversation-router/pkg/config"
	"conversation-router/pkg/constants"
	"conversation-router/pkg/exchange"
	"conversation-router/pkg/goals"
	"conversation-router/pkg/guardrails"
	"conversation-router/pkg/handlers"
	"conversation-router/pkg/handoff"
	"conversation-router/pkg/intent"
	"conversation-router/pkg/mentions"
	"conversation-router/pkg/metrics"
	"conversation-router/pkg/orchestrator"
	"conversation-router/pkg/presentation"
	redisClient "conversation-router/pkg/redis"
	"conversation-router/pkg/remote"
	"conversation-router/pkg/server"
	"conversation-router/pkg/store"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithField("port", cfg.Port).Info("Starting conversation router")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Connect to Redis
	redis, err := redisClient.NewClient(redisClient.DefaultConnectionConfig(cfg.RedisURL), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	conversations := store.NewRedisStore(redis.GetRedisClient(), cfg.HistoryLimit, logger, m)

	ledger, err := audit.NewSQLiteLedger(cfg.AuditDBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open audit ledger")
	}
	defer ledger.Close()

	timeout := cfg.RemoteTimeout()
	authManager := auth.NewManager(conversations, remote.NewIdentityClient(cfg.IdentityURL, timeout), auth.Options{
		Digits:          cfg.AuthDigits,
		SessionDuration: cfg.AuthSessionDuration(),
		AccountWindow:   cfg.AuthAccountWindow(),
	}, logger, m)

	tools := auth.NewToolGuard(authManager, remote.NewToolClient(cfg.ToolGatewayURL, timeout), auth.DefaultProtectedTools...)

	hours := goals.BusinessHours{
		Location:  cfg.BusinessLocation(),
		Days:      cfg.BusinessDays,
		StartHour: cfg.BusinessHoursStart,
		EndHour:   cfg.BusinessHoursEnd,
	}

	router := orchestrator.New(orchestrator.Dependencies{
		Guardrails:   guardrails.NewGate(cfg.MaxMessageLength, logger),
		Classifier:   intent.NewKeywordClassifier(intent.SpanishRules()),
		Store:        conversations,
		Handler:      remote.NewHandlerClient(cfg.HandlerURL, timeout, tools, logger, m),
		Handoff:      handoff.NewStreamPublisher(redis.GetRedisClient(), cfg.HandoffStream, logger, m),
		Auth:         authManager,
		Presentation: presentation.NewEngine(presentation.NewRegexDetector(presentation.SpanishPatterns()), cfg.RecencyWindow()),
		Goals:        goals.NewTracker(logger),
		Policy:       goals.NewUnknownCasePolicy(ledger, hours, cfg.ConfidenceThreshold, logger),
		Mentions:     mentions.NewExtractor(logger),
		Exchange:     exchange.NewMachine(constants.MaxExchangeValidationAttempts),
	}, orchestrator.Options{HistoryLimit: cfg.HistoryLimit}, logger, m)

	handler := handlers.NewHandler(router, authManager, ledger, map[string]handlers.Pinger{
		"redis": conversations,
		"audit": ledger,
	}, logger)
	httpServer := server.NewHTTPServer(cfg, handler, logger)

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
	}

	logger.Info("Conversation router shutdown complete")
}
