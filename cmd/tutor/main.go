package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/handlers"
	"github.com/exam-tutor-go/internal/i18n"
	"github.com/exam-tutor-go/internal/middleware"
	"github.com/exam-tutor-go/internal/services/ai"
	"github.com/exam-tutor-go/internal/services/conversation"
	"github.com/exam-tutor-go/internal/services/objectstore"
	"github.com/exam-tutor-go/internal/services/quota"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/exam-tutor-go/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting exam tutor...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := middleware.NewMetrics()
	log.AddHook(logger.NewErrorKindHook(metrics))

	// Initialize storage
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer storageManager.Close()
	storageManager.SetRecorder(metrics)
	quota.RegisterProcedures(storageManager)

	if err := storageManager.Ping(ctx); err != nil {
		log.WithError(err).Fatal("Storage is not reachable")
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	aiService := ai.NewClient(&cfg.AI, log)
	objects := objectstore.NewHTTPStorage(&cfg.ObjectStorage, log)
	conversations := conversation.NewStore(storageManager, &cfg.Session, metrics, log)
	tiers := quota.NewCatalog(storageManager, &cfg.Quota, log)

	sessions, err := handlers.NewSessionManager(handlers.SessionDeps{
		Config:        cfg,
		Store:         storageManager,
		Objects:       objects,
		Conversations: conversations,
		Tiers:         tiers,
		Localizer:     localizer,
		Metrics:       metrics,
		Logger:        log,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize sessions")
	}

	messageHandler := handlers.NewMessageHandler(cfg, aiService, conversations, metrics, localizer, log)
	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, metrics, log)
	api := handlers.NewAPI(sessions, messageHandler, rateLimiter, storageManager, localizer, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("HTTP API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	var metricsServer *http.Server
	if cfg.Monitoring.Metrics.Enabled {
		metricsServer = middleware.NewMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path, tiers.Invalidate)
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	go startPeriodicTasks(ctx, sessions, storageManager, metrics, log)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	sessions.CloseAll()
	log.Info("Exam tutor stopped")
}

// startPeriodicTasks reports session counts and storage health
func startPeriodicTasks(ctx context.Context, sessions *handlers.SessionManager, store *storage.Manager, metrics *middleware.Metrics, log *logrus.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetActiveSessions(sessions.Count())
			if err := store.Ping(ctx); err != nil {
				log.WithError(err).Warn("Storage health check failed")
			}
		}
	}
}
