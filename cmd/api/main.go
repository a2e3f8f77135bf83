package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kurihiro0119/github-fork-cleaner/internal/api"
	"github.com/kurihiro0119/github-fork-cleaner/internal/auth"
	"github.com/kurihiro0119/github-fork-cleaner/internal/config"
	"github.com/kurihiro0119/github-fork-cleaner/internal/deletion"
	"github.com/kurihiro0119/github-fork-cleaner/internal/encryption"
	"github.com/kurihiro0119/github-fork-cleaner/internal/gateway"
	"github.com/kurihiro0119/github-fork-cleaner/internal/history"
	"github.com/kurihiro0119/github-fork-cleaner/internal/logging"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage/postgres"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage/sqlite"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Tokens at rest
	var cipher storage.TokenCipher = storage.PlainText{}
	if cfg.EncryptionKey != "" {
		svc, err := encryption.NewService(cfg.EncryptionKey)
		if err != nil {
			logger.Fatalf("Failed to initialize token encryption: %v", err)
		}
		cipher = svc
	} else {
		logger.Warn("ENCRYPTION_KEY is not set, GitHub tokens are stored unencrypted")
	}

	// Initialize storage
	var store storage.Storage
	switch cfg.StorageType {
	case "postgres":
		store, err = postgres.NewPostgresStorage(cfg.PostgresURL, cipher)
		if err != nil {
			logger.Fatalf("Failed to initialize PostgreSQL storage: %v", err)
		}
	default:
		store, err = sqlite.NewSQLiteStorage(cfg.SQLitePath, cipher)
		if err != nil {
			logger.Fatalf("Failed to initialize SQLite storage: %v", err)
		}
	}
	defer store.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatalf("Failed to migrate storage: %v", err)
	}
	cancelMigrate()

	// Sessions and sign-in
	sessions := auth.NewSessionManager(cfg.SessionSecret, cfg.SessionTTL)
	authOpts := []auth.Option{auth.WithLogger(logger)}
	if cfg.GitHubAPIURL != "" {
		authOpts = append(authOpts, auth.WithAPIURL(cfg.GitHubAPIURL))
	}
	authenticator := auth.NewAuthenticator(
		cfg.GitHubClientID,
		cfg.GitHubClientSecret,
		cfg.OAuthRedirectURL,
		store,
		sessions,
		authOpts...,
	)

	// One gateway per session
	gateways := api.NewSessionGateways(func(userID string) api.RepositoryGateway {
		return gateway.New(userID, store,
			gateway.WithBaseURL(cfg.GitHubAPIURL),
			gateway.WithAppID(cfg.GitHubAppID),
			gateway.WithLogger(logger),
		)
	})

	batches := deletion.NewManager(store,
		deletion.WithManagerGraceInterval(cfg.GraceInterval),
		deletion.WithManagerLogger(logger),
	)

	// Initialize handlers
	handler := api.NewHandler(gateways, batches, history.NewHistory(store), cfg.InstallURL(), logger)
	authHandler := api.NewAuthHandler(authenticator, store, gateways)

	// Setup routes
	router := api.SetupRoutes(handler, authHandler, sessions, cfg.CORSOrigins, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    cfg.Address(),
			"storage": cfg.StorageType,
		}).Info("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Running batches stop before their next repository and record their history
	if err := batches.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Batches did not finish before shutdown")
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
