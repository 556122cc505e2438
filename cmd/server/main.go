package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"renddirect/internal/config"
	"renddirect/internal/db"
	"renddirect/internal/logging"
	"renddirect/internal/server"
)

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.Dev)
	defer logger.Sync()
	logger.Info("starting server")

	// Modify database path for load testing
	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			logger.Fatal("failed to resolve working directory", zap.Error(err))
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0755); err != nil {
			logger.Fatal("failed to create loadtest directory", zap.Error(err))
		}
		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info("using load testing database", zap.String("path", loadTestPath))
	}

	logger.Info("loaded configuration",
		zap.String("addr", cfg.ServerAddress),
		zap.String("database", cfg.CleanDatabasePath()),
		zap.String("allowed_origin", cfg.AllowedOrigin))

	database, err := db.NewDB(cfg.CleanDatabasePath(), logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	logger.Info("database connection established")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg, database, logger).Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return
	}
	logger.Info("server shut down")
}
