package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/api"
	"github.com/acme/telecalling/internal/app"
	"github.com/acme/telecalling/internal/telemetry"
	"github.com/acme/telecalling/internal/worker/status"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath, app.RoleStatusWorker)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	appCfg := container.Config.App
	appCfg.Name += "-statusworker"
	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, appCfg)
	if err != nil {
		container.Logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureSchema(ctx); err != nil {
		container.Logger.Fatal("failed to ensure schema", zap.Error(err))
	}
	if err := container.EnsureTopics(ctx); err != nil {
		container.Logger.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	server := api.NewServer(container, api.HistoryHandlerSet(container))
	go func() {
		if err := server.Start(ctx); err != nil {
			container.Logger.Error("history api terminated", zap.Error(err))
		}
	}()

	worker := status.New(container)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		container.Logger.Error("status worker terminated", zap.Error(err))
	}
	_ = server.Shutdown()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
