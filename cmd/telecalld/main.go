package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/api"
	"github.com/acme/telecalling/internal/app"
	"github.com/acme/telecalling/internal/telemetry"
	"github.com/acme/telecalling/internal/worker/dial"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath, app.RoleAgent)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger
	cfg := container.Config

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App)
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	svc := container.Calls().Session

	// The publisher outlives ctx so the statuses emitted by Destroy still
	// reach Kafka.
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	var wg sync.WaitGroup
	if d := container.Dispatchers(); d != nil {
		svc.OnStatusChange(d.Status)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := d.Status.Run(pubCtx); err != nil {
				lg.Error("status publisher stopped", zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			if err := dial.New(container).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("dial worker stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Call.AutoInitialize {
		if !svc.Initialize(ctx, cfg.WebRTC) {
			lg.Warn("auto-initialize failed, waiting for an explicit initialize request")
		}
	}

	server := api.NewServer(container, api.HandlerSet(container))
	lg.Info("telecalld listening", zap.Int("port", cfg.HTTP.Port), zap.String("agent_id", cfg.Call.AgentID))
	if err := server.Start(ctx); err != nil {
		lg.Error("server terminated", zap.Error(err))
	}
	cancel()

	svc.Destroy(context.Background())
	stopPublisher()
	wg.Wait()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
