// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/courier/bus"
	localbus "github.com/absmach/courier/bus/local"
	mqttbus "github.com/absmach/courier/bus/mqtt"
	redisbus "github.com/absmach/courier/bus/redis"
	"github.com/absmach/courier/config"
	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/hub"
	"github.com/absmach/courier/presence"
	"github.com/absmach/courier/ratelimit"
	"github.com/absmach/courier/server/api"
	"github.com/absmach/courier/server/health"
	"github.com/absmach/courier/server/otel"
	"github.com/absmach/courier/server/websocket"
	"github.com/absmach/courier/store"
	"github.com/absmach/courier/store/badger"
	"github.com/absmach/courier/store/memory"
	"github.com/absmach/courier/store/postgres"
	"github.com/absmach/courier/typing"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting courier delivery node", "node_id", cfg.Server.NodeID)
	slog.Info("Configuration loaded",
		"ws_addr", cfg.Server.WSAddr,
		"ws_path", cfg.Server.WSPath,
		"api_enabled", cfg.Server.APIEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"store_type", cfg.Store.Type,
		"bus_type", cfg.Bus.Type,
		"log_level", cfg.Log.Level)

	var st store.Store
	switch cfg.Store.Type {
	case "memory":
		st = memory.New(cfg.Delivery.MaxContentBytes)
		slog.Info("Using in-memory store")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:               cfg.Store.BadgerDir,
			MaxContentBytes:   cfg.Delivery.MaxContentBytes,
			CompressThreshold: cfg.Store.CompressThreshold,
			SyncWrites:        cfg.Store.SyncWrites,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB store", "error", err)
			os.Exit(1)
		}
		st = badgerStore
		slog.Info("Using BadgerDB persistent store", "dir", cfg.Store.BadgerDir)
	case "postgres":
		pgStore, err := postgres.New(postgres.Config{
			DSN:             cfg.Store.PostgresDSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnectTimeout:  cfg.Store.ConnectTimeout,
			MaxContentBytes: cfg.Delivery.MaxContentBytes,
		})
		if err != nil {
			slog.Error("Failed to initialize PostgreSQL store", "error", err)
			os.Exit(1)
		}
		st = pgStore
		slog.Info("Using PostgreSQL store")
	default:
		slog.Error("Unknown store type", "type", cfg.Store.Type)
		os.Exit(1)
	}
	defer st.Close()

	var b bus.Bus
	switch cfg.Bus.Type {
	case "local":
		b = localbus.New()
		slog.Info("Using in-process bus, events stay on this node")
	case "redis":
		redisBus, err := redisbus.New(redisbus.Config{
			URL:      cfg.Bus.Redis.URL,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
		}, logger)
		if err != nil {
			slog.Error("Failed to connect to Redis bus", "error", err)
			os.Exit(1)
		}
		b = redisBus
		slog.Info("Using Redis pub/sub bus", "url", cfg.Bus.Redis.URL)
	case "mqtt":
		mqttBus, err := mqttbus.New(mqttbus.Config{
			Broker:   cfg.Bus.MQTT.Broker,
			ClientID: cfg.Bus.MQTT.ClientID,
			Username: cfg.Bus.MQTT.Username,
			Password: cfg.Bus.MQTT.Password,
			QoS:      byte(cfg.Bus.MQTT.QoS),
		}, logger)
		if err != nil {
			slog.Error("Failed to connect to MQTT bus", "error", err)
			os.Exit(1)
		}
		b = mqttBus
		slog.Info("Using MQTT bridge bus", "broker", cfg.Bus.MQTT.Broker)
	default:
		slog.Error("Unknown bus type", "type", cfg.Bus.Type)
		os.Exit(1)
	}
	defer b.Close()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, cfg.Server.NodeID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	stats := hub.NewStats()
	registry := hub.New(b, stats, metrics, logger)

	pipeline := delivery.New(delivery.Config{
		FetchLimit:        cfg.Delivery.FetchLimit,
		PublishAttempts:   cfg.Delivery.PublishAttempts,
		PublishBackoff:    cfg.Delivery.PublishBackoff,
		PublishMaxBackoff: cfg.Delivery.PublishMaxBackoff,
		BreakerThreshold:  cfg.Delivery.BreakerThreshold,
		BreakerReset:      cfg.Delivery.BreakerReset,
	}, st, b, registry, metrics, logger)

	presenceTracker := presence.New(presence.Config{
		AwayAfter:     cfg.Presence.AwayAfter,
		OfflineGrace:  cfg.Presence.OfflineGrace,
		SweepInterval: cfg.Presence.SweepInterval,
	}, pipeline.PublishPresence, logger)
	defer presenceTracker.Close()

	typingTracker := typing.New(typing.Config{
		TTL:           cfg.Typing.TTL,
		SweepInterval: cfg.Typing.SweepInterval,
	}, pipeline.PublishTyping, logger)
	defer typingTracker.Close()

	var limits *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		limits = ratelimit.NewManager(cfg.RateLimit)
		defer limits.Stop()

		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("message", cfg.RateLimit.Message.Enabled),
			slog.Bool("subscribe", cfg.RateLimit.Subscribe.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 10)

	wsCfg := websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxPayload:      cfg.Server.MaxPayload,
		QueueSize:       cfg.Server.QueueSize,
		PingInterval:    cfg.Server.PingInterval,
		WriteTimeout:    cfg.Server.WriteTimeout,
		PongTimeout:     cfg.Server.PongTimeout,
	}
	wsServer := websocket.New(wsCfg, registry, pipeline, presenceTracker, typingTracker, limits, nil, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.APIEnabled {
		apiCfg := api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Token:           cfg.Server.APIToken,
		}
		apiServer := api.New(apiCfg, registry, pipeline, presenceTracker, st, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting admin API server", "address", cfg.Server.APIAddr)
			if err := apiServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, cfg.Server.NodeID, st, b, stats, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Courier delivery node started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	// Listeners are down; drop the clients that were still connected so
	// their read loops unwind before the bus and store close underneath.
	registry.Close()

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Courier delivery node stopped")
}
