// Command streamer is the on-device entry point: it wires the sensor
// reader, persistent queue, transport clients, status registry, background
// location task and coordinator together, then serves the local debug
// surface until an interrupt arrives. Grounded on the teacher's
// cmd/main.go wiring order (config -> logger -> infrastructure ->
// use-case/handler -> server -> signal-driven graceful shutdown).
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sensor-streamer/internal/auth"
	"sensor-streamer/internal/background"
	"sensor-streamer/internal/config"
	"sensor-streamer/internal/coordinator"
	"sensor-streamer/internal/debugapi"
	"sensor-streamer/internal/identity"
	"sensor-streamer/internal/logger"
	"sensor-streamer/internal/queue"
	"sensor-streamer/internal/sensor"
	"sensor-streamer/internal/status"
	"sensor-streamer/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("Failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	env := cfg.Server.Environment
	if env == "" {
		env = "development"
	}
	if err := logger.Init(env); err != nil {
		os.Stderr.WriteString("Failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting sensor streamer",
		zap.String("environment", env),
	)

	if !cfg.Sensor.StreamingEnabled {
		logger.Info("Sensor streaming disabled via SENSOR_STREAMING_ENABLED, idling")
		waitForSignal()
		return
	}

	sugar := logger.Sugar()

	q, err := queue.Open(cfg.Queue.Path, sugar)
	if err != nil {
		logger.Fatal("Failed to open persistent queue", zap.Error(err))
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("Failed to close persistent queue", zap.Error(err))
		}
	}()

	identityStore, err := identity.Open(q.DB())
	if err != nil {
		logger.Fatal("Failed to open device identity store", zap.Error(err))
	}

	deviceID, err := identityStore.DeviceID(context.Background(), nowMS())
	if err != nil {
		logger.Fatal("Failed to resolve device identity", zap.Error(err))
	}

	var driverID, vehicleID *string
	if cfg.Server.AuthToken != "" {
		claims, err := auth.NewDecoder().Decode(cfg.Server.AuthToken)
		if err != nil {
			logger.Warn("Failed to decode cached auth token, streaming without driver/vehicle tags", zap.Error(err))
		} else {
			driverID = claims.DriverIDPtr()
			vehicleID = claims.VehicleIDPtr()
		}
	}

	registry := status.New()

	foreground := transport.New(transport.Config{
		BaseURL:  cfg.ClickHouse.URL,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
	}, q, registry, sugar)

	backgroundClient := transport.New(transport.Config{
		BaseURL:         cfg.ClickHouse.URL,
		User:            cfg.ClickHouse.User,
		Password:        cfg.ClickHouse.Password,
		BreakerFailures: 5,
		BreakerCooldown: 60 * time.Second,
	}, q, registry, sugar)

	drainer := transport.NewDrainer(foreground, q, registry, sugar)

	reader := sensor.NewReader(logger.Logger,
		sensor.NewMotionSource(sensor.KindAccel, cfg.Sensor.RateHz),
		sensor.NewMotionSource(sensor.KindGyro, cfg.Sensor.RateHz),
		sensor.NewLocationSource(),
		func(kind sensor.Kind, err error) {
			sugar.Warnf("sensor source %s reported an error: %v", kind, err)
		},
	)

	bgSource := sensor.NewLocationSource()
	bgTask := background.New(deviceID, driverID, vehicleID, bgSource, q, backgroundClient, sugar, nowMS)

	coord := coordinator.New(coordinator.Deps{
		Queue:             q,
		Client:            foreground,
		Drainer:           drainer,
		Registry:          registry,
		Identity:          identityStore,
		Reader:            reader,
		Background:        bgTask,
		Logger:            sugar,
		NowFn:             nowMS,
		DriverID:          driverID,
		VehicleID:         vehicleID,
		AckedRetentionMS:  cfg.Queue.AckedRetention().Milliseconds(),
		FailedRetentionMS: cfg.Queue.FailedRetention().Milliseconds(),
	}, 1024, time.Duration(cfg.Sensor.BatchMS)*time.Millisecond)

	pre := coordinator.Preconditions{
		Authenticated:     true,
		PermissionGranted: true,
		Navigating:        true,
		FeatureEnabled:    cfg.Sensor.StreamingEnabled,
		PlatformSupported: true,
	}
	if err := coord.Start(context.Background(), pre, nowMS()); err != nil {
		logger.Fatal("Failed to start streaming coordinator", zap.Error(err))
	}

	var debugServer *debugapi.Server
	if cfg.DebugServer.Enabled {
		debugServer = debugapi.New(debugapi.Config{
			Enabled: cfg.DebugServer.Enabled,
			Host:    cfg.DebugServer.Host,
			Port:    cfg.DebugServer.Port,
		}, registry, q, env)
		debugServer.Start(debugapi.Config{Host: cfg.DebugServer.Host, Port: cfg.DebugServer.Port})
		logger.Info("Debug status server starting",
			zap.String("address", net.JoinHostPort(cfg.DebugServer.Host, cfg.DebugServer.Port)),
		)
	}

	waitForSignal()
	logger.Info("Shutdown signal received, stopping streamer...")

	coord.Stop()

	if debugServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := debugServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to shut down debug server", zap.Error(err))
		}
	}

	logger.Info("Streamer exited properly")
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
