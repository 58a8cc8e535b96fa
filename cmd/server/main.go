package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/drone-inventory/internal/adapter/auth"
	"github.com/rl1809/drone-inventory/internal/adapter/handler"
	"github.com/rl1809/drone-inventory/internal/adapter/storage"
	"github.com/rl1809/drone-inventory/internal/config"
	"github.com/rl1809/drone-inventory/internal/core/domain"
	"github.com/rl1809/drone-inventory/internal/core/service"
	"github.com/rl1809/drone-inventory/internal/observability/logger"
	"github.com/rl1809/drone-inventory/internal/observability/metrics"
	"github.com/rl1809/drone-inventory/internal/port"
)

const (
	serviceName         = "drone-inventory"
	healthCheckInterval = 10 * time.Second
	shutdownTimeout     = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(logger.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledgerStore, closeLedger, err := openLedger(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("open ledger", zap.String("driver", cfg.LedgerDriver), zap.Error(err))
	}

	telemetry, closeTelemetry, err := openTelemetry(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("open telemetry store", zap.String("driver", cfg.TelemetryDriver), zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize core
	resolver := auth.NewJWTResolver(cfg.TokenSecret, cfg.TokenAlgorithm)
	tracker := service.NewSessionTracker(ledgerStore, cfg.SessionIdleTimeout(),
		service.WithTrackerLogger(logr.Named("sessions")),
		service.WithTrackerMetrics(m),
	)
	registry := service.NewRegistry(logr.Named("registry"), m)
	ledger := service.NewLedger(ledgerStore, ledgerStore, tracker, service.LedgerConfig{
		StoreTimeout: cfg.StoreTimeout(),
		Logger:       logr.Named("ledger"),
		Metrics:      m,
	})
	dispatcher := service.NewDispatcher(ledger, tracker, registry, telemetry, service.DispatcherConfig{
		StoreTimeout: cfg.StoreTimeout(),
		Logger:       logr.Named("dispatcher"),
		Metrics:      m,
	})

	// Start idle sweep
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Run(ctx, cfg.SessionSweepInterval(), func(s domain.ScanSession) {
			dispatcher.AnnounceSessionClosed(s, domain.CloseReasonIdle)
		})
	}()
	logr.Info("idle sweep started",
		zap.Duration("idle_timeout", cfg.SessionIdleTimeout()),
		zap.Duration("interval", cfg.SessionSweepInterval()))

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	grpcHealth := handler.NewGRPCHealth(ledgerStore, logr.Named("grpc"))
	grpcHealth.Register(grpcServer)

	wg.Add(1)
	go func() {
		defer wg.Done()
		grpcHealth.Run(ctx, healthCheckInterval)
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logr.Fatal("grpc listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	go func() {
		logr.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logr.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	wsHandler := handler.NewWSHandler(resolver, registry, dispatcher, handler.WSConfig{
		OutboxSize: cfg.OutboxSize,
		Logger:     logr.Named("ws"),
	})
	httpHandler := handler.NewHTTPHandler(ledgerStore, logr.Named("http"))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewMux(wsHandler, httpHandler, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logr.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logr.Warn("HTTP shutdown", zap.Error(err))
	}
	logr.Info("HTTP server stopped")

	// hijacked websockets outlive httpServer.Shutdown
	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		logr.Warn("websocket shutdown", zap.Error(err))
	}
	logr.Info("websocket connections closed")

	grpcHealth.Shutdown()
	grpcServer.GracefulStop()
	logr.Info("gRPC server stopped")

	cancel()
	wg.Wait()
	logr.Info("background loops stopped")

	closeTelemetry()
	closeLedger()
	logr.Info("connections closed")
}

func openLedger(ctx context.Context, cfg config.Config, logr *zap.Logger) (port.Ledger, func(), error) {
	switch cfg.LedgerDriver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logr.Info("connected to mysql")
		return adapter, func() { db.Close() }, nil

	case config.DriverSQLite:
		adapter, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logr.Info("opened sqlite ledger", zap.String("path", cfg.SQLitePath))
		return adapter, func() { adapter.Close() }, nil

	default:
		logr.Warn("using in-memory ledger, inventory is lost on exit")
		return storage.NewMemoryLedger(), func() {}, nil
	}
}

func openTelemetry(ctx context.Context, cfg config.Config, logr *zap.Logger) (port.TelemetryStore, func(), error) {
	if cfg.TelemetryDriver != config.DriverRedis {
		return storage.NewMemoryTelemetry(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logr.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	return storage.NewRedisTelemetryAdapter(rdb), func() { rdb.Close() }, nil
}
