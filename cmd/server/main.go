package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-realtime-counter/internal"
	"github.com/koopa0/system-design/14-realtime-counter/internal/migrations"
	"github.com/koopa0/system-design/14-realtime-counter/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔案路徑")
	port := flag.Int("port", 0, "覆蓋配置中的監聽端口")
	logLevel := flag.String("log-level", "", "覆蓋配置中的日誌級別 (debug/info/warn/error)")
	logFormat := flag.String("log-format", "", "覆蓋配置中的日誌格式 (text/json)")
	flag.Parse()

	// 載入配置
	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		config.Server.Port = *port
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}
	if *logFormat != "" {
		config.Log.Format = *logFormat
	}

	// 設定日誌
	var logger *slog.Logger
	if config.Log.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(config.Log.Level),
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(config.Log.Level),
		}))
	}
	slog.SetDefault(logger)

	ctx := context.Background()

	// 建立持久層
	store, cleanup, err := buildStore(ctx, config, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "backend", config.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// 房間協調器 + WebSocket 傳輸 + 觀測端點
	room := internal.NewRoom(store, config.RoomOptions(), logger)
	hub := internal.NewHub(room, logger)
	handler := internal.NewHandler(room, hub, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"port", config.Server.Port,
			"backend", config.Storage.Backend,
			"identity_policy", config.Room.IdentityPolicy)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)

		// 給予 30 秒時間完成當前請求
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 停止心跳並斷開所有會話，再關閉 HTTP 伺服器
		room.Stop()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				logger.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	logger.Info("server stopped")
}

// buildStore 依配置建立持久層後端
func buildStore(ctx context.Context, config *internal.Config, logger *slog.Logger) (storage.Store, func(), error) {
	switch config.Storage.Backend {
	case "memory":
		store := storage.NewMemory()
		return store, func() { _ = store.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         config.Redis.Addr,
			Password:     config.Redis.Password,
			DB:           config.Redis.DB,
			PoolSize:     config.Redis.PoolSize,
			MinIdleConns: config.Redis.MinIdleConns,
			MaxRetries:   config.Redis.MaxRetries,
			ReadTimeout:  config.Redis.ReadTimeout,
			WriteTimeout: config.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		store := storage.NewRedis(client)
		return store, func() { _ = store.Close() }, nil

	case "postgres":
		// 先執行資料庫遷移
		migrator, err := migrations.New(config.PostgresURL(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create migrator: %w", err)
		}
		if err := migrator.Up(); err != nil {
			_ = migrator.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		if err := migrator.Close(); err != nil {
			return nil, nil, fmt.Errorf("close migrator: %w", err)
		}

		// 使用 pgxpool 而非單一連線
		pgConfig, err := pgxpool.ParseConfig(config.PostgresDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = config.Postgres.MaxConns
		pgConfig.MinConns = config.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		store := storage.NewPostgres(pool)
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %q", config.Storage.Backend)
	}
}

// parseLogLevel 解析日誌級別
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
