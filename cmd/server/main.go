package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sudooom.dm/internal/config"
	"sudooom.dm/internal/connection"
	"sudooom.dm/internal/health"
	imnats "sudooom.dm/internal/nats"
	"sudooom.dm/internal/presence"
	"sudooom.dm/internal/queue"
	"sudooom.dm/internal/repository"
	"sudooom.dm/internal/scheduler"
	"sudooom.dm/internal/search"
	"sudooom.dm/internal/server"
	"sudooom.dm/internal/service"
	"sudooom.dm/internal/web/handler"
	"sudooom.dm/internal/web/router"
	"sudooom.dm/internal/workerpool"
	"sudooom.dm/pkg/jwt"
	"sudooom.dm/pkg/snowflake"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 雪花ID生成器
	sf, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	// 连接 NATS
	natsClient, err := imnats.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	// 连接 Redis
	redisClient := connectRedis(cfg.Redis)
	defer redisClient.Close()
	logger.Info("Connected to Redis", "host", cfg.Redis.Host)

	// 连接数据库
	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

	// 存储层
	userRepo := repository.NewUserRepository(db)
	convRepo := repository.NewConversationRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	amRepo := repository.NewAutoMessageRepository(db)

	// 基础设施
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessExpire, cfg.JWT.RefreshExpire)
	registry := presence.NewRedisRegistry(redisClient)
	broadcaster := imnats.NewRoomBroadcaster(natsClient)
	indexer := search.NewNATSIndexer(natsClient)

	// 持久化发送队列
	sendQueue, err := queue.NewJetStreamQueue(natsClient.Conn())
	if err != nil {
		logger.Error("Failed to create send queue", "error", err)
		os.Exit(1)
	}

	// 服务层
	authService := service.NewAuthService(userRepo, jwtService, sf)
	convService := service.NewConversationService(convRepo, sf)
	msgService := service.NewMessageService(msgRepo, convService, broadcaster, indexer, sf)
	amService := service.NewAutoMessageService(amRepo, msgRepo, convService, broadcaster, sf)

	// 队列消费者
	if err := sendQueue.Consume(ctx, amService.HandleSendJob); err != nil {
		logger.Error("Failed to start queue consumer", "error", err)
		os.Exit(1)
	}

	// 定时消息扫描器
	var strategy scheduler.Strategy
	if cfg.Scheduler.Strategy == "batch" {
		strategy = scheduler.NewBatchStrategy(amRepo, sendQueue)
	} else {
		strategy = scheduler.NewClaimStrategy(amRepo, sendQueue)
	}
	scanner := scheduler.NewScanner(strategy, cfg.Scheduler.ScanInterval)
	if err := scanner.Start(); err != nil {
		logger.Error("Failed to start scanner", "error", err)
		os.Exit(1)
	}

	// 随机配对任务
	var shuffleLoop *scheduler.ShuffleLoop
	if cfg.Scheduler.ShuffleEnabled {
		shuffleService := service.NewShuffleService(userRepo, amService)
		shuffleLoop = scheduler.NewShuffleLoop(shuffleService, cfg.Scheduler.ShuffleInterval)
		shuffleLoop.Start()
	}

	// 传输层
	pool := workerpool.New(cfg.Server.WorkerCount, cfg.Server.QueueSize)
	connMgr := connection.NewManager()
	srvHandler := server.NewHandler(connMgr, jwtService, msgService, convService, broadcaster, pool)
	wtServer := server.New(cfg, srvHandler, connMgr, registry, natsClient)

	go func() {
		if err := wtServer.Start(ctx); err != nil {
			logger.Error("WebTransport server exited", "error", err)
			cancel()
		}
	}()

	// HTTP API
	authHandler := handler.NewAuthHandler(authService)
	msgHandler := handler.NewMessageHandler(msgService, convService, amService)
	userHandler := handler.NewUserHandler(userRepo, registry)
	engine := router.SetupRouter(cfg, jwtService, authHandler, msgHandler, userHandler)

	webServer := &http.Server{
		Addr:    cfg.Web.Addr,
		Handler: engine,
	}
	go func() {
		logger.Info("Web server starting", "addr", cfg.Web.Addr)
		if err := webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Web server failed", "error", err)
			cancel()
		}
	}()

	// 健康检查
	healthChecker := health.NewChecker(natsClient.Conn(), redisClient, db, connMgr)
	go startHealthServer(healthChecker, logger)

	logger.Info("Service started", "name", cfg.App.Name)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Web server shutdown failed", "error", err)
	}

	wtServer.Shutdown()
	pool.Shutdown()
	scanner.Stop()
	if shuffleLoop != nil {
		shuffleLoop.Stop()
	}
	if err := sendQueue.Stop(); err != nil {
		logger.Error("Queue consumer stop failed", "error", err)
	}

	logger.Info("Service stopped")
}

// startHealthServer 启动健康检查 HTTP 服务
func startHealthServer(healthChecker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/health", healthChecker)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if healthChecker.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})

	server := &http.Server{
		Addr:    ":8081",
		Handler: mux,
	}

	logger.Info("Health check server started", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health check server failed", "error", err)
	}
}

// connectRedis 连接 Redis
func connectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}
