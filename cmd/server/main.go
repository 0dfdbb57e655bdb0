package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/jengzang/hospital-bulk-go/internal/api"
	"github.com/jengzang/hospital-bulk-go/internal/config"
	"github.com/jengzang/hospital-bulk-go/internal/database"
	"github.com/jengzang/hospital-bulk-go/internal/dispatch"
	"github.com/jengzang/hospital-bulk-go/internal/handler"
	"github.com/jengzang/hospital-bulk-go/internal/hospitalapi"
	"github.com/jengzang/hospital-bulk-go/internal/logging"
	"github.com/jengzang/hospital-bulk-go/internal/middleware"
	"github.com/jengzang/hospital-bulk-go/internal/progress"
	"github.com/jengzang/hospital-bulk-go/internal/repository"
	"github.com/jengzang/hospital-bulk-go/internal/service"
)

func main() {
	configFile := pflag.String("config", "", "Path to an optional YAML config file; environment variables take precedence")
	pflag.Parse()

	// 加载配置
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化断点存储
	store, closeStore, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s checkpoint store: %v", cfg.CheckpointBackend, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithError(err).Warn("Failed to close checkpoint store")
		}
	}()

	// 初始化服务
	client := hospitalapi.NewClient(hospitalapi.Config{
		BaseURL:        cfg.HospitalAPIBaseURL,
		Timeout:        cfg.HTTPTimeout,
		ConnectTimeout: cfg.HTTPConnectTimeout,
		MaxKeepAlive:   cfg.HTTPMaxKeepAlive,
		MaxConnections: cfg.HTTPMaxConnections,
		Retry: hospitalapi.RetryPolicy{
			Attempts: cfg.HTTPRetryAttempts,
			Delay:    cfg.HTTPRetryDelay,
			MaxDelay: cfg.HTTPRetryMaxDelay,
		},
	})
	tracker := progress.NewTracker()
	dispatcher := dispatch.New(client, tracker, cfg.MaxConcurrentRequests)
	bulkService := service.NewBulkService(tracker, dispatcher, client, store, cfg.MaxCSVSize)
	bulkHandler := handler.NewBulkHandler(bulkService, cfg.MaxCSVSize, cfg.ProgressCleanupAge)

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	defer limiter.Stop()

	// 初始化路由
	router := api.SetupRouter(cfg, bulkHandler, limiter)
	server := &http.Server{
		Addr:              cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// 启动服务器
	g.Go(func() error {
		log.Infof("Server starting on port %s (checkpoints: %s, concurrency: %d)", cfg.Port, cfg.CheckpointBackend, cfg.MaxConcurrentRequests)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 定期清理已结束的批次
	g.Go(func() error {
		bulkService.RunCleanupLoop(gctx, cfg.CleanupInterval, cfg.ProgressCleanupAge)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		bulkService.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server stopped with error")
	}
}

func openCheckpointStore(ctx context.Context, cfg *config.Config) (service.CheckpointStore, func() error, error) {
	switch cfg.CheckpointBackend {
	case "file":
		store, err := repository.NewFileCheckpointStore(cfg.CheckpointDir)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return repository.NewRedisCheckpointStore(rdb, ""), rdb.Close, nil

	default:
		// 初始化数据库
		if err := database.Init(database.Config{Path: cfg.DBPath}); err != nil {
			return nil, nil, err
		}
		return repository.NewCheckpointRepository(database.GetDB()), database.Close, nil
	}
}
