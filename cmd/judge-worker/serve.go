package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tiger/internal/common/cache"
	commonmw "tiger/internal/common/http/middleware"
	"tiger/internal/common/mq"
	"tiger/internal/judge/controller"
	"tiger/internal/judge/coordinator"
	"tiger/internal/judge/fetcher"
	"tiger/internal/judge/metrics"
	"tiger/internal/judge/repository"
	"tiger/internal/judge/sandbox"
	"tiger/internal/judge/service"
	"tiger/internal/judge/task"
	"tiger/internal/judge/toolchain"
	"tiger/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume judging jobs until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, err := loadAppConfig(configPath, os.LookupEnv)
		if err != nil {
			return fmt.Errorf("load app config failed: %w", err)
		}
		if err := logger.Init(appCfg.Logger); err != nil {
			return fmt.Errorf("init logger failed: %w", err)
		}
		defer func() {
			_ = logger.Sync()
		}()
		return serve(appCfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")
	rootCmd.AddCommand(serveCmd)
}

func serve(appCfg *AppConfig) error {
	ctx := context.Background()

	toolchains, err := toolchain.Load(appCfg.Toolchains.Path, appCfg.Toolchains.Queues, appCfg.Toolchains.QueuesType)
	if err != nil {
		logger.Error(ctx, "load toolchains failed", zap.Error(err))
		return err
	}

	docker, err := sandbox.NewDockerClient()
	if err != nil {
		logger.Error(ctx, "init docker client failed", zap.Error(err))
		return err
	}
	defer func() {
		_ = docker.Close()
	}()
	if appCfg.Toolchains.PullOnStart {
		if err := toolchains.PullImages(ctx, docker); err != nil {
			logger.Error(ctx, "pull toolchain images failed", zap.Error(err))
			return err
		}
	}

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "init redis failed", zap.Error(err))
		return err
	}
	defer func() {
		_ = redisCache.Close()
	}()
	taskRepo := repository.NewTaskRepository(redisCache, appCfg.Worker.StateTTL)

	queue, err := newQueue(appCfg)
	if err != nil {
		logger.Error(ctx, "init message queue failed", zap.String("kind", appCfg.Broker.Kind), zap.Error(err))
		return err
	}
	defer func() {
		_ = queue.Close()
	}()

	m := metrics.New()
	login := task.CoordinatorLogin(appCfg.Coordinator, coordinator.WithRetryObserver(m.CoordinatorRetry))
	orchestrator, err := task.NewOrchestrator(
		appCfg.Task,
		login,
		fetcher.New(fetcher.MinIOFactory(appCfg.Storage)),
		task.DockerSandboxes(docker, appCfg.Sandbox, m),
		task.WithStateRecorder(taskRepo),
	)
	if err != nil {
		logger.Error(ctx, "init orchestrator failed", zap.Error(err))
		return err
	}

	var events repository.TaskEventPublisher
	if topic := appCfg.eventTopic(); topic != "" {
		events = repository.NewMQTaskEventPublisher(queue, topic)
	}
	hostname, _ := os.Hostname()
	judgeSvc, err := service.NewService(service.Config{
		Runner:          orchestrator,
		Queue:           queue,
		Tasks:           taskRepo,
		Events:          events,
		Metrics:         m,
		Owner:           hostname + "/" + uuid.NewString(),
		RetryDelay:      appCfg.Worker.RetryDelay,
		LeaseTTL:        appCfg.Worker.LeaseTTL,
		MaxRequeues:     appCfg.Worker.MaxRequeues,
		DeadLetterTopic: appCfg.Broker.DeadLetterTopic,
	})
	if err != nil {
		logger.Error(ctx, "init judge service failed", zap.Error(err))
		return err
	}

	topics := toolchains.Topics()
	limiter := mq.NewTokenLimiter(appCfg.Worker.PoolSize)
	err = queue.Subscribe(ctx, topics, judgeSvc.HandleMessage, &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Broker.ConsumerGroup,
		Limiter:         limiter,
		DeadLetterTopic: appCfg.Broker.DeadLetterTopic,
	})
	if err != nil {
		logger.Error(ctx, "subscribe failed", zap.Error(err))
		return err
	}
	if err := queue.Start(); err != nil {
		logger.Error(ctx, "start consumer failed", zap.Error(err))
		return err
	}
	logger.Info(ctx, "judge worker consuming", zap.Strings("topics", topics),
		zap.String("broker", appCfg.Broker.Kind), zap.Int("pool_size", limiter.Capacity()))

	checks := map[string]controller.HealthCheck{
		"redis": redisCache.Ping,
		"queue": queue.Ping,
		"docker": func(ctx context.Context) error {
			_, err := docker.Ping(ctx)
			return err
		},
	}
	httpServer := buildHTTPServer(appCfg.Server, controller.NewJudgeController(taskRepo, judgeSvc, checks), m)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		_ = queue.Stop()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received", zap.Int("active_jobs", len(judgeSvc.Active())))
	}

	// Stop consuming first: running jobs are interrupted and requeued.
	_ = queue.Stop()
	stopCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func newQueue(cfg *AppConfig) (mq.MessageQueue, error) {
	if cfg.Broker.Kind == "nats" {
		q, err := mq.NewNATSQueue(cfg.NATS)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q, err := mq.NewKafkaQueue(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func buildHTTPServer(cfg ServerConfig, judge *controller.JudgeController, m *metrics.Metrics) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	judge.Register(router)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
