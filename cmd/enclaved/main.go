package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"enclaverun/internal/api"
	"enclaverun/internal/auth"
	"enclaverun/internal/config"
	"enclaverun/internal/enclave"
	"enclaverun/internal/enclave/docker"
	"enclaverun/internal/engine"
	"enclaverun/internal/observability/alerting"
	"enclaverun/internal/observability/metrics"
	"enclaverun/internal/packages"
	"enclaverun/internal/rpc"
	"enclaverun/internal/run"
	"enclaverun/pkg/logger"
)

const defaultConfigPath = "configs/enclaverun.yaml"

// main 是 enclaverun 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil {
		log.Fatalf("enclaved 运行失败: %v", err)
	}
}

func configPath() string {
	if path := os.Getenv(config.EnvPrefix + "CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("enclaved")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	registry := enclave.NewRegistry(enclaveFactory(cfg))
	defer func() {
		if err := registry.Close(); err != nil {
			log.Warn("关闭 enclave 失败", slog.Any("error", err))
		}
	}()
	for _, name := range cfg.Enclave.Defaults {
		if _, err := registry.Ensure(ctx, name); err != nil {
			return fmt.Errorf("创建默认 enclave %s 失败: %w", name, err)
		}
	}

	m := metrics.New()
	runner := engine.NewRunner(registry,
		engine.WithResolver(packages.NewResolver(cfg.Packages)),
		engine.WithObserver(m),
		engine.WithMaxSteps(cfg.Processor.MaxSteps),
		engine.WithLineBuffer(cfg.Processor.LineBuffer),
	)

	store, err := openRunStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := openRunQueue(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	runs := run.NewService(store, queue, cfg.Processor.MaxRetries)
	defer func() {
		if err := runs.Close(); err != nil {
			log.Warn("关闭运行服务失败", slog.Any("error", err))
		}
	}()
	if requeued, err := runs.Recover(ctx, cfg.Processor.RecoverAfter); err != nil {
		log.Warn("恢复遗留运行失败", slog.Any("error", err))
	} else if requeued > 0 {
		log.Info("已恢复遗留运行", slog.Int("count", requeued))
	}

	sink, err := eventSink(cfg, m)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	processor := run.NewProcessor(runner, store, queue, queue,
		run.WithWorkerCount(cfg.Processor.Workers),
		run.WithIdleTimeout(cfg.Processor.IdleTimeout),
		run.WithEventSink(sink),
		run.WithAlertDispatcher(alertDispatcher(cfg)),
	)

	httpServer := api.NewServer(cfg.Server.HTTPAddress, runner, registry,
		api.WithRunService(runs),
		api.WithAuth(authSvc),
		api.WithMetrics(m),
	)
	grpcServer := rpc.NewServer(runner, authSvc)

	log.Info("enclaved 启动",
		slog.String("http", cfg.Server.HTTPAddress),
		slog.String("grpc", cfg.Server.GRPCAddress),
		slog.String("run_store", cfg.Storage.RunStore.Driver),
		slog.String("run_queue", cfg.Queue.Driver),
		slog.String("enclave_backend", cfg.Enclave.Backend),
		slog.String("auth_mode", string(authSvc.Mode())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(httpServer.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(rpc.Serve(gctx, grpcServer, cfg.Server.GRPCAddress)) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress, m.Handler())) })
	}
	err = g.Wait()
	log.Info("enclaved 已停止")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func enclaveFactory(cfg *config.Config) enclave.Factory {
	if cfg.Enclave.Backend == "docker" {
		return docker.NewFactory(cfg.Enclave.Docker)
	}
	return nil
}

func openRunStore(ctx context.Context, cfg *config.Config) (run.Store, error) {
	switch cfg.Storage.RunStore.Driver {
	case "mysql":
		return run.NewMySQLStore(ctx, cfg.Storage.RunStore.MySQL)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.RunStore.DSN), 0o755); err != nil {
			return nil, err
		}
		return run.NewSQLiteStore(ctx, cfg.Storage.RunStore.DSN)
	default:
		return run.NewMemoryStore(), nil
	}
}

func openRunQueue(ctx context.Context, cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		return run.NewRedisQueue(ctx, cfg.Queue.Redis)
	case "rabbitmq":
		return run.NewRabbitMQQueue(cfg.Queue.RabbitMQ)
	default:
		return run.NewMemoryQueue(cfg.Queue.Buffer), nil
	}
}

func eventSink(cfg *config.Config, m *metrics.Metrics) (run.Sink, error) {
	sinks := run.FanoutSink{m}
	if cfg.Events.Log {
		sinks = append(sinks, run.LogSink{Logger: logger.Named("run.events")})
	}
	if len(cfg.Events.Kafka.Brokers) > 0 {
		kafka, err := run.NewKafkaSink(cfg.Events.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, kafka)
	}
	return sinks, nil
}

func alertDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if hook := cfg.Alerting.Webhook; hook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     hook.URL,
			Format:  hook.Format,
			Headers: hook.Headers,
		})
	}
	return alerting.NewFanout(notifiers...)
}
