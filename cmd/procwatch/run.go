package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/houzhh15/procwatch/internal/collector"
	"github.com/houzhh15/procwatch/internal/config"
	"github.com/houzhh15/procwatch/internal/dispatch"
	"github.com/houzhh15/procwatch/internal/engine"
	"github.com/houzhh15/procwatch/internal/lock"
	"github.com/houzhh15/procwatch/internal/log"
	"github.com/houzhh15/procwatch/internal/metrics"
	"github.com/houzhh15/procwatch/internal/observer"
	"github.com/houzhh15/procwatch/internal/registry"
	"github.com/houzhh15/procwatch/internal/status"
)

// shutdownTimeout 状态服务优雅关闭的最长等待时间
const shutdownTimeout = 5 * time.Second

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring engine (default)",
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(cmdRun)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}

	// 初始化日志
	if err := log.Init(toLogConfig(cfg.Log)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return err
	}
	logger := log.Global()
	defer logger.Sync()

	logger.Info("procwatch starting",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("handlers_dir", cfg.Handlers.Dir),
		zap.String("strategy", cfg.Monitor.Strategy),
	)

	// 单实例锁，已有实例运行时正常退出
	if cfg.Agent.LockFile != "" {
		instance, err := lock.Acquire(cfg.Agent.LockFile)
		if errors.Is(err, lock.ErrLocked) {
			logger.Warn("Another instance is already running, exiting", zap.String("lock_file", cfg.Agent.LockFile))
			return nil
		}
		if err != nil {
			logger.Error("Failed to acquire instance lock", zap.Error(err))
			return err
		}
		defer instance.Release()
	}

	if err := os.MkdirAll(cfg.Handlers.Dir, 0o755); err != nil {
		logger.Warn("Failed to create handlers directory", zap.String("dir", cfg.Handlers.Dir), zap.Error(err))
	}

	// 指标与状态服务
	m := metrics.New("")
	promReg := prometheus.NewRegistry()
	m.MustRegister(promReg)
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	statusServer := status.NewServer(status.Config{
		GRPCAddr:    cfg.Status.GRPCAddr,
		MetricsAddr: cfg.Status.MetricsAddr,
	}, promReg, logger)
	if err := statusServer.Start(); err != nil {
		logger.Error("Failed to start status server", zap.Error(err))
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		statusServer.Stop(ctx)
	}()

	obs := observer.New(cfg.Handlers.Dir, observer.Options{
		SettleDelay: cfg.Handlers.SettleDelay,
		ExamplesDir: cfg.Handlers.ExamplesDir,
		Logger:      logger,
	})
	disp := dispatch.New(dispatch.Options{
		Interpreters: dispatch.Interpreters(cfg.Handlers.Interpreters),
		ArgStyle:     cfg.Handlers.ArgStyle,
		Logger:       logger,
		Metrics:      m,
	})

	controller := engine.New(engine.Options{
		HandlersDir: cfg.Handlers.Dir,
		Scan: registry.ScanOptions{
			ExamplesDir:      cfg.Handlers.ExamplesDir,
			ScriptExtensions: cfg.Handlers.ScriptExtensions,
			Logger:           logger,
		},
		Strategy:            cfg.Monitor.Strategy,
		EmptyRescanInterval: cfg.Monitor.EmptyRescanInterval,
		NewSource:           newSourceFactory(cfg.Monitor, logger, m),
		Observer:            obs,
		Dispatcher:          disp,
		Logger:              logger,
		Metrics:             m,
		OnStateChange:       statusServer.SetState,
	})

	// 配置文件热更新只调整日志级别，其余参数需要重启生效
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := loader.Watch(func(c *config.Config) {
				if err := log.SetGlobalLevel(c.Log.Level); err != nil {
					logger.Warn("Invalid log level in reloaded config", zap.String("level", c.Log.Level))
					return
				}
				logger.Info("Configuration reloaded", zap.String("log_level", logger.GetLevel()))
			}); err != nil {
				logger.Warn("Failed to watch config file", zap.Error(err))
			}
		}
	}

	// 创建上下文，监听退出信号
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	err = controller.Run(ctx)

	// 优雅关闭，等待已安排的脚本启动完成
	logger.Info("Shutting down...")
	disp.Wait()

	stats := controller.GetStats()
	dispStats := disp.GetStats()
	obsStats := obs.GetStats()
	logger.Info("procwatch stopped",
		zap.Uint64("events_seen", stats.EventsSeen),
		zap.Uint64("dispatches", stats.Dispatches),
		zap.Uint64("rescans", stats.Rescans),
		zap.Uint64("launches_ok", dispStats.LaunchesOK),
		zap.Uint64("launches_failed", dispStats.LaunchesFailed),
		zap.Uint64("events_unhandled", dispStats.EventsUnhandled),
		zap.Uint64("directory_notifications", obsStats.Notifications),
	)

	if err != nil {
		logger.Error("Engine stopped with error", zap.Error(err))
		return err
	}
	return nil
}

// newSourceFactory 按策略名创建事件源
func newSourceFactory(cfg config.MonitorConfig, logger *log.Logger, m *metrics.Metrics) engine.SourceFactory {
	srcCfg := collector.SourceConfig{
		PollInterval: cfg.PollInterval,
		ChannelSize:  cfg.EventBuffer,
	}
	lister := collector.NewSystemLister()

	return func(name string) collector.Source {
		switch name {
		case collector.NameNative:
			return collector.NewNative(srcCfg, lister, logger, m)
		case collector.NamePoll:
			return collector.NewPoller(srcCfg, lister, logger, m)
		default:
			return nil
		}
	}
}

func toLogConfig(cfg config.LogConfig) log.LogConfig {
	return log.LogConfig{
		Level:      cfg.Level,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	}
}
