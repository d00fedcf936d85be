package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/quantsignal/internal/dashboard"
	"github.com/betbot/quantsignal/internal/engine"
	"github.com/betbot/quantsignal/internal/metrics"
	"github.com/betbot/quantsignal/pkg/config"
	"github.com/betbot/quantsignal/pkg/logger"
	"github.com/betbot/quantsignal/pkg/marketspec"
	"github.com/betbot/quantsignal/pkg/shutdown"
)

const gracefulShutdownPeriod = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env", ".env", "环境变量文件（不存在则忽略）")
	tui := flag.Bool("tui", false, "启用终端看板（日志只写文件）")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	profile := cfg.Profile()
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		LogByCycle: cfg.LogByCycle,
		FileOnly:   *tui,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("🚀 quantsignal 启动: coin=%s poll=%s trading=%v dryRun=%v",
		profile.Coin, cfg.PollInterval(), cfg.Trading.Enabled, cfg.Trading.DryRun)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sm := shutdown.NewManager()
	app, err := build(rootCtx, cfg, sm)
	if err != nil {
		logger.Errorf("❌ 初始化失败: %v", err)
		sm.Shutdown(context.Background())
		os.Exit(1)
	}

	spec := marketspec.ForProfile(profile)
	app.deps.OnMarketChange = func(_, next string) {
		if ts, ok := marketspec.PeriodStartFromSlug(next); ok {
			if err := logger.RotateForMarket(spec.SlugPrefix(), ts); err != nil {
				logger.Warnf("切换日志文件失败: %v", err)
			}
		}
	}

	var board *dashboard.Dashboard
	if *tui {
		board = dashboard.New(fmt.Sprintf("%s 15m Quant Signal", profile.Coin), cancel)
		app.deps.Observers = append(app.deps.Observers, board)
	}

	eng, err := engine.New(app.engineCfg, app.deps)
	if err != nil {
		logger.Errorf("❌ 创建引擎失败: %v", err)
		sm.Shutdown(context.Background())
		os.Exit(1)
	}

	if cfg.StatusAddr != "" {
		router := metrics.NewRouter(eng, app.statusExtra)
		if _, err := metrics.StartAsync(rootCtx, cfg.StatusAddr, router); err != nil {
			logger.Warnf("状态服务启动失败: %v", err)
		}
	}

	rotationStop := make(chan struct{})
	logger.StartLogRotationChecker(rotationStop)
	sm.OnShutdown("log-rotation", func(context.Context) error {
		close(rotationStop)
		return nil
	})

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Errorf("引擎退出: %v", err)
		}
		cancel()
	}()

	if board != nil {
		go func() {
			if err := board.Run(rootCtx); err != nil {
				logger.Warnf("看板异常退出: %v", err)
			}
			cancel()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Infof("收到信号 %v，开始退出", sig)
	case <-rootCtx.Done():
	}
	cancel()

	// 等当前 tick 结束再关闭下游
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer shutdownCancel()
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		logger.Warnf("等待引擎退出超时")
	}
	sm.Shutdown(shutdownCtx)
	logger.Info("👋 已退出")
}
