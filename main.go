package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copymesh/account"
	"copymesh/alert"
	"copymesh/config"
	"copymesh/database"
	"copymesh/engine"
	"copymesh/errtrack"
	"copymesh/event"
	"copymesh/feed"
	"copymesh/i18n"
	"copymesh/ledger"
	"copymesh/lock"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/notify"
	"copymesh/perf"
	"copymesh/rebalance"
	"copymesh/risk"
	"copymesh/storage"
	"copymesh/subscription"
	"copymesh/utils"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	// 检查版本参数
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("CopyMesh Automation Engine\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 解析调试参数（-debug / --debug）
	debugMode := false
	filteredArgs := []string{os.Args[0]}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		default:
			filteredArgs = append(filteredArgs, arg)
		}
	}
	os.Args = filteredArgs

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		// 配置文件不存在时落盘一份默认配置，首次启动即可跑
		cfg = config.DefaultConfig()
		if err := config.SaveConfig(cfg, configPath); err != nil {
			log.Printf("[WARN] 保存默认配置失败: %v，将继续运行", err)
		} else {
			log.Printf("[INFO] 已创建默认配置文件: %s", configPath)
		}
	} else {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("[FATAL] 加载配置失败: %v", err)
		}
	}

	// 时区：不改 time.Local，统一走 utils.GlobalLocation
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用默认时区", cfg.System.Timezone, err)
	}
	logger.SetLocation(utils.GlobalLocation)

	if debugMode {
		cfg.System.LogLevel = "debug"
	}
	logLevel := logger.ParseLogLevel(cfg.System.LogLevel)
	logger.SetLevel(logLevel)

	logger.Info("🚀 CopyMesh 跟单自动化引擎启动...")
	logger.Info("📦 版本号: %s", Version)

	// 应用日志持久化（独立 SQLite，异步批量写入）
	var err error
	var logStore *storage.LogStore
	if cfg.LogStore.Enabled {
		logStore, err = storage.NewLogStore(cfg.LogStore.Path, cfg.LogStore.RetentionDays)
		if err != nil {
			logger.Warn("⚠️ 初始化日志存储失败: %v，将继续运行但不持久化日志", err)
			logStore = nil
		} else {
			logger.InitLogStorage(logStore.WriteLog)
			logger.Info("✅ 日志存储已初始化: %s", cfg.LogStore.Path)
		}
	}

	// i18n：提醒文案语言
	lang := cfg.System.Language
	if lang == "" {
		lang = "zh-CN"
	}
	if err := i18n.Init(lang); err != nil {
		logger.Warn("⚠️ 初始化 i18n 失败: %v，将使用默认语言", err)
	} else {
		logger.Info("✅ i18n 已初始化，提醒语言: %s", lang)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 事件总线：所有状态变更的统一出口
	bus := event.NewEventBus(256)

	// 业务数据库
	db, err := database.Open(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal("❌ 打开数据库失败: %v", err)
	}
	logger.Info("✅ 数据库已连接: %s", cfg.Database.Type)

	accounts, err := account.NewStore(db, cfg.Rebalance.HistoryLimit)
	if err != nil {
		logger.Fatal("❌ 初始化账户存储失败: %v", err)
	}

	// SQLite 的账户+日期复合查询在部分旧版本上不可靠，走回退级联
	composite := cfg.Database.Type != "sqlite"
	trades, err := ledger.NewStore(db, composite, func(accountID string) string {
		acc, err := accounts.Get(context.Background(), accountID)
		if err != nil {
			return ""
		}
		return acc.UserID
	})
	if err != nil {
		logger.Fatal("❌ 初始化账本存储失败: %v", err)
	}

	archiver := ledger.NewArchiver(trades, bus)

	aggregator, err := perf.NewAggregator(db, trades)
	if err != nil {
		logger.Fatal("❌ 初始化绩效聚合器失败: %v", err)
	}

	// 订阅控制出站调用：限速 + 有界重试
	var subscriber subscription.Controller
	if cfg.Subscription.Endpoint != "" {
		httpCtrl, err := subscription.NewHTTPController(cfg.Subscription.Endpoint,
			time.Duration(cfg.Subscription.Timeout)*time.Second)
		if err != nil {
			logger.Fatal("❌ 初始化订阅控制器失败: %v", err)
		}
		subscriber = subscription.NewRetryingController(httpCtrl,
			cfg.Subscription.RatePerSec,
			time.Duration(cfg.Subscription.Timeout)*time.Second,
			cfg.Subscription.MaxRetries)
		logger.Info("✅ 订阅控制器已初始化: %s", cfg.Subscription.Endpoint)
	} else {
		logger.Warn("⚠️ 未配置订阅端点，订阅控制调用将不可用")
		subscriber = subscription.NopController{}
	}

	conns := subscription.NewConnectionManager()

	// 分布式锁（单实例默认 NopLock）
	distLock, err := lock.NewDistributedLock(cfg)
	if err != nil {
		logger.Fatal("❌ 初始化分布式锁失败: %v", err)
	}
	defer distLock.Close()

	riskEval := risk.NewEvaluator(accounts, subscriber, bus,
		cfg.Risk.MaxDrawdownPercent, cfg.Risk.ResumeDrawdownPercent)

	rebalancer := rebalance.NewRebalancer(accounts, subscriber, bus,
		rebalance.Rules{
			Min:  cfg.Rebalance.MinMultiplier,
			Max:  cfg.Rebalance.MaxMultiplier,
			Step: cfg.Rebalance.Step,
		},
		time.Duration(cfg.Rebalance.MinIntervalHours)*time.Hour)

	tracker := errtrack.NewTracker(accounts, subscriber, conns, bus,
		cfg.ErrorTracking.MaxConsecutiveErrors,
		time.Duration(cfg.ErrorTracking.ErrorWindowMinutes)*time.Minute)

	// 交易提醒：站内通知为主通道，聊天渠道尽力而为
	var alerts *alert.Dispatcher
	if cfg.Alerts.Enabled {
		var chat alert.ChatSink
		chatID := ""
		if cfg.Notifications.Telegram.Enabled {
			tg, err := notify.NewTelegramNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Telegram 聊天渠道失败: %v", err)
			} else {
				chat = tg
				chatID = cfg.Notifications.Telegram.ChatID
			}
		}
		alerts, err = alert.NewDispatcher(db, accounts, chat, chatID, bus)
		if err != nil {
			logger.Fatal("❌ 初始化提醒分发器失败: %v", err)
		}
		logger.Info("✅ 交易提醒已启用")
	}

	// 事件通知服务（Telegram/Slack/Webhook 广播）
	notifyService := notify.NewService(cfg)
	notifyService.Start(ctx, bus)
	defer notifyService.Stop()

	// Prometheus 指标
	var sysCollector *metrics.SystemCollector
	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.ListenAddr)
		sysCollector = metrics.NewSystemCollector(
			time.Duration(cfg.Metrics.SystemInterval) * time.Second)
		sysCollector.Start(ctx)
		defer sysCollector.Stop()
		logger.Info("✅ 指标服务已启动: %s", cfg.Metrics.ListenAddr)
	}

	// 仓位事件流
	var source feed.Source
	if cfg.Feed.URL != "" {
		source, err = feed.NewWSSource(cfg.Feed.URL,
			time.Duration(cfg.Feed.ReconnectInterval)*time.Second,
			cfg.Feed.QueueSize)
		if err != nil {
			logger.Fatal("❌ 初始化仓位流失败: %v", err)
		}
	} else {
		logger.Warn("⚠️ 未配置仓位流 URL，引擎只执行周期扫描")
	}

	eng := engine.New(cfg, engine.Deps{
		Accounts:   accounts,
		Archiver:   archiver,
		Trades:     trades,
		RiskEval:   riskEval,
		Rebalancer: rebalancer,
		Tracker:    tracker,
		Alerts:     alerts,
		Source:     source,
		Bus:        bus,
		Conns:      conns,
		DistLock:   distLock,
	})
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("❌ 启动引擎失败: %v", err)
	}

	// 每日绩效预热：为活跃账户提前计算昨日快照
	go warmupLoop(ctx, accounts, aggregator)

	// 配置热更新：只应用日志级别、语言与自动化开关
	watcher, err := config.NewWatcher(configPath, cfg)
	if err != nil {
		logger.Warn("⚠️ 初始化配置监听失败: %v", err)
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("⚠️ 启动配置监听失败: %v", err)
		} else {
			go func() {
				for newCfg := range watcher.Updates() {
					logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
					if newCfg.System.Language != "" {
						i18n.SetSystemLanguage(newCfg.System.Language)
					}
					eng.UpdateConfig(newCfg)
				}
			}()
			defer watcher.Stop()
		}
	}

	logger.Info("✅ CopyMesh 已就绪")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("📴 收到信号 %v，开始优雅关闭...", sig)

	eng.Stop()
	conns.CloseAll()
	cancel()
	bus.Close()

	if logStore != nil {
		if err := logStore.Close(); err != nil {
			logger.Warn("⚠️ 关闭日志存储失败: %v", err)
		}
	}
	logger.Close()
	fmt.Println("CopyMesh 已退出")
}

// warmupLoop 每天为活跃账户预计算昨日绩效快照，避免查询路径冷启动
func warmupLoop(ctx context.Context, accounts *account.Store, aggregator *perf.Aggregator) {
	warmup := func() {
		accs, err := accounts.ListAutomated(ctx)
		if err != nil {
			logger.Warn("⚠️ 绩效预热读取账户失败: %v", err)
			return
		}
		yesterday := utils.NowConfiguredTimezone().AddDate(0, 0, -1)
		for _, acc := range accs {
			if _, err := aggregator.GetDaily(ctx, acc.AccountID, "", yesterday); err != nil {
				logger.Debug("账户 %s 绩效预热失败: %v", acc.AccountID, err)
			}
		}
	}

	warmup()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			warmup()
		}
	}
}
