package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"copymesh/logger"
)

var (
	// 账本指标
	tradeArchivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_trade_archived_total",
			Help: "Total number of closed trades archived",
		},
		[]string{"account", "symbol"},
	)

	dedupeConflictTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_dedupe_conflict_total",
			Help: "Total number of duplicate position records detected",
		},
		[]string{"account"},
	)

	// 自动化指标
	accountPausedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_account_paused_total",
			Help: "Total number of automatic copy pauses",
		},
		[]string{"account"},
	)

	accountResumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_account_resumed_total",
			Help: "Total number of automatic copy resumes",
		},
		[]string{"account"},
	)

	rebalanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_rebalance_total",
			Help: "Total number of multiplier rebalances applied",
		},
		[]string{"account"},
	)

	autoDisconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_auto_disconnect_total",
			Help: "Total number of error triggered disconnects",
		},
		[]string{"account"},
	)

	errorTrackedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_error_tracked_total",
			Help: "Total number of copy errors tracked",
		},
		[]string{"account"},
	)

	// 风控状态
	accountDrawdown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymesh_account_drawdown_percent",
			Help: "Current floating drawdown percent per account",
		},
		[]string{"account"},
	)

	accountMultiplier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymesh_account_multiplier",
			Help: "Current position size multiplier per account",
		},
		[]string{"account"},
	)

	accountPausedState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymesh_account_paused",
			Help: "Copy pause state per account (0=active, 1=paused)",
		},
		[]string{"account"},
	)

	// 绩效缓存指标
	snapshotCacheHitTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copymesh_snapshot_cache_hit_total",
			Help: "Total number of daily snapshot cache hits",
		},
	)

	snapshotRecomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_snapshot_recompute_total",
			Help: "Total number of daily snapshot recomputations",
		},
		[]string{"reason"}, // missing, invalid
	)

	// 告警指标
	alertSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_alert_sent_total",
			Help: "Total number of trade alerts dispatched",
		},
		[]string{"type", "channel", "status"},
	)

	// 订阅控制指标
	subscriptionCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_subscription_call_total",
			Help: "Total number of subscription control calls",
		},
		[]string{"operation", "status"},
	)

	subscriptionCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copymesh_subscription_call_duration_seconds",
			Help:    "Subscription control call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	// 仓位流指标
	feedConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_feed_connected",
			Help: "Position feed connection status (0=disconnected, 1=connected)",
		},
	)

	feedReconnectTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copymesh_feed_reconnect_total",
			Help: "Total number of position feed reconnections",
		},
	)

	feedEventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_feed_event_total",
			Help: "Total number of position feed events received",
		},
		[]string{"type"},
	)

	// 分布式锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_lock_acquire_total",
			Help: "Total number of lock acquisitions",
		},
		[]string{"key", "status"}, // status: success, failed, skipped
	)

	lockHoldDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copymesh_lock_hold_duration_seconds",
			Help:    "Lock hold duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"key"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_process_cpu_percent",
			Help: "Process CPU usage percent",
		},
	)

	processMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_process_memory_mb",
			Help: "Process resident memory in MB",
		},
	)
)

// 账本相关

// IncTradeArchived 记录一笔归档
func IncTradeArchived(account, symbol string) {
	tradeArchivedTotal.WithLabelValues(account, symbol).Inc()
}

// IncDedupeConflict 记录一次仓位重复冲突
func IncDedupeConflict(account string) {
	dedupeConflictTotal.WithLabelValues(account).Inc()
}

// 自动化相关

// IncAccountPaused 记录一次自动暂停
func IncAccountPaused(account string) {
	accountPausedTotal.WithLabelValues(account).Inc()
	accountPausedState.WithLabelValues(account).Set(1)
}

// IncAccountResumed 记录一次自动恢复
func IncAccountResumed(account string) {
	accountResumedTotal.WithLabelValues(account).Inc()
	accountPausedState.WithLabelValues(account).Set(0)
}

// IncRebalance 记录一次倍数调整
func IncRebalance(account string) {
	rebalanceTotal.WithLabelValues(account).Inc()
}

// IncAutoDisconnect 记录一次错误熔断
func IncAutoDisconnect(account string) {
	autoDisconnectTotal.WithLabelValues(account).Inc()
}

// IncErrorTracked 记录一次跟单错误
func IncErrorTracked(account string) {
	errorTrackedTotal.WithLabelValues(account).Inc()
}

// SetDrawdown 更新账户浮动回撤
func SetDrawdown(account string, percent float64) {
	accountDrawdown.WithLabelValues(account).Set(percent)
}

// SetMultiplier 更新账户倍数
func SetMultiplier(account string, multiplier float64) {
	accountMultiplier.WithLabelValues(account).Set(multiplier)
}

// 绩效相关

// IncSnapshotCacheHit 记录一次日快照缓存命中
func IncSnapshotCacheHit() {
	snapshotCacheHitTotal.Inc()
}

// IncSnapshotRecompute 记录一次日快照重算
func IncSnapshotRecompute(reason string) {
	snapshotRecomputeTotal.WithLabelValues(reason).Inc()
}

// 告警相关

// IncAlertSent 记录一次告警投递
func IncAlertSent(alertType, channel, status string) {
	alertSentTotal.WithLabelValues(alertType, channel, status).Inc()
}

// 订阅控制相关

// RecordSubscriptionCall 记录一次订阅控制调用
func RecordSubscriptionCall(operation, status string, duration time.Duration) {
	subscriptionCallTotal.WithLabelValues(operation, status).Inc()
	subscriptionCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// 仓位流相关

// SetFeedConnected 更新仓位流连接状态
func SetFeedConnected(connected bool) {
	if connected {
		feedConnected.Set(1)
	} else {
		feedConnected.Set(0)
	}
}

// IncFeedReconnect 记录一次仓位流重连
func IncFeedReconnect() {
	feedReconnectTotal.Inc()
}

// IncFeedEvent 记录一条仓位流事件
func IncFeedEvent(eventType string) {
	feedEventTotal.WithLabelValues(eventType).Inc()
}

// 锁相关

// RecordLockAcquire 记录一次锁获取
func RecordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(key, status).Inc()
}

// RecordLockHoldDuration 记录锁持有时长
func RecordLockHoldDuration(key string, duration time.Duration) {
	lockHoldDuration.WithLabelValues(key).Observe(duration.Seconds())
}

// StartServer 在独立端口暴露 /metrics
func StartServer(listenAddr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("📊 Prometheus 指标服务启动: %s/metrics", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("指标服务异常退出: %v", err)
		}
	}()

	return srv
}
