package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"copymesh/account"
	"copymesh/alert"
	"copymesh/config"
	"copymesh/errtrack"
	"copymesh/event"
	"copymesh/feed"
	"copymesh/ledger"
	"copymesh/lock"
	"copymesh/logger"
	"copymesh/rebalance"
	"copymesh/risk"
	"copymesh/subscription"
)

// Engine 跟单自动化引擎：消费仓位流、驱动归档与各个
// 自动化评估器。同一账户的状态变更通过按键互斥串行化，
// 多实例部署再叠加分布式锁。
type Engine struct {
	cfg atomic.Pointer[config.Config]

	accounts   *account.Store
	archiver   *ledger.Archiver
	trades     *ledger.Store
	riskEval   *risk.Evaluator
	rebalancer *rebalance.Rebalancer
	tracker    *errtrack.Tracker
	alerts     *alert.Dispatcher
	source     feed.Source
	dispatcher *feed.Dispatcher
	bus        *event.EventBus
	conns      *subscription.ConnectionManager

	accountMu *lock.KeyedMutex
	distLock  lock.DistributedLock
	lockTTL   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps 引擎依赖
type Deps struct {
	Accounts   *account.Store
	Archiver   *ledger.Archiver
	Trades     *ledger.Store
	RiskEval   *risk.Evaluator
	Rebalancer *rebalance.Rebalancer
	Tracker    *errtrack.Tracker
	Alerts     *alert.Dispatcher
	Source     feed.Source
	Bus        *event.EventBus
	Conns      *subscription.ConnectionManager
	DistLock   lock.DistributedLock
}

// New 创建引擎
func New(cfg *config.Config, deps Deps) *Engine {
	e := &Engine{
		accounts:   deps.Accounts,
		archiver:   deps.Archiver,
		trades:     deps.Trades,
		riskEval:   deps.RiskEval,
		rebalancer: deps.Rebalancer,
		tracker:    deps.Tracker,
		alerts:     deps.Alerts,
		source:     deps.Source,
		bus:        deps.Bus,
		conns:      deps.Conns,
		accountMu:  lock.NewKeyedMutex(),
		distLock:   deps.DistLock,
		lockTTL:    time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second,
	}
	e.cfg.Store(cfg)
	e.dispatcher = feed.NewDispatcher(e.HandleFeedEvent, cfg.Feed.QueueSize)
	if e.distLock == nil {
		e.distLock = lock.NewNopLock()
	}
	return e
}

// UpdateConfig 应用热更新后的配置（只影响开关与阈值读取）
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	logger.Info("🔄 引擎配置已更新 (automation_enabled=%v)", cfg.Automation.Enabled)
}

// Start 启动仓位流与自动化扫描
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.source != nil {
		if err := e.source.Start(ctx); err != nil {
			return fmt.Errorf("启动仓位流失败: %w", err)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatcher.Run(ctx, e.source.Events())
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(ctx)
	}()

	if e.bus != nil {
		e.bus.Publish(&event.Event{Type: event.EventTypeSystemStart})
	}
	logger.Info("🚀 自动化引擎已启动")
	return nil
}

// Stop 停止引擎
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.source != nil {
		_ = e.source.Stop()
	}
	e.wg.Wait()
	if e.bus != nil {
		e.bus.Publish(&event.Event{Type: event.EventTypeSystemStop})
	}
	logger.Info("🛑 自动化引擎已停止")
}

// automationEnabled 总开关。关闭时所有评估器都是空操作。
func (e *Engine) automationEnabled() bool {
	return e.cfg.Load().Automation.Enabled
}

// sweepLoop 周期扫描所有自动化账户
func (e *Engine) sweepLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Load().Automation.SweepInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep 对所有自动化账户做一轮风控与再平衡评估。
// 账户间并行，单账户内串行。
func (e *Engine) Sweep(ctx context.Context) {
	if !e.automationEnabled() {
		logger.Debug("自动化已关闭，本轮扫描无动作")
		return
	}

	accs, err := e.accounts.ListAutomated(ctx)
	if err != nil {
		logger.Error("扫描账户列表失败: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, acc := range accs {
		wg.Add(1)
		go func(acc *account.FollowerAccount) {
			defer wg.Done()
			e.evaluateAccount(ctx, acc)
		}(acc)
	}
	wg.Wait()
}

// evaluateAccount 串行执行单账户的风控与再平衡
func (e *Engine) evaluateAccount(ctx context.Context, acc *account.FollowerAccount) {
	e.accountMu.Lock(acc.AccountID)
	defer e.accountMu.Unlock(acc.AccountID)

	lockKey := "account:" + acc.AccountID
	got, err := e.distLock.TryLock(ctx, lockKey, e.lockTTL)
	if err != nil {
		logger.Warn("⚠️ 账户 %s 获取分布式锁失败: %v", acc.AccountID, err)
		return
	}
	if !got {
		// 其他实例正在处理
		return
	}
	defer func() {
		if err := e.distLock.Unlock(ctx, lockKey); err != nil {
			logger.Debug("账户 %s 释放锁失败: %v", acc.AccountID, err)
		}
	}()

	action, err := e.riskEval.Evaluate(ctx, acc)
	if err != nil {
		logger.Error("账户 %s 风控评估失败: %v", acc.AccountID, err)
		return
	}

	// 刚暂停或已暂停的账户不做再平衡
	if action == risk.ActionPause || (acc.CopyPaused && action != risk.ActionResume) {
		return
	}
	if !e.cfg.Load().Rebalance.Enabled {
		return
	}

	if _, err := e.rebalancer.Evaluate(ctx, acc); err != nil {
		logger.Error("账户 %s 再平衡失败: %v", acc.AccountID, err)
	}
}

// HandleFeedEvent 仓位流事件入口。由分发器按账户串行调用。
func (e *Engine) HandleFeedEvent(ctx context.Context, evt *feed.PositionEvent) error {
	e.trackSession(evt.AccountID)

	switch evt.Type {
	case feed.EventAccountSnapshot:
		return e.accounts.UpdateSnapshot(ctx, evt.AccountID,
			evt.Balance, evt.Equity, evt.Margin, evt.FreeMargin)

	case feed.EventPositionClosed:
		return e.handleClosed(ctx, evt)

	case feed.EventPositionUpdated:
		// 持仓中的仓位不入账本，只在平仓时归档
		logger.Debug("账户 %s 仓位 %s 更新", evt.AccountID, evt.PositionID)
		return nil

	case feed.EventCopyError:
		if !e.automationEnabled() {
			logger.Debug("自动化已关闭，错误不计入熔断: %s", evt.ErrorText)
			return nil
		}
		return e.tracker.TrackError(ctx, evt.AccountID, evt.ErrorText, evt.Source)

	default:
		logger.Warn("⚠️ 未知仓位流事件类型: %s", evt.Type)
		return nil
	}
}

// trackSession 把仓位流上有活动的账户登记为在线会话，
// 熔断时由连接管理器统一断开。
func (e *Engine) trackSession(accountID string) {
	if e.conns == nil || accountID == "" {
		return
	}
	if _, ok := e.conns.Get(accountID); ok {
		return
	}
	e.conns.Register(subscription.NewSession(accountID, func() error {
		logger.Info("🔌 账户 %s 在线会话已关闭", accountID)
		return nil
	}))
}

func (e *Engine) handleClosed(ctx context.Context, evt *feed.PositionEvent) error {
	if evt.Position == nil || evt.PositionID == "" {
		return fmt.Errorf("平仓事件缺少仓位数据: account=%s", evt.AccountID)
	}

	if _, err := e.archiver.Archive(ctx, evt.PositionID, evt.AccountID, evt.Position, nil); err != nil {
		return err
	}

	// 告警是次要路径：失败只记日志，不影响归档结果
	e.maybeAlert(ctx, evt)
	return nil
}

func (e *Engine) maybeAlert(ctx context.Context, evt *feed.PositionEvent) {
	if e.alerts == nil {
		return
	}

	acc, err := e.accounts.Get(ctx, evt.AccountID)
	if err != nil {
		logger.Debug("账户 %s 不存在，跳过告警", evt.AccountID)
		return
	}
	trade, err := e.trades.Get(ctx, evt.PositionID)
	if err != nil || trade == nil {
		logger.Debug("仓位 %s 读取失败，跳过告警: %v", evt.PositionID, err)
		return
	}

	alertCfg := e.cfg.Load().Alerts
	decision := alert.Evaluate(acc, trade, alert.Defaults{
		MinTradeSize: alertCfg.MinTradeSize,
		MinProfit:    alertCfg.MinProfit,
		MinLoss:      alertCfg.MinLoss,
	}, e.automationEnabled())
	if !decision.Send {
		return
	}
	if err := e.alerts.Dispatch(ctx, acc, trade, decision); err != nil {
		logger.Error("账户 %s 告警投递失败: %v", acc.AccountID, err)
	}
}
