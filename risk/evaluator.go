package risk

import (
	"context"
	"fmt"

	"copymesh/account"
	"copymesh/event"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/subscription"
)

// Action 一次风控评估的结论
type Action string

const (
	ActionNone   Action = "NONE"
	ActionPause  Action = "PAUSE"
	ActionResume Action = "RESUME"
)

// Evaluator 回撤自动暂停/恢复状态机。
// 暂停与恢复阈值之间留滞回带，避免在临界值附近反复切换。
type Evaluator struct {
	accounts   *account.Store
	subscriber subscription.Controller
	bus        *event.EventBus

	maxDrawdownPercent    float64
	resumeDrawdownPercent float64
}

// NewEvaluator 创建风控评估器
func NewEvaluator(accounts *account.Store, subscriber subscription.Controller, bus *event.EventBus, maxDrawdown, resumeDrawdown float64) *Evaluator {
	return &Evaluator{
		accounts:              accounts,
		subscriber:            subscriber,
		bus:                   bus,
		maxDrawdownPercent:    maxDrawdown,
		resumeDrawdownPercent: resumeDrawdown,
	}
}

// Evaluate 评估单个账户的回撤状态并执行暂停/恢复。
// 返回本次执行的动作。
func (e *Evaluator) Evaluate(ctx context.Context, acc *account.FollowerAccount) (Action, error) {
	dd := acc.DrawdownPercent()
	metrics.SetDrawdown(acc.AccountID, dd)

	maxDD, resumeDD := e.thresholdsFor(acc)

	switch {
	case !acc.CopyPaused && acc.AutoPauseEnabled && dd >= maxDD:
		return e.pause(ctx, acc, dd, maxDD)

	case acc.CopyPaused && acc.AutoResumeEnabled && dd < resumeDD:
		return e.resume(ctx, acc, dd, resumeDD)

	default:
		return ActionNone, nil
	}
}

// thresholdsFor 账户级阈值覆盖全局默认值
func (e *Evaluator) thresholdsFor(acc *account.FollowerAccount) (maxDD, resumeDD float64) {
	maxDD, resumeDD = e.maxDrawdownPercent, e.resumeDrawdownPercent
	if acc.MaxDrawdownPercent != nil && *acc.MaxDrawdownPercent > 0 {
		maxDD = *acc.MaxDrawdownPercent
	}
	if acc.ResumeDrawdownPercent != nil && *acc.ResumeDrawdownPercent > 0 {
		resumeDD = *acc.ResumeDrawdownPercent
	}
	return maxDD, resumeDD
}

func (e *Evaluator) pause(ctx context.Context, acc *account.FollowerAccount, dd, maxDD float64) (Action, error) {
	reason := fmt.Sprintf("回撤 %.2f%% 超过上限 %.2f%%，暂停跟单", dd, maxDD)

	if err := e.accounts.MarkPaused(ctx, acc.AccountID, reason); err != nil {
		return ActionNone, fmt.Errorf("暂停账户 %s 失败: %w", acc.AccountID, err)
	}

	// 退订失败不回滚暂停状态，下一轮扫描会重试控制面
	if err := e.subscriber.Unsubscribe(ctx, acc.AccountID, acc.StrategyID); err != nil {
		logger.Error("账户 %s 已标记暂停但退订失败: %v", acc.AccountID, err)
	}

	metrics.IncAccountPaused(acc.AccountID)
	logger.Warn("⏸️ 账户 %s %s", acc.AccountID, reason)
	if e.bus != nil {
		e.bus.Publish(&event.Event{
			Type: event.EventTypeAccountPaused,
			Data: map[string]interface{}{
				"account_id": acc.AccountID,
				"drawdown":   dd,
				"reason":     reason,
			},
		})
	}
	return ActionPause, nil
}

func (e *Evaluator) resume(ctx context.Context, acc *account.FollowerAccount, dd, resumeDD float64) (Action, error) {
	reason := fmt.Sprintf("回撤 %.2f%% 低于恢复线 %.2f%%，恢复跟单", dd, resumeDD)

	if err := e.accounts.MarkResumed(ctx, acc.AccountID, reason); err != nil {
		return ActionNone, fmt.Errorf("恢复账户 %s 失败: %w", acc.AccountID, err)
	}

	// 按账户当前倍数重订
	if err := e.subscriber.Subscribe(ctx, &subscription.SubscribeRequest{
		AccountID:  acc.AccountID,
		StrategyID: acc.StrategyID,
		Multiplier: acc.Multiplier,
	}); err != nil {
		logger.Error("账户 %s 已标记恢复但重订失败: %v", acc.AccountID, err)
	}

	metrics.IncAccountResumed(acc.AccountID)
	logger.Info("▶️ 账户 %s %s", acc.AccountID, reason)
	if e.bus != nil {
		e.bus.Publish(&event.Event{
			Type: event.EventTypeAccountResumed,
			Data: map[string]interface{}{
				"account_id": acc.AccountID,
				"drawdown":   dd,
				"reason":     reason,
			},
		})
	}
	return ActionResume, nil
}
