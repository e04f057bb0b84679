package rebalance

import (
	"context"
	"fmt"
	"math"
	"time"

	"copymesh/account"
	"copymesh/event"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/subscription"
)

// Rebalancer 倍数再平衡器。计算是纯函数（ComputeMultiplier），
// 这里负责防抖（变化量阈值、最小间隔）和落地。
type Rebalancer struct {
	accounts   *account.Store
	subscriber subscription.Controller
	bus        *event.EventBus

	rules       Rules
	minInterval time.Duration
}

// NewRebalancer 创建再平衡器
func NewRebalancer(accounts *account.Store, subscriber subscription.Controller, bus *event.EventBus, rules Rules, minInterval time.Duration) *Rebalancer {
	if minInterval <= 0 {
		minInterval = 6 * time.Hour
	}
	return &Rebalancer{
		accounts:    accounts,
		subscriber:  subscriber,
		bus:         bus,
		rules:       rules,
		minInterval: minInterval,
	}
}

// Evaluate 评估单个账户是否需要调整倍数，需要则落地。
// 返回 true 表示本次完成了一次调整。
func (r *Rebalancer) Evaluate(ctx context.Context, acc *account.FollowerAccount) (bool, error) {
	metrics.SetMultiplier(acc.AccountID, acc.Multiplier)

	if acc.LastRebalanceAt != nil && time.Since(*acc.LastRebalanceAt) < r.minInterval {
		return false, nil
	}

	original := acc.OriginalMultiplier
	if original <= 0 {
		original = acc.Multiplier
	}

	rules := r.rulesFor(acc)
	stats := AccountStats{
		Balance:     acc.Balance,
		Equity:      acc.Equity,
		MarginLevel: marginLevel(acc),
		AgeDays:     ageDays(acc),
	}

	newMult, reason := ComputeMultiplier(stats, original, rules)
	if math.Abs(newMult-acc.Multiplier) < ChurnThreshold(original) {
		return false, nil
	}

	fullReason := fmt.Sprintf("%s（%.2f → %.2f）", reason, acc.Multiplier, newMult)

	// 先通知执行端按新倍数重订；失败则本轮放弃，不落半套状态
	if err := r.subscriber.Subscribe(ctx, &subscription.SubscribeRequest{
		AccountID:  acc.AccountID,
		StrategyID: acc.StrategyID,
		Multiplier: newMult,
	}); err != nil {
		return false, fmt.Errorf("账户 %s 按新倍数重订失败: %w", acc.AccountID, err)
	}

	if err := r.accounts.ApplyMultiplier(ctx, acc.AccountID, newMult, fullReason); err != nil {
		return false, fmt.Errorf("账户 %s 持久化新倍数失败: %w", acc.AccountID, err)
	}

	metrics.IncRebalance(acc.AccountID)
	metrics.SetMultiplier(acc.AccountID, newMult)
	logger.Info("⚖️ 账户 %s 倍数调整: %s", acc.AccountID, fullReason)
	if r.bus != nil {
		r.bus.Publish(&event.Event{
			Type: event.EventTypeAccountRebalanced,
			Data: map[string]interface{}{
				"account_id":     acc.AccountID,
				"old_multiplier": acc.Multiplier,
				"new_multiplier": newMult,
				"reason":         reason,
			},
		})
	}
	return true, nil
}

// rulesFor 账户级边界覆盖全局边界
func (r *Rebalancer) rulesFor(acc *account.FollowerAccount) Rules {
	rules := r.rules
	if acc.MinMultiplier != nil && *acc.MinMultiplier > 0 {
		rules.Min = *acc.MinMultiplier
	}
	if acc.MaxMultiplier != nil && *acc.MaxMultiplier > 0 {
		rules.Max = *acc.MaxMultiplier
	}
	return rules
}

// marginLevel 保证金水平百分比 = 净值/已用保证金×100
func marginLevel(acc *account.FollowerAccount) float64 {
	if acc.Margin <= 0 {
		return 0
	}
	return acc.Equity / acc.Margin * 100
}

func ageDays(acc *account.FollowerAccount) float64 {
	anchor := acc.ConnectedAt
	if anchor == nil {
		t := acc.CreatedAt
		if t.IsZero() {
			return 0
		}
		anchor = &t
	}
	return time.Since(*anchor).Hours() / 24
}
