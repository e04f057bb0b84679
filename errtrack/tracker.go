package errtrack

import (
	"context"
	"fmt"
	"time"

	"copymesh/account"
	"copymesh/event"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/subscription"
)

// Tracker 滑动窗口错误计数器。窗口内连续错误达到上限触发
// 一次性熔断：退订、移除执行端账户、断开在线连接。
type Tracker struct {
	accounts   *account.Store
	subscriber subscription.Controller
	conns      *subscription.ConnectionManager
	bus        *event.EventBus

	maxConsecutiveErrors int
	errorWindow          time.Duration
}

// NewTracker 创建错误追踪器
func NewTracker(accounts *account.Store, subscriber subscription.Controller, conns *subscription.ConnectionManager, bus *event.EventBus, maxErrors int, window time.Duration) *Tracker {
	if maxErrors <= 0 {
		maxErrors = 5
	}
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Tracker{
		accounts:             accounts,
		subscriber:           subscriber,
		conns:                conns,
		bus:                  bus,
		maxConsecutiveErrors: maxErrors,
		errorWindow:          window,
	}
}

// TrackError 记录一次跟单错误。上一个错误距今超过窗口时
// 先清零再计数。达到上限触发熔断，且只触发一次。
func (t *Tracker) TrackError(ctx context.Context, accountID, errorText, source string) error {
	acc, err := t.accounts.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("追踪账户 %s 错误失败: %w", accountID, err)
	}
	if acc.AutoDisconnectedAt != nil {
		logger.Debug("账户 %s 已熔断，忽略错误: %s", accountID, errorText)
		return nil
	}

	maxErrors, window := t.limitsFor(acc)
	resetWindow := acc.LastErrorAt != nil && time.Since(*acc.LastErrorAt) > window

	count, err := t.accounts.BumpErrorCount(ctx, accountID, errorText, source, resetWindow)
	if err != nil {
		return fmt.Errorf("账户 %s 错误计数失败: %w", accountID, err)
	}

	metrics.IncErrorTracked(accountID)
	logger.Warn("⚠️ 账户 %s 跟单错误 %d/%d: %s", accountID, count, maxErrors, errorText)
	if t.bus != nil {
		t.bus.Publish(&event.Event{
			Type: event.EventTypeErrorTracked,
			Data: map[string]interface{}{
				"account_id": accountID,
				"count":      count,
				"error":      errorText,
			},
		})
	}

	if count >= maxErrors {
		return t.disconnect(ctx, acc, count, window)
	}
	return nil
}

// limitsFor 账户级熔断阈值覆盖全局默认值
func (t *Tracker) limitsFor(acc *account.FollowerAccount) (int, time.Duration) {
	maxErrors, window := t.maxConsecutiveErrors, t.errorWindow
	if acc.MaxConsecutiveErrors != nil && *acc.MaxConsecutiveErrors > 0 {
		maxErrors = *acc.MaxConsecutiveErrors
	}
	if acc.ErrorWindowMinutes != nil && *acc.ErrorWindowMinutes > 0 {
		window = time.Duration(*acc.ErrorWindowMinutes) * time.Minute
	}
	return maxErrors, window
}

// ResetErrorCount 外部恢复信号：清零计数。重复调用无副作用。
func (t *Tracker) ResetErrorCount(ctx context.Context, accountID string) error {
	return t.accounts.ResetErrorCount(ctx, accountID)
}

func (t *Tracker) disconnect(ctx context.Context, acc *account.FollowerAccount, count int, window time.Duration) error {
	reason := fmt.Sprintf("%s 内连续 %d 次错误，自动断开", window, count)

	first, err := t.accounts.MarkDisconnected(ctx, acc.AccountID, reason)
	if err != nil {
		return fmt.Errorf("熔断账户 %s 失败: %w", acc.AccountID, err)
	}
	if !first {
		return nil
	}

	// 清理执行端与在线连接都是尽力而为，失败只记日志
	if err := t.subscriber.Unsubscribe(ctx, acc.AccountID, acc.StrategyID); err != nil {
		logger.Error("账户 %s 熔断退订失败: %v", acc.AccountID, err)
	}
	if err := t.subscriber.RemoveAccount(ctx, acc.AccountID); err != nil {
		logger.Error("账户 %s 执行端移除失败: %v", acc.AccountID, err)
	}
	if t.conns != nil {
		t.conns.Remove(acc.AccountID)
	}

	metrics.IncAutoDisconnect(acc.AccountID)
	logger.Error("🔌 账户 %s %s", acc.AccountID, reason)
	if t.bus != nil {
		t.bus.Publish(&event.Event{
			Type: event.EventTypeAccountDisconnected,
			Data: map[string]interface{}{
				"account_id": acc.AccountID,
				"reason":     reason,
			},
		})
	}
	return nil
}
