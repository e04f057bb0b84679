package subscription

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"copymesh/logger"
	"copymesh/metrics"
)

// RetryingController 给底层控制器加限流、超时和有限重试。
// 控制面调用失败不会让自动化扫描中断，只会留给下一轮。
type RetryingController struct {
	inner      Controller
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
}

// NewRetryingController 包装底层控制器
func NewRetryingController(inner Controller, ratePerSec float64, timeout time.Duration, maxRetries int) *RetryingController {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingController{
		inner:      inner,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
		timeout:    timeout,
		maxRetries: maxRetries,
	}
}

// Subscribe 按指定倍数订阅策略
func (r *RetryingController) Subscribe(ctx context.Context, req *SubscribeRequest) error {
	return r.call(ctx, "subscribe", req.AccountID, func(c context.Context) error {
		return r.inner.Subscribe(c, req)
	})
}

// Unsubscribe 暂停订阅
func (r *RetryingController) Unsubscribe(ctx context.Context, accountID, strategyID string) error {
	return r.call(ctx, "unsubscribe", accountID, func(c context.Context) error {
		return r.inner.Unsubscribe(c, accountID, strategyID)
	})
}

// RemoveAccount 移除账户
func (r *RetryingController) RemoveAccount(ctx context.Context, accountID string) error {
	return r.call(ctx, "remove", accountID, func(c context.Context) error {
		return r.inner.RemoveAccount(c, accountID)
	})
}

func (r *RetryingController) call(ctx context.Context, operation, accountID string, fn func(context.Context) error) error {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			metrics.RecordSubscriptionCall(operation, "canceled", time.Since(start))
			return fmt.Errorf("等待限流失败: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			metrics.RecordSubscriptionCall(operation, "success", time.Since(start))
			return nil
		}
		lastErr = err
		if attempt < r.maxRetries {
			logger.Warn("⚠️ 订阅控制 %s 账户 %s 第 %d 次失败: %v，重试",
				operation, accountID, attempt+1, err)
			select {
			case <-ctx.Done():
				metrics.RecordSubscriptionCall(operation, "canceled", time.Since(start))
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}

	metrics.RecordSubscriptionCall(operation, "failed", time.Since(start))
	return fmt.Errorf("订阅控制 %s 账户 %s 失败: %w", operation, accountID, lastErr)
}
