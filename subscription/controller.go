package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"copymesh/logger"
)

// SubscribeRequest 一次订阅请求：账户以什么倍数跟哪个策略
type SubscribeRequest struct {
	AccountID     string            `json:"account_id"`
	StrategyID    string            `json:"strategy_id"`
	Multiplier    float64           `json:"multiplier"`
	Reverse       bool              `json:"reverse,omitempty"`
	SymbolMapping map[string]string `json:"symbol_mapping,omitempty"`
	MaxRisk       float64           `json:"max_risk,omitempty"`
}

// Controller 跟单订阅控制面：暂停即退订，恢复即按当前倍数重订，
// 熔断即把账户从执行端彻底移除。实现方对接实际的跟单执行端。
type Controller interface {
	Subscribe(ctx context.Context, req *SubscribeRequest) error
	Unsubscribe(ctx context.Context, accountID, strategyID string) error
	RemoveAccount(ctx context.Context, accountID string) error
}

// NopController 未配置控制端点时的空实现：只记日志，不出站
type NopController struct{}

func (NopController) Subscribe(ctx context.Context, req *SubscribeRequest) error {
	logger.Debug("订阅控制未配置，忽略 subscribe 账户 %s", req.AccountID)
	return nil
}

func (NopController) Unsubscribe(ctx context.Context, accountID, strategyID string) error {
	logger.Debug("订阅控制未配置，忽略 unsubscribe 账户 %s", accountID)
	return nil
}

func (NopController) RemoveAccount(ctx context.Context, accountID string) error {
	logger.Debug("订阅控制未配置，忽略 remove 账户 %s", accountID)
	return nil
}

// HTTPController 通过 HTTP 控制端点操作订阅
type HTTPController struct {
	endpoint string
	client   *http.Client
}

// NewHTTPController 创建 HTTP 订阅控制器
func NewHTTPController(endpoint string, timeout time.Duration) (*HTTPController, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("订阅控制端点未配置")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPController{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Subscribe 按指定倍数订阅策略
func (c *HTTPController) Subscribe(ctx context.Context, req *SubscribeRequest) error {
	return c.post(ctx, "subscribe", req.AccountID, map[string]interface{}{
		"account_id":     req.AccountID,
		"strategy_id":    req.StrategyID,
		"multiplier":     req.Multiplier,
		"reverse":        req.Reverse,
		"symbol_mapping": req.SymbolMapping,
		"max_risk":       req.MaxRisk,
	})
}

// Unsubscribe 暂停账户对策略的订阅
func (c *HTTPController) Unsubscribe(ctx context.Context, accountID, strategyID string) error {
	return c.post(ctx, "unsubscribe", accountID, map[string]interface{}{
		"account_id":  accountID,
		"strategy_id": strategyID,
	})
}

// RemoveAccount 把账户从执行端移除
func (c *HTTPController) RemoveAccount(ctx context.Context, accountID string) error {
	return c.post(ctx, "remove", accountID, map[string]interface{}{
		"account_id": accountID,
	})
}

func (c *HTTPController) post(ctx context.Context, action, accountID string, body map[string]interface{}) error {
	body["action"] = action
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("订阅控制请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("订阅控制返回 %d: %s", resp.StatusCode, string(detail))
	}

	logger.Debug("订阅控制 %s 账户 %s 成功", action, accountID)
	return nil
}
