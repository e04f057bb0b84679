package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"copymesh/config"
	"copymesh/event"
)

// TelegramNotifier Telegram 通知器。同时充当告警的外部聊天
// 通道：SendMessage 返回 Telegram 的消息ID。
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier 创建 Telegram 通知器
func NewTelegramNotifier(cfg *config.Config) (*TelegramNotifier, error) {
	if cfg.Notifications.Telegram.BotToken == "" || cfg.Notifications.Telegram.ChatID == "" {
		return nil, fmt.Errorf("Telegram BotToken 或 ChatID 未配置")
	}

	return &TelegramNotifier{
		botToken: cfg.Notifications.Telegram.BotToken,
		chatID:   cfg.Notifications.Telegram.ChatID,
		client: &http.Client{
			Timeout: 3 * time.Second,
		},
	}, nil
}

// Name 返回通知器名称
func (tn *TelegramNotifier) Name() string {
	return "Telegram"
}

// Send 发送事件通知
func (tn *TelegramNotifier) Send(evt *event.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := tn.SendMessage(ctx, tn.chatID, formatEventMessage(evt))
	return err
}

// SendMessage 向指定会话发送文本，返回消息ID
func (tn *TelegramNotifier) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	if chatID == "" {
		chatID = tn.chatID
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", tn.botToken)

	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tn.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Telegram API 返回错误: %d", resp.StatusCode)
	}

	var result struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || !result.OK {
		// 发送已成功但响应解析失败，消息ID留空
		return "", nil
	}
	return strconv.FormatInt(result.Result.MessageID, 10), nil
}

// formatEventMessage 把自动化事件排版成聊天文本
func formatEventMessage(evt *event.Event) string {
	var emoji, title string

	switch evt.Type {
	case event.EventTypeTradeArchived:
		emoji = "📦"
		title = "平仓已归档"
	case event.EventTypeAccountPaused:
		emoji = "⏸️"
		title = "跟单已暂停"
	case event.EventTypeAccountResumed:
		emoji = "▶️"
		title = "跟单已恢复"
	case event.EventTypeAccountRebalanced:
		emoji = "⚖️"
		title = "倍数已调整"
	case event.EventTypeAccountDisconnected:
		emoji = "🔌"
		title = "跟单已断开"
	case event.EventTypeAlertSent:
		emoji = "🔔"
		title = "交易告警"
	case event.EventTypeErrorTracked:
		emoji = "⚠️"
		title = "跟单错误"
	case event.EventTypeDedupeConflict:
		emoji = "⚠️"
		title = "仓位重复冲突"
	case event.EventTypeSystemStart:
		emoji = "🚀"
		title = "系统启动"
	case event.EventTypeSystemStop:
		emoji = "🛑"
		title = "系统停止"
	default:
		emoji = "ℹ️"
		title = string(evt.Type)
	}

	msg := fmt.Sprintf("%s *%s*\n时间: %s",
		emoji, title, evt.Timestamp.Format("2006-01-02 15:04:05"))

	for k, v := range evt.Data {
		msg += fmt.Sprintf("\n%s: %v", k, v)
	}
	return msg
}
