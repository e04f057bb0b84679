package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"copymesh/account"
	"copymesh/event"
	"copymesh/i18n"
	"copymesh/ledger"
	"copymesh/logger"
	"copymesh/metrics"
)

// ChatSink 外部聊天通道（次通道，尽力而为）。
// 返回消息ID，发送方未确认时为空串。
type ChatSink interface {
	SendMessage(ctx context.Context, chatID, text string) (string, error)
}

// Dispatcher 告警投递器。应用内通知是主通道，写库失败即
// 整次投递失败；外部聊天失败只记日志。
type Dispatcher struct {
	db       *gorm.DB
	accounts *account.Store
	chat     ChatSink
	chatID   string
	bus      *event.EventBus
}

// NewDispatcher 创建告警投递器并迁移通知表
func NewDispatcher(db *gorm.DB, accounts *account.Store, chat ChatSink, chatID string, bus *event.EventBus) (*Dispatcher, error) {
	if err := db.AutoMigrate(&Notification{}); err != nil {
		return nil, fmt.Errorf("迁移通知表失败: %w", err)
	}
	return &Dispatcher{db: db, accounts: accounts, chat: chat, chatID: chatID, bus: bus}, nil
}

// Dispatch 投递一条告警
func (d *Dispatcher) Dispatch(ctx context.Context, acc *account.FollowerAccount, trade *ledger.ClosedTradeRecord, decision Decision) error {
	if !decision.Send {
		return nil
	}

	title, body := d.render(acc, trade, decision)

	metadata, _ := json.Marshal(map[string]interface{}{
		"position_id": trade.PositionID,
		"symbol":      trade.Symbol,
		"volume":      trade.Volume,
		"profit":      trade.Profit,
		"pips":        trade.Pips,
		"reason":      decision.Reason,
	})

	notif := &Notification{
		UserID:    acc.UserID,
		AccountID: acc.AccountID,
		AlertType: decision.Type,
		Title:     title,
		Message:   body,
		Metadata:  string(metadata),
	}
	if err := d.db.WithContext(ctx).Create(notif).Error; err != nil {
		metrics.IncAlertSent(decision.Type, "inapp", "failed")
		return fmt.Errorf("写入应用内通知失败: %w", err)
	}
	metrics.IncAlertSent(decision.Type, "inapp", "success")

	d.sendChat(ctx, decision.Type, title, body)

	if err := d.accounts.AppendAutomationLog(ctx, acc.AccountID, "ALERT", decision.Reason); err != nil {
		// 审计日志是次要路径，不让告警调用失败
		logger.Warn("⚠️ 账户 %s 告警审计日志写入失败: %v", acc.AccountID, err)
	}

	logger.Info("🔔 账户 %s 告警 [%s]: %s", acc.AccountID, decision.Type, decision.Reason)
	if d.bus != nil {
		d.bus.Publish(&event.Event{
			Type: event.EventTypeAlertSent,
			Data: map[string]interface{}{
				"account_id": acc.AccountID,
				"alert_type": decision.Type,
				"reason":     decision.Reason,
			},
		})
	}
	return nil
}

func (d *Dispatcher) sendChat(ctx context.Context, alertType, title, body string) {
	if d.chat == nil || d.chatID == "" {
		return
	}
	msgID, err := d.chat.SendMessage(ctx, d.chatID, title+"\n"+body)
	if err != nil {
		metrics.IncAlertSent(alertType, "chat", "failed")
		logger.Warn("⚠️ 外部聊天告警发送失败: %v", err)
		return
	}
	metrics.IncAlertSent(alertType, "chat", "success")
	logger.Debug("外部聊天告警已发送, message_id=%s", msgID)
}

func (d *Dispatcher) render(acc *account.FollowerAccount, trade *ledger.ClosedTradeRecord, decision Decision) (string, string) {
	data := map[string]interface{}{
		"Account": acc.Name,
		"Symbol":  trade.Symbol,
		"Side":    trade.Side,
		"Volume":  fmt.Sprintf("%.2f", trade.Volume),
		"Profit":  fmt.Sprintf("%.2f", trade.Profit),
		"Pips":    fmt.Sprintf("%.1f", trade.Pips),
	}
	if data["Account"] == "" {
		data["Account"] = acc.AccountID
	}

	switch decision.Type {
	case TypeLargeTrade:
		return i18n.T("alert_large_trade_title"), i18n.T("alert_large_trade_body", data)
	case TypeHighProfit:
		return i18n.T("alert_high_profit_title"), i18n.T("alert_high_profit_body", data)
	case TypeHighLoss:
		return i18n.T("alert_high_loss_title"), i18n.T("alert_high_loss_body", data)
	default:
		return decision.Type, decision.Reason
	}
}
