package feed

import (
	"context"
	"time"

	"copymesh/ledger"
)

// EventType 仓位流事件类型
type EventType string

const (
	EventPositionUpdated EventType = "position_updated"
	EventPositionClosed  EventType = "position_closed"
	EventAccountSnapshot EventType = "account_snapshot"
	EventCopyError       EventType = "copy_error"
)

// PositionEvent 仓位流推送的一条事件
type PositionEvent struct {
	Type       EventType           `json:"type"`
	AccountID  string              `json:"account_id"`
	PositionID string              `json:"position_id,omitempty"`
	Position   *ledger.RawPosition `json:"position,omitempty"`

	// 账户快照事件携带
	Balance    float64 `json:"balance,omitempty"`
	Equity     float64 `json:"equity,omitempty"`
	Margin     float64 `json:"margin,omitempty"`
	FreeMargin float64 `json:"free_margin,omitempty"`

	// 跟单错误事件携带
	ErrorText string `json:"error_text,omitempty"`
	Source    string `json:"source,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Source 仓位流来源
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan *PositionEvent
}
