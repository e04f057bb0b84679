package ledger

import (
	"time"
)

// ClosedBy 平仓方式分类
type ClosedBy string

const (
	ClosedByTP      ClosedBy = "TP"
	ClosedBySL      ClosedBy = "SL"
	ClosedByManual  ClosedBy = "MANUAL"
	ClosedByUnknown ClosedBy = "UNKNOWN"
)

// ClosedTradeRecord 平仓交易的规范账本记录。
// 每个仓位ID只存一条，重复到达通过归并解决，绝不追加新行。
type ClosedTradeRecord struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	PositionID string `gorm:"uniqueIndex;size:64" json:"position_id"` // 自然键
	AccountID  string `gorm:"index:idx_account_close;size:64" json:"account_id"`
	UserID     string `gorm:"index;size:64" json:"user_id"`
	StrategyID string `gorm:"index;size:64" json:"strategy_id"`

	Symbol string  `gorm:"size:32" json:"symbol"`
	Side   string  `gorm:"size:8" json:"side"` // BUY, SELL
	Volume float64 `json:"volume"`

	OpenPrice  float64 `json:"open_price"`
	ClosePrice float64 `json:"close_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`

	Profit     float64  `json:"profit"`
	Pips       float64  `json:"pips"`
	Commission float64  `json:"commission"`
	Swap       float64  `json:"swap"`
	ClosedBy   ClosedBy `gorm:"size:16" json:"closed_by"`
	RiskReward *float64 `json:"risk_reward"` // SL/TP 都存在时才能推导

	OpenTime    time.Time `json:"open_time"`
	CloseTime   time.Time `gorm:"index:idx_account_close" json:"close_time"`
	DurationSec int64     `json:"duration_sec"`

	// 审计：pips 符号被利润校正过
	SignCorrected bool `json:"sign_corrected"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (ClosedTradeRecord) TableName() string {
	return "closed_trades"
}

// HasStops 是否携带非零 SL/TP（重复归并时优先保留）
func (r *ClosedTradeRecord) HasStops() bool {
	return r.StopLoss != 0 || r.TakeProfit != 0
}

// RawPosition 仓位流推送的实时仓位数据
type RawPosition struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Volume     float64   `json:"volume"`
	OpenPrice  float64   `json:"openPrice"`
	ClosePrice float64   `json:"closePrice"`
	StopLoss   float64   `json:"stopLoss,omitempty"`
	TakeProfit float64   `json:"takeProfit,omitempty"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	OpenTime   time.Time `json:"openTime"`
	CloseTime  time.Time `json:"closeTime"`
}

// OriginContext 触发信号携带的默认值，只在实时数据缺失时兜底
type OriginContext struct {
	UserID     string
	StrategyID string
	Side       string
	Volume     float64
	OpenPrice  float64
	StopLoss   float64
	TakeProfit float64
}
