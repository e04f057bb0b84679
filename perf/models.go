package perf

import (
	"time"
)

// DailyPerformanceSnapshot 每账户每策略每日绩效快照（UTC 日界）。
// StrategyID 为空代表账户全量维度。
type DailyPerformanceSnapshot struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID  string `gorm:"uniqueIndex:idx_perf_account_day;size:64" json:"account_id"`
	StrategyID string `gorm:"uniqueIndex:idx_perf_account_day;size:64" json:"strategy_id"`
	Day        string `gorm:"uniqueIndex:idx_perf_account_day;size:10" json:"day"` // 2006-01-02

	TradeCount  int     `json:"trade_count"`
	TotalProfit float64 `json:"total_profit"`
	TotalPips   float64 `json:"total_pips"`
	TotalVolume float64 `json:"total_volume"`
	WinCount    int     `json:"win_count"`
	LossCount   int     `json:"loss_count"`
	WinRate     float64 `json:"win_rate"` // 0-100
	BestProfit  float64 `json:"best_profit"`
	WorstProfit float64 `json:"worst_profit"`

	ComputedAt time.Time `json:"computed_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName 表名
func (DailyPerformanceSnapshot) TableName() string {
	return "daily_performance"
}

// Valid 缓存有效性：零成交的缓存行可能是迟到数据落账前写的，
// 一律重算；有成交但点数合计为零视为旧数据未回填，同样重算。
func (s *DailyPerformanceSnapshot) Valid() bool {
	return s.TradeCount > 0 && s.TotalPips != 0
}

// PeriodSummary 周/月汇总结果
type PeriodSummary struct {
	AccountID   string  `json:"account_id"`
	StrategyID  string  `json:"strategy_id"`
	PeriodStart string  `json:"period_start"`
	PeriodEnd   string  `json:"period_end"`
	TradeCount  int     `json:"trade_count"`
	TotalProfit float64 `json:"total_profit"`
	TotalPips   float64 `json:"total_pips"`
	TotalVolume float64 `json:"total_volume"`
	WinCount    int     `json:"win_count"`
	LossCount   int     `json:"loss_count"`
	WinRate     float64 `json:"win_rate"`
}
