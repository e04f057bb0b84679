package account

import (
	"strings"
	"time"
)

// 跟单账户状态
const (
	StatusActive       = "ACTIVE"
	StatusPaused       = "PAUSED"
	StatusDisconnected = "DISCONNECTED"
)

// FollowerAccount 跟单账户
type FollowerAccount struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID  string `gorm:"uniqueIndex;size:64" json:"account_id"`
	UserID     string `gorm:"index;size:64" json:"user_id"`
	MasterID   string `gorm:"index;size:64" json:"master_id"`
	StrategyID string `gorm:"index;size:64" json:"strategy_id"`
	Name       string `gorm:"size:100" json:"name"`
	IsMaster   bool   `json:"is_master"`

	// 账户快照（由仓位流账户事件更新）
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`

	// 跟单倍数
	Multiplier         float64    `json:"multiplier"`
	OriginalMultiplier float64    `json:"original_multiplier"`
	LastRebalanceAt    *time.Time `json:"last_rebalance_at"`

	// 回撤自动暂停状态机
	CopyPaused  bool       `json:"copy_paused"`
	PauseReason string     `gorm:"size:200" json:"pause_reason"`
	PausedAt    *time.Time `json:"paused_at"`

	// 错误熔断
	ConsecutiveErrors  int        `json:"consecutive_errors"`
	LastErrorAt        *time.Time `json:"last_error_at"`
	AutoDisconnectedAt *time.Time `json:"auto_disconnected_at"`
	DisconnectReason   string     `gorm:"size:200" json:"disconnect_reason"`

	// 自动化开关与账户级覆盖（nil 取全局配置默认值）
	AutomationEnabled     bool     `json:"automation_enabled"`
	AutoPauseEnabled      bool     `json:"auto_pause_enabled"`
	AutoResumeEnabled     bool     `json:"auto_resume_enabled"`
	MinMultiplier         *float64 `json:"min_multiplier"`
	MaxMultiplier         *float64 `json:"max_multiplier"`
	MaxDrawdownPercent    *float64 `json:"max_drawdown_percent"`
	ResumeDrawdownPercent *float64 `json:"resume_drawdown_percent"`
	MaxConsecutiveErrors  *int     `json:"max_consecutive_errors"`
	ErrorWindowMinutes    *int     `json:"error_window_minutes"`

	// 告警偏好；AlertTypes 逗号分隔，空表示不发任何告警
	AlertsEnabled bool    `json:"alerts_enabled"`
	AlertTypes    string  `gorm:"size:200" json:"alert_types"`
	MinTradeSize  float64 `json:"min_trade_size"`
	MinProfit     float64 `json:"min_profit"`
	MinLoss       float64 `json:"min_loss"` // 负数阈值

	ConnectedAt *time.Time `json:"connected_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName 表名
func (FollowerAccount) TableName() string {
	return "follower_accounts"
}

// Status 从状态字段推导账户状态
func (a *FollowerAccount) Status() string {
	if a.AutoDisconnectedAt != nil {
		return StatusDisconnected
	}
	if a.CopyPaused {
		return StatusPaused
	}
	return StatusActive
}

// DrawdownPercent 浮动回撤百分比；余额非正时为 0
func (a *FollowerAccount) DrawdownPercent() float64 {
	if a.Balance <= 0 {
		return 0
	}
	dd := (a.Balance - a.Equity) / a.Balance * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// HasAlertType 告警类型是否开启
func (a *FollowerAccount) HasAlertType(alertType string) bool {
	if a.AlertTypes == "" {
		return false
	}
	for _, t := range strings.Split(a.AlertTypes, ",") {
		if strings.TrimSpace(t) == alertType {
			return true
		}
	}
	return false
}

// AutomationLogEntry 自动化动作日志（只追加）
type AutomationLogEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string    `gorm:"index:idx_autolog_account_time;size:64" json:"account_id"`
	Action    string    `gorm:"size:32" json:"action"` // PAUSE, RESUME, REBALANCE, DISCONNECT
	Reason    string    `gorm:"size:300" json:"reason"`
	CreatedAt time.Time `gorm:"index:idx_autolog_account_time" json:"created_at"`
}

// TableName 表名
func (AutomationLogEntry) TableName() string {
	return "automation_log"
}

// ErrorHistoryEntry 跟单错误历史（只追加）
type ErrorHistoryEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string    `gorm:"index:idx_errhist_account_time;size:64" json:"account_id"`
	Message   string    `gorm:"size:500" json:"message"`
	Source    string    `gorm:"size:64" json:"source"`
	CreatedAt time.Time `gorm:"index:idx_errhist_account_time" json:"created_at"`
}

// TableName 表名
func (ErrorHistoryEntry) TableName() string {
	return "error_history"
}

// RebalanceHistoryEntry 倍数调整历史（每账户保留最近 50 条）
type RebalanceHistoryEntry struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID     string    `gorm:"index:idx_rebhist_account_time;size:64" json:"account_id"`
	OldMultiplier float64   `json:"old_multiplier"`
	NewMultiplier float64   `json:"new_multiplier"`
	Reason        string    `gorm:"size:300" json:"reason"`
	CreatedAt     time.Time `gorm:"index:idx_rebhist_account_time" json:"created_at"`
}

// TableName 表名
func (RebalanceHistoryEntry) TableName() string {
	return "rebalance_history"
}
