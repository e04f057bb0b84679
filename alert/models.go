package alert

import (
	"time"
)

// Notification 应用内通知（主通道，写库必须成功）
type Notification struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"index:idx_notif_user_time;size:64" json:"user_id"`
	AccountID string    `gorm:"index;size:64" json:"account_id"`
	AlertType string    `gorm:"size:32" json:"alert_type"`
	Title     string    `gorm:"size:200" json:"title"`
	Message   string    `gorm:"size:1000" json:"message"`
	Metadata  string    `gorm:"size:2000" json:"metadata"` // JSON
	Read      bool      `json:"read"`
	CreatedAt time.Time `gorm:"index:idx_notif_user_time" json:"created_at"`
}

// TableName 表名
func (Notification) TableName() string {
	return "notifications"
}
