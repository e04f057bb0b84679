package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"copymesh/logger"
)

// ErrNotFound 账户不存在
var ErrNotFound = errors.New("账户不存在")

// Store 账户存储。暂停/恢复/熔断/倍数等状态只通过这里的
// 状态机方法变更，调用方不直接改字段。
type Store struct {
	db           *gorm.DB
	historyLimit int
}

// NewStore 创建账户存储并迁移表结构
func NewStore(db *gorm.DB, historyLimit int) (*Store, error) {
	if err := db.AutoMigrate(
		&FollowerAccount{},
		&AutomationLogEntry{},
		&ErrorHistoryEntry{},
		&RebalanceHistoryEntry{},
	); err != nil {
		return nil, fmt.Errorf("迁移账户表失败: %w", err)
	}
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Store{db: db, historyLimit: historyLimit}, nil
}

// Get 按账户ID查询
func (s *Store) Get(ctx context.Context, accountID string) (*FollowerAccount, error) {
	var acc FollowerAccount
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询账户 %s 失败: %w", accountID, err)
	}
	return &acc, nil
}

// ListAutomated 列出开启自动化且未熔断的跟单账户
func (s *Store) ListAutomated(ctx context.Context) ([]*FollowerAccount, error) {
	var accs []*FollowerAccount
	err := s.db.WithContext(ctx).
		Where("automation_enabled = ? AND is_master = ? AND auto_disconnected_at IS NULL", true, false).
		Find(&accs).Error
	if err != nil {
		return nil, fmt.Errorf("列出自动化账户失败: %w", err)
	}
	return accs, nil
}

// Upsert 创建或更新账户基础信息
func (s *Store) Upsert(ctx context.Context, acc *FollowerAccount) error {
	var existing FollowerAccount
	err := s.db.WithContext(ctx).Where("account_id = ?", acc.AccountID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(acc).Error
	}
	if err != nil {
		return err
	}
	acc.ID = existing.ID
	return s.db.WithContext(ctx).Model(&existing).
		Omit("id", "created_at", "copy_paused", "pause_reason", "paused_at",
			"consecutive_errors", "last_error_at", "auto_disconnected_at",
			"disconnect_reason", "multiplier", "last_rebalance_at").
		Updates(acc).Error
}

// UpdateSnapshot 更新余额/净值/保证金快照
func (s *Store) UpdateSnapshot(ctx context.Context, accountID string, balance, equity, margin, freeMargin float64) error {
	return s.db.WithContext(ctx).Model(&FollowerAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance":     balance,
			"equity":      equity,
			"margin":      margin,
			"free_margin": freeMargin,
		}).Error
}

// MarkPaused 标记自动暂停。已暂停时为幂等空操作。
func (s *Store) MarkPaused(ctx context.Context, accountID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if acc.CopyPaused {
			return nil
		}
		now := time.Now().UTC()
		if err := tx.Model(acc).Updates(map[string]interface{}{
			"copy_paused":  true,
			"pause_reason": reason,
			"paused_at":    now,
		}).Error; err != nil {
			return err
		}
		return appendLog(tx, accountID, "PAUSE", reason)
	})
}

// MarkResumed 标记自动恢复。未暂停时为幂等空操作。
func (s *Store) MarkResumed(ctx context.Context, accountID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if !acc.CopyPaused {
			return nil
		}
		if err := tx.Model(acc).Updates(map[string]interface{}{
			"copy_paused":  false,
			"pause_reason": "",
			"paused_at":    nil,
		}).Error; err != nil {
			return err
		}
		return appendLog(tx, accountID, "RESUME", reason)
	})
}

// MarkDisconnected 标记错误熔断。返回 true 表示本次调用完成了
// 熔断；已熔断的账户返回 false，保证断开动作只触发一次。
func (s *Store) MarkDisconnected(ctx context.Context, accountID, reason string) (bool, error) {
	var first bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if acc.AutoDisconnectedAt != nil {
			return nil
		}
		first = true
		now := time.Now().UTC()
		if err := tx.Model(acc).Updates(map[string]interface{}{
			"auto_disconnected_at": now,
			"disconnect_reason":    reason,
		}).Error; err != nil {
			return err
		}
		return appendLog(tx, accountID, "DISCONNECT", reason)
	})
	return first, err
}

// ApplyMultiplier 应用新倍数并记录调整历史；
// 同一事务内裁剪历史到上限，保留最新。
func (s *Store) ApplyMultiplier(ctx context.Context, accountID string, newMultiplier float64, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.Model(acc).Updates(map[string]interface{}{
			"multiplier":        newMultiplier,
			"last_rebalance_at": now,
		}).Error; err != nil {
			return err
		}
		entry := &RebalanceHistoryEntry{
			AccountID:     accountID,
			OldMultiplier: acc.Multiplier,
			NewMultiplier: newMultiplier,
			Reason:        reason,
			CreatedAt:     now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		if err := s.evictRebalanceHistory(tx, accountID); err != nil {
			return err
		}
		return appendLog(tx, accountID, "REBALANCE", reason)
	})
}

// evictRebalanceHistory 删除超出上限的最旧历史
func (s *Store) evictRebalanceHistory(tx *gorm.DB, accountID string) error {
	var count int64
	if err := tx.Model(&RebalanceHistoryEntry{}).
		Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		return err
	}
	excess := count - int64(s.historyLimit)
	if excess <= 0 {
		return nil
	}
	var ids []int64
	if err := tx.Model(&RebalanceHistoryEntry{}).
		Where("account_id = ?", accountID).
		Order("id ASC").Limit(int(excess)).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	return tx.Delete(&RebalanceHistoryEntry{}, ids).Error
}

// BumpErrorCount 错误计数加一并追加错误历史，返回新计数。
// resetWindow 为 true 时先清零再计数（视为新错误窗口的第一个错误）。
func (s *Store) BumpErrorCount(ctx context.Context, accountID, message, source string, resetWindow bool) (int, error) {
	var newCount int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if resetWindow {
			newCount = 1
		} else {
			newCount = acc.ConsecutiveErrors + 1
		}
		now := time.Now().UTC()
		if err := tx.Model(acc).Updates(map[string]interface{}{
			"consecutive_errors": newCount,
			"last_error_at":      now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&ErrorHistoryEntry{
			AccountID: accountID,
			Message:   message,
			Source:    source,
			CreatedAt: now,
		}).Error
	})
	return newCount, err
}

// ResetErrorCount 清零错误计数。幂等。
func (s *Store) ResetErrorCount(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Model(&FollowerAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"consecutive_errors": 0,
			"last_error_at":      nil,
		}).Error
}

// AppendAutomationLog 追加一条自动化动作日志
func (s *Store) AppendAutomationLog(ctx context.Context, accountID, action, reason string) error {
	return appendLog(s.db.WithContext(ctx), accountID, action, reason)
}

// RebalanceHistory 查询账户最近的倍数调整历史，最新在前
func (s *Store) RebalanceHistory(ctx context.Context, accountID string, limit int) ([]*RebalanceHistoryEntry, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	var entries []*RebalanceHistoryEntry
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").Limit(limit).
		Find(&entries).Error
	return entries, err
}

// AutomationLog 查询账户自动化动作日志，最新在前
func (s *Store) AutomationLog(ctx context.Context, accountID string, limit int) ([]*AutomationLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*AutomationLogEntry
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").Limit(limit).
		Find(&entries).Error
	return entries, err
}

func lockAccount(tx *gorm.DB, accountID string) (*FollowerAccount, error) {
	var acc FollowerAccount
	err := tx.Where("account_id = ?", accountID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func appendLog(tx *gorm.DB, accountID, action, reason string) error {
	logger.Info("🤖 账户 %s 自动化动作 %s: %s", accountID, action, reason)
	return tx.Create(&AutomationLogEntry{
		AccountID: accountID,
		Action:    action,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}).Error
}
