package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"copymesh/logger"
)

// OwnerResolver 根据账户ID补全归属用户（旧记录缺失 user_id 时使用）
type OwnerResolver func(accountID string) string

// Store 账本存储。重复到达的归并在以仓位ID为作用域的
// 读改写事务里完成，不允许先读后写两步分离。
type Store struct {
	db *gorm.DB

	// 显式声明底层存储是否支持账户+日期复合查询；
	// 不支持时统一走宽查询加客户端过滤（替代按错误码降级）。
	compositeQueries bool

	ownerResolver OwnerResolver
}

// recentScanLimit 无索引兜底扫描的行数上限
const recentScanLimit = 2000

// NewStore 创建账本存储并迁移表结构
func NewStore(db *gorm.DB, compositeQueries bool, resolver OwnerResolver) (*Store, error) {
	if err := db.AutoMigrate(&ClosedTradeRecord{}); err != nil {
		return nil, fmt.Errorf("迁移账本表失败: %w", err)
	}
	return &Store{
		db:               db,
		compositeQueries: compositeQueries,
		ownerResolver:    resolver,
	}, nil
}

// SupportsCompositeQuery 是否支持账户+日期复合查询
func (s *Store) SupportsCompositeQuery() bool {
	return s.compositeQueries
}

// MergeResult 归并结果
type MergeResult struct {
	Created  bool // 首次写入
	Replaced bool // 重复到达且替换了已有记录
	Conflict bool // 重复到达（无论是否替换）
}

// Merge 幂等写入：同一仓位ID的后续到达按去重规则归并。
// 规则：恰好一方携带非零 SL/TP 时保留该方；否则保留先到的记录。
func (s *Store) Merge(ctx context.Context, candidate *ClosedTradeRecord) (MergeResult, error) {
	var result MergeResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ClosedTradeRecord
		err := tx.Where("position_id = ?", candidate.PositionID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if err := tx.Create(candidate).Error; err != nil {
				return fmt.Errorf("写入账本失败: %w", err)
			}
			result.Created = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("查询已有记录失败: %w", err)
		}

		result.Conflict = true
		logConflict(&existing, candidate)

		// 恰好一方携带非零 SL/TP 时保留该方，否则先到者保留
		if !existing.HasStops() && candidate.HasStops() {
			candidate.ID = existing.ID
			candidate.CreatedAt = existing.CreatedAt
			if err := tx.Model(&ClosedTradeRecord{}).
				Where("id = ?", existing.ID).
				Select("*").Omit("id", "created_at").
				Updates(candidate).Error; err != nil {
				return fmt.Errorf("归并更新失败: %w", err)
			}
			result.Replaced = true
		}
		return nil
	})

	return result, err
}

// logConflict 记录归并冲突，保留两个候选记录供审计
func logConflict(existing, candidate *ClosedTradeRecord) {
	existingJSON, _ := json.Marshal(existing)
	candidateJSON, _ := json.Marshal(candidate)
	logger.Warn("⚠️ 仓位 %s 重复到达，已有记录: %s，新候选: %s",
		candidate.PositionID, existingJSON, candidateJSON)
}

// Get 按仓位ID读取（读边界统一归一化）
func (s *Store) Get(ctx context.Context, positionID string) (*ClosedTradeRecord, error) {
	var rec ClosedTradeRecord
	err := s.db.WithContext(ctx).Where("position_id = ?", positionID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取账本记录失败: %w", err)
	}
	s.normalize(&rec)
	return &rec, nil
}

// QueryRange 查询账户在时间区间内的平仓记录。
// 降级链：复合查询 → 日期区间+客户端过滤 → 最近扫描+客户端过滤；
// 缺索引类故障绝不向调用方抛错，最终返回空但合法的结果。
func (s *Store) QueryRange(ctx context.Context, accountID, strategyID string, start, end time.Time) ([]*ClosedTradeRecord, error) {
	var records []*ClosedTradeRecord

	if s.compositeQueries {
		query := s.db.WithContext(ctx).
			Where("account_id = ? AND close_time >= ? AND close_time <= ?", accountID, start, end)
		if strategyID != "" {
			query = query.Where("strategy_id = ?", strategyID)
		}
		if err := query.Order("close_time ASC").Find(&records).Error; err == nil {
			return s.normalizeAll(records), nil
		} else {
			logger.Warn("⚠️ 复合查询失败，降级为日期区间查询: %v", err)
		}
	}

	// 日期区间查询 + 客户端过滤
	records = records[:0]
	err := s.db.WithContext(ctx).
		Where("close_time >= ? AND close_time <= ?", start, end).
		Order("close_time ASC").
		Find(&records).Error
	if err == nil {
		return s.filterClientSide(records, accountID, strategyID), nil
	}
	logger.Warn("⚠️ 日期区间查询失败，降级为最近扫描: %v", err)

	// 最终兜底：最近扫描 + 客户端过滤
	records = records[:0]
	err = s.db.WithContext(ctx).
		Order("close_time DESC").
		Limit(recentScanLimit).
		Find(&records).Error
	if err != nil {
		logger.Error("❌ 账本兜底扫描也失败，返回空结果: %v", err)
		return []*ClosedTradeRecord{}, nil
	}

	filtered := make([]*ClosedTradeRecord, 0, len(records))
	for _, r := range records {
		if r.AccountID != accountID {
			continue
		}
		if strategyID != "" && r.StrategyID != strategyID {
			continue
		}
		if r.CloseTime.Before(start) || r.CloseTime.After(end) {
			continue
		}
		s.normalize(r)
		filtered = append(filtered, r)
	}
	return filtered, nil
}

// filterClientSide 客户端按账户/策略过滤
func (s *Store) filterClientSide(records []*ClosedTradeRecord, accountID, strategyID string) []*ClosedTradeRecord {
	filtered := make([]*ClosedTradeRecord, 0, len(records))
	for _, r := range records {
		if r.AccountID != accountID {
			continue
		}
		if strategyID != "" && r.StrategyID != strategyID {
			continue
		}
		s.normalize(r)
		filtered = append(filtered, r)
	}
	return filtered
}

func (s *Store) normalizeAll(records []*ClosedTradeRecord) []*ClosedTradeRecord {
	for _, r := range records {
		s.normalize(r)
	}
	return records
}

// normalize 读边界归一化：旧记录缺失的归属字段在这里一次性补全，
// 下游不再做逐字段兜底判断。
func (s *Store) normalize(rec *ClosedTradeRecord) {
	if rec.UserID == "" && s.ownerResolver != nil {
		rec.UserID = s.ownerResolver(rec.AccountID)
	}
	if rec.ClosedBy == "" {
		rec.ClosedBy = ClosedByUnknown
	}
	if rec.DurationSec == 0 && !rec.OpenTime.IsZero() && !rec.CloseTime.IsZero() {
		rec.DurationSec = int64(rec.CloseTime.Sub(rec.OpenTime).Seconds())
	}
}
