package perf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"copymesh/ledger"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/pip"
	"copymesh/utils"
)

// recomputeHorizonDays 缺失快照的重算时间窗；更早的缺失日
// 直接按空交易日返回，不回查账本。
const recomputeHorizonDays = 30

// Aggregator 绩效聚合器：日快照缓存优先，失效或缺失时从账本重算
type Aggregator struct {
	db     *gorm.DB
	trades *ledger.Store
}

// NewAggregator 创建聚合器并迁移快照表
func NewAggregator(db *gorm.DB, trades *ledger.Store) (*Aggregator, error) {
	if err := db.AutoMigrate(&DailyPerformanceSnapshot{}); err != nil {
		return nil, fmt.Errorf("迁移绩效表失败: %w", err)
	}
	return &Aggregator{db: db, trades: trades}, nil
}

// GetDaily 取某账户（可选按策略）某日绩效。缓存命中直接返回；
// 零成交缓存行、点数未回填或时间窗内缺失时从账本重算并无条件写回。
// strategyID 为空代表账户全量维度。
func (a *Aggregator) GetDaily(ctx context.Context, accountID, strategyID string, day time.Time) (*DailyPerformanceSnapshot, error) {
	dayKey := utils.DayKey(day)

	var snap DailyPerformanceSnapshot
	err := a.db.WithContext(ctx).
		Where("account_id = ? AND strategy_id = ? AND day = ?", accountID, strategyID, dayKey).
		First(&snap).Error

	switch {
	case err == nil:
		if snap.Valid() {
			metrics.IncSnapshotCacheHit()
			return &snap, nil
		}
		logger.Info("📈 账户 %s 日快照 %s 需重算（零成交缓存或点数未回填）", accountID, dayKey)
		metrics.IncSnapshotRecompute("invalid")
		return a.recompute(ctx, accountID, strategyID, day, &snap)

	case errors.Is(err, gorm.ErrRecordNotFound):
		if a.beyondHorizon(day) {
			return emptySnapshot(accountID, strategyID, dayKey), nil
		}
		metrics.IncSnapshotRecompute("missing")
		return a.recompute(ctx, accountID, strategyID, day, nil)

	default:
		return nil, fmt.Errorf("查询日快照失败: %w", err)
	}
}

// GetCalendar 取某账户一段日期的逐日绩效，按日升序返回；
// 每天都有一行，空交易日为零行。
func (a *Aggregator) GetCalendar(ctx context.Context, accountID, strategyID string, start, end time.Time) ([]*DailyPerformanceSnapshot, error) {
	start = utils.DayStart(start)
	end = utils.DayStart(end)
	if end.Before(start) {
		return nil, fmt.Errorf("日期范围无效: %s 之后才是 %s", utils.DayKey(end), utils.DayKey(start))
	}

	var out []*DailyPerformanceSnapshot
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		snap, err := a.GetDaily(ctx, accountID, strategyID, day)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetWeekly 取包含 anchor 的 ISO 周（周一起）汇总
func (a *Aggregator) GetWeekly(ctx context.Context, accountID, strategyID string, anchor time.Time) (*PeriodSummary, error) {
	start := utils.WeekStart(anchor)
	return a.summarize(ctx, accountID, strategyID, start, start.AddDate(0, 0, 6))
}

// GetMonthly 取包含 anchor 的自然月汇总
func (a *Aggregator) GetMonthly(ctx context.Context, accountID, strategyID string, anchor time.Time) (*PeriodSummary, error) {
	start := utils.MonthStart(anchor)
	end := start.AddDate(0, 1, -1)
	return a.summarize(ctx, accountID, strategyID, start, end)
}

// summarize 周/月汇总从日快照求和，不回查成交明细
func (a *Aggregator) summarize(ctx context.Context, accountID, strategyID string, start, end time.Time) (*PeriodSummary, error) {
	// 不统计还没发生的日子
	today := utils.DayStart(utils.NowUTC())
	if end.After(today) {
		end = today
	}

	sum := &PeriodSummary{
		AccountID:   accountID,
		StrategyID:  strategyID,
		PeriodStart: utils.DayKey(start),
		PeriodEnd:   utils.DayKey(end),
	}
	if end.Before(start) {
		return sum, nil
	}

	days, err := a.GetCalendar(ctx, accountID, strategyID, start, end)
	if err != nil {
		return nil, err
	}
	for _, d := range days {
		sum.TradeCount += d.TradeCount
		sum.TotalProfit += d.TotalProfit
		sum.TotalPips += d.TotalPips
		sum.TotalVolume += d.TotalVolume
		sum.WinCount += d.WinCount
		sum.LossCount += d.LossCount
	}
	if sum.TradeCount > 0 {
		sum.WinRate = math.Round(float64(sum.WinCount)/float64(sum.TradeCount)*10000) / 100
	}
	sum.TotalProfit = round2(sum.TotalProfit)
	sum.TotalPips = round1(sum.TotalPips)
	return sum, nil
}

// recompute 从账本重算一天并写回缓存
func (a *Aggregator) recompute(ctx context.Context, accountID, strategyID string, day time.Time, existing *DailyPerformanceSnapshot) (*DailyPerformanceSnapshot, error) {
	records, err := a.trades.QueryRange(ctx, accountID, strategyID, utils.DayStart(day), utils.DayEnd(day))
	if err != nil {
		return nil, fmt.Errorf("重算日绩效失败: %w", err)
	}

	snap := buildSnapshot(accountID, strategyID, utils.DayKey(day), records)
	if existing != nil {
		snap.ID = existing.ID
		snap.CreatedAt = existing.CreatedAt
	}

	// 无条件写回；空交易日的零行只做占位，迟到数据到账后仍会重算
	if err := a.db.WithContext(ctx).Save(snap).Error; err != nil {
		return nil, fmt.Errorf("写回日快照失败: %w", err)
	}
	return snap, nil
}

func (a *Aggregator) beyondHorizon(day time.Time) bool {
	cutoff := utils.DayStart(utils.NowUTC()).AddDate(0, 0, -recomputeHorizonDays)
	return utils.DayStart(day).Before(cutoff)
}

func buildSnapshot(accountID, strategyID, dayKey string, records []*ledger.ClosedTradeRecord) *DailyPerformanceSnapshot {
	snap := &DailyPerformanceSnapshot{
		AccountID:  accountID,
		StrategyID: strategyID,
		Day:        dayKey,
		ComputedAt: time.Now().UTC(),
	}
	for i, r := range records {
		// 旧记录点数未回填时按价格现算并对齐已落账的利润符号，不落回账本
		pips := r.Pips
		if pips == 0 && r.OpenPrice != 0 && r.ClosePrice != 0 {
			pips = ledger.ReconcilePips(r.Profit, pip.Delta(r.Symbol, pip.Side(r.Side), r.OpenPrice, r.ClosePrice))
		}
		snap.TradeCount++
		snap.TotalProfit += r.Profit
		snap.TotalPips += pips
		snap.TotalVolume += r.Volume
		if r.Profit >= 0 {
			snap.WinCount++
		} else {
			snap.LossCount++
		}
		if i == 0 || r.Profit > snap.BestProfit {
			snap.BestProfit = r.Profit
		}
		if i == 0 || r.Profit < snap.WorstProfit {
			snap.WorstProfit = r.Profit
		}
	}
	if snap.TradeCount > 0 {
		snap.WinRate = math.Round(float64(snap.WinCount)/float64(snap.TradeCount)*10000) / 100
	}
	snap.TotalProfit = round2(snap.TotalProfit)
	snap.TotalPips = round1(snap.TotalPips)
	return snap
}

func emptySnapshot(accountID, strategyID, dayKey string) *DailyPerformanceSnapshot {
	return &DailyPerformanceSnapshot{
		AccountID:  accountID,
		StrategyID: strategyID,
		Day:        dayKey,
		ComputedAt: time.Now().UTC(),
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
