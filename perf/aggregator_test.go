package perf

import (
	"context"
	"testing"
	"time"

	"copymesh/database"
	"copymesh/ledger"
	"copymesh/utils"
)

func newTestAggregator(t *testing.T) (*Aggregator, *ledger.Store) {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	trades, err := ledger.NewStore(db, true, nil)
	if err != nil {
		t.Fatalf("初始化账本失败: %v", err)
	}
	agg, err := NewAggregator(db, trades)
	if err != nil {
		t.Fatalf("初始化聚合器失败: %v", err)
	}
	return agg, trades
}

func archiveTrade(t *testing.T, trades *ledger.Store, posID string, closeTime time.Time, profit, pips float64) {
	archiveStrategyTrade(t, trades, posID, "", closeTime, profit, pips)
}

func archiveStrategyTrade(t *testing.T, trades *ledger.Store, posID, strategyID string, closeTime time.Time, profit, pips float64) {
	t.Helper()
	arch := ledger.NewArchiver(trades, nil)
	side := "BUY"
	open, close := 1.1000, 1.1000+pips*0.0001
	if profit < 0 && pips > 0 {
		// 测试里保持符号一致，避免触发校正
		t.Fatal("测试数据符号不一致")
	}
	raw := &ledger.RawPosition{
		Symbol:     "EURUSD",
		Side:       side,
		Volume:     1.0,
		OpenPrice:  open,
		ClosePrice: close,
		Profit:     profit,
		OpenTime:   closeTime.Add(-time.Hour),
		CloseTime:  closeTime,
	}
	var origin *ledger.OriginContext
	if strategyID != "" {
		origin = &ledger.OriginContext{StrategyID: strategyID}
	}
	if _, err := arch.Archive(context.Background(), posID, "acc-1", raw, origin); err != nil {
		t.Fatalf("归档测试数据失败: %v", err)
	}
}

func recentDay(offset int) time.Time {
	return utils.DayStart(utils.NowUTC()).AddDate(0, 0, offset)
}

func TestGetDaily_RecomputeAndCache(t *testing.T) {
	agg, trades := newTestAggregator(t)
	ctx := context.Background()
	day := recentDay(-1)

	archiveTrade(t, trades, "pos-1", day.Add(10*time.Hour), 50.0, 25.0)
	archiveTrade(t, trades, "pos-2", day.Add(12*time.Hour), -20.0, -10.0)

	snap, err := agg.GetDaily(ctx, "acc-1", "", day)
	if err != nil {
		t.Fatalf("取日绩效失败: %v", err)
	}
	if snap.TradeCount != 2 {
		t.Errorf("期望 2 笔成交，实际 %d", snap.TradeCount)
	}
	if snap.TotalProfit != 30.0 {
		t.Errorf("期望合计利润 30.0，实际 %.2f", snap.TotalProfit)
	}
	if snap.TotalPips != 15.0 {
		t.Errorf("期望合计点数 15.0，实际 %.1f", snap.TotalPips)
	}
	if snap.WinCount != 1 || snap.LossCount != 1 || snap.WinRate != 50.0 {
		t.Errorf("胜负统计错误: win=%d loss=%d rate=%.1f", snap.WinCount, snap.LossCount, snap.WinRate)
	}

	// 第二次应命中缓存且结果一致（幂等）
	again, err := agg.GetDaily(ctx, "acc-1", "", day)
	if err != nil {
		t.Fatalf("二次读取失败: %v", err)
	}
	if again.TotalProfit != snap.TotalProfit || again.TradeCount != snap.TradeCount {
		t.Error("缓存命中结果应与首次一致")
	}
}

func TestGetDaily_InvalidPipsRecomputed(t *testing.T) {
	agg, trades := newTestAggregator(t)
	ctx := context.Background()
	day := recentDay(-1)

	archiveTrade(t, trades, "pos-1", day.Add(10*time.Hour), 50.0, 25.0)

	// 预置点数未回填的旧快照：有成交但点数为零
	stale := &DailyPerformanceSnapshot{
		AccountID:   "acc-1",
		Day:         utils.DayKey(day),
		TradeCount:  1,
		TotalProfit: 50.0,
		TotalPips:   0,
		ComputedAt:  time.Now().UTC(),
	}
	if err := agg.db.Create(stale).Error; err != nil {
		t.Fatalf("预置快照失败: %v", err)
	}

	snap, err := agg.GetDaily(ctx, "acc-1", "", day)
	if err != nil {
		t.Fatalf("取日绩效失败: %v", err)
	}
	if snap.TotalPips != 25.0 {
		t.Errorf("旧快照应被重算，点数应为 25.0，实际 %.1f", snap.TotalPips)
	}
}

func TestGetDaily_EmptyDayRecomputedOnLateTrade(t *testing.T) {
	agg, trades := newTestAggregator(t)
	ctx := context.Background()
	day := recentDay(-2)

	snap, err := agg.GetDaily(ctx, "acc-1", "", day)
	if err != nil {
		t.Fatalf("取日绩效失败: %v", err)
	}
	if snap.TradeCount != 0 || snap.TotalPips != 0 {
		t.Error("空交易日应返回零行")
	}

	// 迟到的归档落在已缓存的空交易日，下次读取必须重算出来
	archiveTrade(t, trades, "pos-late", day.Add(14*time.Hour), 50.0, 25.0)

	again, err := agg.GetDaily(ctx, "acc-1", "", day)
	if err != nil {
		t.Fatalf("迟到数据后读取失败: %v", err)
	}
	if again.TradeCount != 1 {
		t.Errorf("迟到成交应被重算进快照，期望 1 笔，实际 %d", again.TradeCount)
	}
	if again.TotalProfit != 50.0 || again.TotalPips != 25.0 {
		t.Errorf("迟到成交统计错误: profit=%.2f pips=%.1f", again.TotalProfit, again.TotalPips)
	}

	// 重算覆盖原有零行，不产生重复行
	var count int64
	agg.db.Model(&DailyPerformanceSnapshot{}).
		Where("account_id = ? AND day = ?", "acc-1", utils.DayKey(day)).Count(&count)
	if count != 1 {
		t.Errorf("同一日应只有一行快照，实际 %d", count)
	}
}

func TestGetDaily_StrategyDimension(t *testing.T) {
	agg, trades := newTestAggregator(t)
	ctx := context.Background()
	day := recentDay(-1)

	archiveStrategyTrade(t, trades, "pos-a", "strat-1", day.Add(9*time.Hour), 40.0, 20.0)
	archiveStrategyTrade(t, trades, "pos-b", "strat-2", day.Add(11*time.Hour), 10.0, 5.0)

	one, err := agg.GetDaily(ctx, "acc-1", "strat-1", day)
	if err != nil {
		t.Fatalf("按策略取日绩效失败: %v", err)
	}
	if one.TradeCount != 1 || one.TotalProfit != 40.0 {
		t.Errorf("策略维度应只统计本策略成交: count=%d profit=%.2f", one.TradeCount, one.TotalProfit)
	}

	all, err := agg.GetDaily(ctx, "acc-1", "", day)
	if err != nil {
		t.Fatalf("取账户全量日绩效失败: %v", err)
	}
	if all.TradeCount != 2 || all.TotalProfit != 50.0 {
		t.Errorf("账户全量维度应统计全部成交: count=%d profit=%.2f", all.TradeCount, all.TotalProfit)
	}

	// 策略维度与账户全量维度的快照并存，互不覆盖
	var count int64
	agg.db.Model(&DailyPerformanceSnapshot{}).
		Where("account_id = ? AND day = ?", "acc-1", utils.DayKey(day)).Count(&count)
	if count != 2 {
		t.Errorf("期望 2 行快照（策略+全量），实际 %d", count)
	}
}

func TestGetDaily_LegacyPipsReconciledToProfit(t *testing.T) {
	agg, trades := newTestAggregator(t)
	ctx := context.Background()
	day := recentDay(-1)

	// 旧账本行：点数未回填，价格推算出正点数但结算利润为负
	rec := &ledger.ClosedTradeRecord{
		PositionID: "pos-legacy",
		AccountID:  "acc-1",
		Symbol:     "EURUSD",
		Side:       "BUY",
		Volume:     1.0,
		OpenPrice:  1.1000,
		ClosePrice: 1.1025,
		Profit:     -30.0,
		Pips:       0,
		OpenTime:   day.Add(9 * time.Hour),
		CloseTime:  day.Add(10 * time.Hour),
	}
	if _, err := trades.Merge(ctx, rec); err != nil {
		t.Fatalf("预置旧账本行失败: %v", err)
	}

	snap, err := agg.GetDaily(ctx, "acc-1", "", day)
	if err != nil {
		t.Fatalf("取日绩效失败: %v", err)
	}
	// 现算点数要以利润符号为基准校正：+25 翻转为 -25
	if snap.TotalPips != -25.0 {
		t.Errorf("现算点数应对齐利润符号，期望 -25.0，实际 %.1f", snap.TotalPips)
	}
	if snap.TotalProfit != -30.0 || snap.LossCount != 1 {
		t.Errorf("利润统计错误: profit=%.2f loss=%d", snap.TotalProfit, snap.LossCount)
	}
}

func TestGetDaily_BeyondHorizonNotPersisted(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()
	old := recentDay(-recomputeHorizonDays - 10)

	snap, err := agg.GetDaily(ctx, "acc-1", "", old)
	if err != nil {
		t.Fatalf("取日绩效失败: %v", err)
	}
	if snap.TradeCount != 0 {
		t.Error("时间窗外缺失日应返回零行")
	}

	var count int64
	agg.db.Model(&DailyPerformanceSnapshot{}).Count(&count)
	if count != 0 {
		t.Errorf("时间窗外的零行不应写库，实际 %d 行", count)
	}
}

func TestGetWeekly_SumsDailySnapshots(t *testing.T) {
	agg, trades := newTestAggregator(t)
	ctx := context.Background()

	anchor := utils.WeekStart(utils.NowUTC())
	archiveTrade(t, trades, "pos-1", anchor.Add(9*time.Hour), 40.0, 20.0)
	if !anchor.AddDate(0, 0, 1).After(utils.NowUTC()) {
		archiveTrade(t, trades, "pos-2", anchor.AddDate(0, 0, 1).Add(9*time.Hour), 10.0, 5.0)
	} else {
		archiveTrade(t, trades, "pos-2", anchor.Add(11*time.Hour), 10.0, 5.0)
	}

	sum, err := agg.GetWeekly(ctx, "acc-1", "", anchor)
	if err != nil {
		t.Fatalf("周汇总失败: %v", err)
	}
	if sum.TradeCount != 2 || sum.TotalProfit != 50.0 || sum.TotalPips != 25.0 {
		t.Errorf("周汇总错误: count=%d profit=%.2f pips=%.1f",
			sum.TradeCount, sum.TotalProfit, sum.TotalPips)
	}
	if sum.WinRate != 100.0 {
		t.Errorf("胜率应为 100，实际 %.1f", sum.WinRate)
	}
}

func TestGetCalendar_RangeValidation(t *testing.T) {
	agg, _ := newTestAggregator(t)
	start := recentDay(-1)
	if _, err := agg.GetCalendar(context.Background(), "acc-1", "", start, start.AddDate(0, 0, -3)); err == nil {
		t.Error("终点早于起点应报错")
	}
}
