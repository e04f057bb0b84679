package ledger

import (
	"context"
	"fmt"
	"math"

	"copymesh/event"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/pip"
)

// Archiver 交易归档器：把平仓事件写成规范账本记录
type Archiver struct {
	store *Store
	bus   *event.EventBus
}

// NewArchiver 创建归档器
func NewArchiver(store *Store, bus *event.EventBus) *Archiver {
	return &Archiver{store: store, bus: bus}
}

// Archive 归档一笔平仓。幂等：同一仓位ID重复到达按去重规则归并。
// 返回仓位ID作为记录标识。
func (a *Archiver) Archive(ctx context.Context, positionID, accountID string, raw *RawPosition, origin *OriginContext) (string, error) {
	if positionID == "" {
		return "", fmt.Errorf("归档失败: 仓位ID为空")
	}
	if accountID == "" {
		return "", fmt.Errorf("归档失败: 账户ID为空")
	}
	if raw == nil {
		return "", fmt.Errorf("归档失败: 仓位数据为空")
	}

	rec := a.resolve(positionID, accountID, raw, origin)

	// 点数计算 + 符号校正（利润是经纪商结算值，作为基准）
	rec.Pips = pip.Delta(rec.Symbol, pip.Side(rec.Side), rec.OpenPrice, rec.ClosePrice)
	reconcileSigns(rec)

	rec.ClosedBy = classifyClose(rec)
	if !rec.OpenTime.IsZero() && !rec.CloseTime.IsZero() {
		rec.DurationSec = int64(rec.CloseTime.Sub(rec.OpenTime).Seconds())
	}
	rec.RiskReward = deriveRiskReward(rec)

	result, err := a.store.Merge(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("归档仓位 %s 失败: %w", positionID, err)
	}

	if result.Conflict {
		metrics.IncDedupeConflict(accountID)
		if a.bus != nil {
			a.bus.Publish(&event.Event{
				Type: event.EventTypeDedupeConflict,
				Data: map[string]interface{}{
					"position_id": positionID,
					"account_id":  accountID,
					"replaced":    result.Replaced,
				},
			})
		}
	}

	if result.Created {
		metrics.IncTradeArchived(accountID, rec.Symbol)
		logger.Info("📦 已归档平仓 %s (%s %s, profit=%.2f, pips=%.1f, closed_by=%s)",
			positionID, rec.Symbol, rec.Side, rec.Profit, rec.Pips, rec.ClosedBy)
		if a.bus != nil {
			a.bus.Publish(&event.Event{
				Type: event.EventTypeTradeArchived,
				Data: map[string]interface{}{
					"position_id": positionID,
					"account_id":  accountID,
					"symbol":      rec.Symbol,
					"profit":      rec.Profit,
					"pips":        rec.Pips,
				},
			})
		}
	}

	return positionID, nil
}

// resolve 字段解析：实时仓位数据优先，信号默认值兜底
func (a *Archiver) resolve(positionID, accountID string, raw *RawPosition, origin *OriginContext) *ClosedTradeRecord {
	rec := &ClosedTradeRecord{
		PositionID: positionID,
		AccountID:  accountID,
		Symbol:     raw.Symbol,
		Side:       raw.Side,
		Volume:     raw.Volume,
		OpenPrice:  raw.OpenPrice,
		ClosePrice: raw.ClosePrice,
		StopLoss:   raw.StopLoss,
		TakeProfit: raw.TakeProfit,
		Profit:     raw.Profit,
		Commission: raw.Commission,
		Swap:       raw.Swap,
		OpenTime:   raw.OpenTime,
		CloseTime:  raw.CloseTime,
	}

	if origin != nil {
		rec.UserID = origin.UserID
		rec.StrategyID = origin.StrategyID
		if rec.Side == "" {
			rec.Side = origin.Side
		}
		if rec.Volume == 0 {
			rec.Volume = origin.Volume
		}
		if rec.OpenPrice == 0 {
			rec.OpenPrice = origin.OpenPrice
		}
		if rec.StopLoss == 0 {
			rec.StopLoss = origin.StopLoss
		}
		if rec.TakeProfit == 0 {
			rec.TakeProfit = origin.TakeProfit
		}
	}

	if rec.Side == "" {
		rec.Side = string(pip.SideBuy)
		logger.Warn("⚠️ 仓位 %s 缺少方向，按 BUY 处理", positionID)
	}

	return rec
}

// ReconcilePips 以利润符号为基准校正点数符号：两者都非零且符号
// 不一致时翻转点数，否则原样返回。利润由经纪商结算，是唯一基准。
func ReconcilePips(profit, pips float64) float64 {
	if profit == 0 || pips == 0 {
		return pips
	}
	if (profit > 0) == (pips > 0) {
		return pips
	}
	return -pips
}

// reconcileSigns 对归档记录应用符号校正并留痕
func reconcileSigns(rec *ClosedTradeRecord) {
	fixed := ReconcilePips(rec.Profit, rec.Pips)
	if fixed == rec.Pips {
		return
	}
	rec.Pips = fixed
	rec.SignCorrected = true
	logger.Warn("⚠️ 仓位 %s 点数符号与利润不一致，已校正 (profit=%.2f, pips=%.1f)",
		rec.PositionID, rec.Profit, rec.Pips)
}

// classifyClose 平仓方式分类：平仓价落在 TP/SL 的小邻域内判定为
// 止盈/止损；有 TP/SL 但都不匹配判定为手动；完全没有 TP/SL 判定为未知。
func classifyClose(rec *ClosedTradeRecord) ClosedBy {
	if rec.StopLoss == 0 && rec.TakeProfit == 0 {
		return ClosedByUnknown
	}

	// 判定邻域取一个点的价格幅度
	epsilon := pip.Classify(rec.Symbol)

	if rec.TakeProfit != 0 && math.Abs(rec.ClosePrice-rec.TakeProfit) <= epsilon {
		return ClosedByTP
	}
	if rec.StopLoss != 0 && math.Abs(rec.ClosePrice-rec.StopLoss) <= epsilon {
		return ClosedBySL
	}
	return ClosedByManual
}

// deriveRiskReward 推导盈亏比；SL/TP 缺一即为 nil
func deriveRiskReward(rec *ClosedTradeRecord) *float64 {
	if rec.StopLoss == 0 || rec.TakeProfit == 0 || rec.OpenPrice == 0 {
		return nil
	}
	risk := math.Abs(rec.OpenPrice - rec.StopLoss)
	if risk == 0 {
		return nil
	}
	reward := math.Abs(rec.TakeProfit - rec.OpenPrice)
	rr := math.Round(reward/risk*100) / 100
	return &rr
}

// ArchiveClosed 从仓位流平仓事件直接归档的便捷入口
func (a *Archiver) ArchiveClosed(ctx context.Context, positionID, accountID string, raw *RawPosition) (string, error) {
	return a.Archive(ctx, positionID, accountID, raw, nil)
}
