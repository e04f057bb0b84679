package alert

import (
	"fmt"

	"copymesh/account"
	"copymesh/ledger"
)

// 告警类型
const (
	TypeLargeTrade = "largeTrade"
	TypeHighProfit = "highProfit"
	TypeHighLoss   = "highLoss"
	TypeMilestone  = "milestone" // 已识别但未实现
)

// Decision 告警评估结论
type Decision struct {
	Send   bool
	Type   string
	Reason string
}

var noAlert = Decision{}

// Defaults 全局告警阈值。账户未配置对应阈值（零值）时兜底。
type Defaults struct {
	MinTradeSize float64
	MinProfit    float64
	MinLoss      float64
}

// Evaluate 判定一笔平仓是否触发告警。按优先级只命中一个类型：
// 大额交易 > 高盈利 > 高亏损。
func Evaluate(acc *account.FollowerAccount, trade *ledger.ClosedTradeRecord, def Defaults, automationEnabled bool) Decision {
	if !automationEnabled || !acc.AlertsEnabled {
		return noAlert
	}
	if acc.AlertTypes == "" {
		return noAlert
	}

	minTradeSize := acc.MinTradeSize
	if minTradeSize == 0 {
		minTradeSize = def.MinTradeSize
	}
	minProfit := acc.MinProfit
	if minProfit == 0 {
		minProfit = def.MinProfit
	}
	minLoss := acc.MinLoss
	if minLoss == 0 {
		minLoss = def.MinLoss
	}

	if acc.HasAlertType(TypeLargeTrade) && minTradeSize > 0 && trade.Volume >= minTradeSize {
		return Decision{
			Send:   true,
			Type:   TypeLargeTrade,
			Reason: fmt.Sprintf("成交量 %.2f 手达到告警线 %.2f 手", trade.Volume, minTradeSize),
		}
	}

	// 盈亏类告警只看已平仓
	if trade.CloseTime.IsZero() {
		return noAlert
	}

	if acc.HasAlertType(TypeHighProfit) && minProfit > 0 && trade.Profit >= minProfit {
		return Decision{
			Send:   true,
			Type:   TypeHighProfit,
			Reason: fmt.Sprintf("盈利 %.2f 达到告警线 %.2f", trade.Profit, minProfit),
		}
	}

	if acc.HasAlertType(TypeHighLoss) && minLoss < 0 && trade.Profit <= minLoss {
		return Decision{
			Send:   true,
			Type:   TypeHighLoss,
			Reason: fmt.Sprintf("亏损 %.2f 达到告警线 %.2f", trade.Profit, minLoss),
		}
	}

	return noAlert
}
