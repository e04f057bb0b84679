package rebalance

import (
	"fmt"
	"math"
	"strings"
)

// AccountStats 倍数计算的输入快照
type AccountStats struct {
	Balance     float64
	Equity      float64
	MarginLevel float64 // 保证金水平百分比；0 表示未知
	AgeDays     float64 // 账户开通天数
}

// Rules 倍数边界与步长
type Rules struct {
	Min  float64
	Max  float64
	Step float64
}

// ComputeMultiplier 从账户表现信号推导新倍数。纯函数。
// 各调整因子乘性叠加，结果按步长取整并夹在边界内。
func ComputeMultiplier(stats AccountStats, original float64, rules Rules) (float64, string) {
	if stats.Balance <= 0 || original <= 0 {
		return clampQuantize(original, rules), "账户数据不足，保持原倍数"
	}

	ratio := stats.Equity / stats.Balance
	drawdown := (stats.Balance - stats.Equity) / stats.Balance

	factor := 1.0
	var reasons []string

	if ratio < 0.9 {
		factor *= 0.9 - (0.9-ratio)*0.5
		reasons = append(reasons, fmt.Sprintf("净值比 %.2f 偏低", ratio))
	}
	if ratio > 1.1 {
		factor *= 1.0 + (ratio-1.1)*0.3
		reasons = append(reasons, fmt.Sprintf("净值比 %.2f 偏高", ratio))
	}
	if drawdown > 0.15 {
		factor *= 0.8
		reasons = append(reasons, fmt.Sprintf("回撤 %.0f%%", drawdown*100))
	}
	if drawdown < 0.05 && ratio > 1.0 {
		factor *= 1.1
		reasons = append(reasons, "低回撤盈利中")
	}
	if stats.MarginLevel > 0 && stats.MarginLevel < 200 {
		factor *= 0.85
		reasons = append(reasons, fmt.Sprintf("保证金水平 %.0f 偏低", stats.MarginLevel))
	}
	if stats.MarginLevel > 500 && ratio > 1.0 {
		factor *= 1.05
		reasons = append(reasons, "保证金充裕")
	}
	if stats.AgeDays > 0 && stats.AgeDays < 7 {
		factor *= 0.95
		reasons = append(reasons, "新账户保守期")
	}

	newMult := clampQuantize(original*factor, rules)
	reason := "表现信号无需调整"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "；")
	}
	return newMult, reason
}

// ChurnThreshold 最小有效变化量，低于它的调整不落地
func ChurnThreshold(original float64) float64 {
	return math.Max(0.1, original*0.05)
}

func clampQuantize(v float64, rules Rules) float64 {
	step := rules.Step
	if step <= 0 {
		step = 0.1
	}
	// 按步长就近取整；再修一次浮点尾数
	q := math.Round(v/step) * step
	q = math.Round(q*1e6) / 1e6

	if rules.Min > 0 && q < rules.Min {
		q = rules.Min
	}
	if rules.Max > 0 && q > rules.Max {
		q = rules.Max
	}
	return q
}
