package pip

import (
	"math"
	"strings"

	"copymesh/logger"
)

// Side 交易方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// 各类品种的点值
const (
	SizeDefaultFX = 0.0001 // 常规外汇对
	SizeJPY       = 0.01   // 日元对
	SizeMetal     = 0.01   // 贵金属
	SizeIndex     = 1.0    // 指数
	SizeCrypto    = 1.0    // 加密货币
)

// 指数类品种的常见代码与后缀
var indexTickers = []string{
	"US30", "US100", "US500", "USTEC", "NAS100", "SPX500", "SP500",
	"GER30", "GER40", "DE30", "DE40", "DAX",
	"UK100", "FTSE", "FRA40", "CAC40",
	"JP225", "JPN225", "NIKKEI",
	"AUS200", "HK50", "HSI", "DJ30", "DOW",
}

// 加密货币常见代码
var cryptoTickers = []string{
	"BTC", "ETH", "LTC", "XRP", "BCH", "ADA", "DOT", "SOL", "DOGE", "BNB",
}

// 贵金属代码
var metalTickers = []string{
	"XAU", "XAG", "GOLD", "SILVER",
}

// Classify 根据品种代码判定点值。
// 判定顺序：指数 → 加密货币 → 贵金属 → 日元对 → 默认外汇。
func Classify(symbol string) float64 {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return SizeDefaultFX
	}

	for _, idx := range indexTickers {
		if strings.Contains(s, idx) {
			return SizeIndex
		}
	}

	for _, c := range cryptoTickers {
		if strings.HasPrefix(s, c) {
			return SizeCrypto
		}
	}

	for _, m := range metalTickers {
		if strings.Contains(s, m) {
			return SizeMetal
		}
	}

	if strings.Contains(s, "JPY") {
		return SizeJPY
	}

	return SizeDefaultFX
}

// Delta 计算带方向的点数变动，保留一位小数。
// 输入缺失或为零时返回 0 并记录警告，绝不报错。
func Delta(symbol string, side Side, openPrice, closePrice float64) float64 {
	if symbol == "" || openPrice == 0 || closePrice == 0 {
		logger.Warn("⚠️ 点数计算输入缺失 (symbol=%q, open=%.5f, close=%.5f)，返回 0",
			symbol, openPrice, closePrice)
		return 0
	}

	pipSize := Classify(symbol)
	direction := 1.0
	if side == SideSell {
		direction = -1.0
	}

	raw := (closePrice - openPrice) / pipSize * direction
	return math.Round(raw*10) / 10
}
