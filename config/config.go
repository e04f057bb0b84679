package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 跟单自动化引擎配置
type Config struct {
	// 自动化总开关：关闭后所有评估器立即变为 no-op
	Automation struct {
		Enabled       bool `yaml:"enabled"`
		SweepInterval int  `yaml:"sweep_interval"` // 风控/再平衡巡检间隔（秒），默认60
	} `yaml:"automation"`

	// 回撤风控默认值（账户级配置可覆盖）
	Risk struct {
		MaxDrawdownPercent    float64 `yaml:"max_drawdown_percent"`    // 暂停阈值，默认15
		ResumeDrawdownPercent float64 `yaml:"resume_drawdown_percent"` // 恢复阈值，默认5
	} `yaml:"risk"`

	// 乘数再平衡规则默认值
	Rebalance struct {
		Enabled          bool    `yaml:"enabled"`
		MinMultiplier    float64 `yaml:"min_multiplier"`     // 默认0.1
		MaxMultiplier    float64 `yaml:"max_multiplier"`     // 默认5.0
		Step             float64 `yaml:"step"`               // 量化步长，默认0.1
		MinIntervalHours int     `yaml:"min_interval_hours"` // 两次再平衡最小间隔，默认6
		HistoryLimit     int     `yaml:"history_limit"`      // 每账户历史条数上限，默认50
	} `yaml:"rebalance"`

	// 连续错误跟踪默认值
	ErrorTracking struct {
		MaxConsecutiveErrors int `yaml:"max_consecutive_errors"` // 默认5
		ErrorWindowMinutes   int `yaml:"error_window_minutes"`   // 滑动窗口（分钟），默认30
	} `yaml:"error_tracking"`

	// 交易提醒阈值默认值
	Alerts struct {
		Enabled      bool    `yaml:"enabled"`
		MinTradeSize float64 `yaml:"min_trade_size"` // largeTrade 阈值（手数）
		MinProfit    float64 `yaml:"min_profit"`     // highProfit 阈值
		MinLoss      float64 `yaml:"min_loss"`       // highLoss 阈值（负数）
	} `yaml:"alerts"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/copymesh.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 应用日志持久化（独立 SQLite，WAL 模式）
	LogStore struct {
		Enabled       bool   `yaml:"enabled"`
		Path          string `yaml:"path"`           // 默认 ./data/copymesh_logs.db
		RetentionDays int    `yaml:"retention_days"` // 日志保留天数，默认30，0表示不清理
	} `yaml:"log_store"`

	// 分布式锁配置（多实例部署）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`     // 是否启用分布式锁，默认false（单实例模式）
		Type       string `yaml:"type"`        // 锁类型: redis，默认 redis
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "copymesh:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 默认锁过期时间（秒），默认5

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// 外部聊天通知渠道（次要通道，尽力而为）
	Notifications struct {
		Enabled bool `yaml:"enabled"`

		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`

		Slack struct {
			Enabled bool   `yaml:"enabled"`
			Webhook string `yaml:"webhook"`
		} `yaml:"slack"`

		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"webhook"`

		// 按事件类型的通知规则
		Rules struct {
			TradeArchived       bool `yaml:"trade_archived"`
			AccountPaused       bool `yaml:"account_paused"`
			AccountResumed      bool `yaml:"account_resumed"`
			AccountRebalanced   bool `yaml:"account_rebalanced"`
			AccountDisconnected bool `yaml:"account_disconnected"`
			Error               bool `yaml:"error"`
		} `yaml:"rules"`
	} `yaml:"notifications"`

	// Prometheus 指标
	Metrics struct {
		Enabled        bool   `yaml:"enabled"`
		ListenAddr     string `yaml:"listen_addr"`     // 默认 :9190
		SystemInterval int    `yaml:"system_interval"` // 系统资源采集间隔（秒），默认30
	} `yaml:"metrics"`

	// 仓位事件流（WebSocket）
	Feed struct {
		URL               string `yaml:"url"`
		ReconnectInterval int    `yaml:"reconnect_interval"` // 重连间隔（秒），默认5
		QueueSize         int    `yaml:"queue_size"`         // 每账户事件队列长度，默认256
	} `yaml:"feed"`

	// 订阅控制出站调用
	Subscription struct {
		Endpoint   string  `yaml:"endpoint"`
		Timeout    int     `yaml:"timeout"`      // 单次调用超时（秒），默认10
		MaxRetries int     `yaml:"max_retries"`  // 有界重试次数，默认2
		RatePerSec float64 `yaml:"rate_per_sec"` // 出站限速（次/秒），默认5
	} `yaml:"subscription"`

	System struct {
		LogLevel         string `yaml:"log_level"`
		Timezone         string `yaml:"timezone"` // 时区，如 "Asia/Shanghai"
		Language         string `yaml:"language"` // 提醒文案语言，如 "zh-CN" 或 "en-US"
		LogRetentionDays int    `yaml:"log_retention_days"`
	} `yaml:"system"`
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 填充默认值
func applyDefaults(cfg *Config) {
	if cfg.Automation.SweepInterval <= 0 {
		cfg.Automation.SweepInterval = 60
	}
	if cfg.Risk.MaxDrawdownPercent <= 0 {
		cfg.Risk.MaxDrawdownPercent = 15
	}
	if cfg.Risk.ResumeDrawdownPercent <= 0 {
		cfg.Risk.ResumeDrawdownPercent = 5
	}
	if cfg.Rebalance.MinMultiplier <= 0 {
		cfg.Rebalance.MinMultiplier = 0.1
	}
	if cfg.Rebalance.MaxMultiplier <= 0 {
		cfg.Rebalance.MaxMultiplier = 5.0
	}
	if cfg.Rebalance.Step <= 0 {
		cfg.Rebalance.Step = 0.1
	}
	if cfg.Rebalance.MinIntervalHours <= 0 {
		cfg.Rebalance.MinIntervalHours = 6
	}
	if cfg.Rebalance.HistoryLimit <= 0 {
		cfg.Rebalance.HistoryLimit = 50
	}
	if cfg.ErrorTracking.MaxConsecutiveErrors <= 0 {
		cfg.ErrorTracking.MaxConsecutiveErrors = 5
	}
	if cfg.ErrorTracking.ErrorWindowMinutes <= 0 {
		cfg.ErrorTracking.ErrorWindowMinutes = 30
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "./data/copymesh.db"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 100
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime <= 0 {
		cfg.Database.ConnMaxLifetime = 3600
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "error"
	}
	if cfg.LogStore.Path == "" {
		cfg.LogStore.Path = "./data/copymesh_logs.db"
	}
	if cfg.LogStore.RetentionDays < 0 {
		cfg.LogStore.RetentionDays = 30
	}
	if cfg.DistributedLock.Type == "" {
		cfg.DistributedLock.Type = "redis"
	}
	if cfg.DistributedLock.Prefix == "" {
		cfg.DistributedLock.Prefix = "copymesh:lock:"
	}
	if cfg.DistributedLock.DefaultTTL <= 0 {
		cfg.DistributedLock.DefaultTTL = 5
	}
	if cfg.DistributedLock.Redis.Addr == "" {
		cfg.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if cfg.DistributedLock.Redis.PoolSize <= 0 {
		cfg.DistributedLock.Redis.PoolSize = 10
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9190"
	}
	if cfg.Metrics.SystemInterval <= 0 {
		cfg.Metrics.SystemInterval = 30
	}
	if cfg.Feed.ReconnectInterval <= 0 {
		cfg.Feed.ReconnectInterval = 5
	}
	if cfg.Feed.QueueSize <= 0 {
		cfg.Feed.QueueSize = 256
	}
	if cfg.Subscription.Timeout <= 0 {
		cfg.Subscription.Timeout = 10
	}
	if cfg.Subscription.MaxRetries <= 0 {
		cfg.Subscription.MaxRetries = 2
	}
	if cfg.Subscription.RatePerSec <= 0 {
		cfg.Subscription.RatePerSec = 5
	}
	if cfg.System.LogLevel == "" {
		cfg.System.LogLevel = "info"
	}
	if cfg.System.Timezone == "" {
		cfg.System.Timezone = "Asia/Shanghai"
	}
	if cfg.System.Language == "" {
		cfg.System.Language = "zh-CN"
	}
}

// DefaultConfig 创建带默认值的配置（首次启动时落盘）
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// SaveConfig 把配置写回文件
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}

	if c.Risk.ResumeDrawdownPercent >= c.Risk.MaxDrawdownPercent {
		return fmt.Errorf("恢复阈值 (%.2f) 必须小于暂停阈值 (%.2f)",
			c.Risk.ResumeDrawdownPercent, c.Risk.MaxDrawdownPercent)
	}

	if c.Rebalance.MinMultiplier >= c.Rebalance.MaxMultiplier {
		return fmt.Errorf("乘数下限 (%.2f) 必须小于上限 (%.2f)",
			c.Rebalance.MinMultiplier, c.Rebalance.MaxMultiplier)
	}
	if c.Rebalance.Step > c.Rebalance.MaxMultiplier-c.Rebalance.MinMultiplier {
		return fmt.Errorf("量化步长 (%.2f) 超过乘数区间宽度", c.Rebalance.Step)
	}

	if c.Alerts.Enabled && c.Alerts.MinLoss > 0 {
		return fmt.Errorf("high_loss 阈值应为负数，得到 %.2f", c.Alerts.MinLoss)
	}

	if c.DistributedLock.Enabled && c.DistributedLock.Type != "redis" {
		return fmt.Errorf("不支持的锁类型: %s", c.DistributedLock.Type)
	}

	return nil
}
