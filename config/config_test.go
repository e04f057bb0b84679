package config

import (
	"testing"
)

func TestLoadConfigFromBytes_Defaults(t *testing.T) {
	yml := []byte(`
automation:
  enabled: true
`)
	cfg, err := LoadConfigFromBytes(yml)
	if err != nil {
		t.Fatalf("加载最小配置失败: %v", err)
	}

	if !cfg.Automation.Enabled {
		t.Error("automation.enabled 应为 true")
	}
	if cfg.Risk.MaxDrawdownPercent != 15 {
		t.Errorf("默认暂停阈值应为 15, 得到 %.2f", cfg.Risk.MaxDrawdownPercent)
	}
	if cfg.Risk.ResumeDrawdownPercent != 5 {
		t.Errorf("默认恢复阈值应为 5, 得到 %.2f", cfg.Risk.ResumeDrawdownPercent)
	}
	if cfg.Rebalance.Step != 0.1 {
		t.Errorf("默认量化步长应为 0.1, 得到 %.2f", cfg.Rebalance.Step)
	}
	if cfg.Rebalance.HistoryLimit != 50 {
		t.Errorf("默认历史上限应为 50, 得到 %d", cfg.Rebalance.HistoryLimit)
	}
	if cfg.ErrorTracking.ErrorWindowMinutes != 30 {
		t.Errorf("默认错误窗口应为 30 分钟, 得到 %d", cfg.ErrorTracking.ErrorWindowMinutes)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("默认数据库类型应为 sqlite, 得到 %s", cfg.Database.Type)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		expectErr bool
	}{
		{
			name:      "默认配置合法",
			mutate:    func(cfg *Config) {},
			expectErr: false,
		},
		{
			name: "恢复阈值不小于暂停阈值",
			mutate: func(cfg *Config) {
				cfg.Risk.MaxDrawdownPercent = 10
				cfg.Risk.ResumeDrawdownPercent = 10
			},
			expectErr: true,
		},
		{
			name: "乘数区间颠倒",
			mutate: func(cfg *Config) {
				cfg.Rebalance.MinMultiplier = 5
				cfg.Rebalance.MaxMultiplier = 1
			},
			expectErr: true,
		},
		{
			name: "high_loss 阈值为正数",
			mutate: func(cfg *Config) {
				cfg.Alerts.Enabled = true
				cfg.Alerts.MinLoss = 100
			},
			expectErr: true,
		},
		{
			name: "不支持的数据库类型",
			mutate: func(cfg *Config) {
				cfg.Database.Type = "oracle"
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.expectErr {
				t.Errorf("Validate() error = %v, expectErr %v", err, tt.expectErr)
			}
		})
	}
}
