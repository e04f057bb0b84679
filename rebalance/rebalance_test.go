package rebalance

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"copymesh/account"
	"copymesh/database"
	"copymesh/subscription"
)

var testRules = Rules{Min: 0.1, Max: 5.0, Step: 0.1}

func TestComputeMultiplier_StressedAccountReduced(t *testing.T) {
	// 净值比 0.85、回撤 20%、保证金水平 150 三重减仓
	stats := AccountStats{Balance: 10000, Equity: 8500, MarginLevel: 150, AgeDays: 30}
	newMult, reason := ComputeMultiplier(stats, 1.0, testRules)

	if newMult >= 1.0 {
		t.Errorf("受压账户倍数应降低，实际 %.2f", newMult)
	}
	if newMult < testRules.Min || newMult > testRules.Max {
		t.Errorf("倍数应在边界内，实际 %.2f", newMult)
	}
	assertOnStep(t, newMult, testRules.Step)
	if reason == "" {
		t.Error("应给出调整原因")
	}
}

func TestComputeMultiplier_HealthyAccountIncreased(t *testing.T) {
	// 净值比 1.2、低回撤、保证金充裕
	stats := AccountStats{Balance: 10000, Equity: 12000, MarginLevel: 800, AgeDays: 90}
	newMult, _ := ComputeMultiplier(stats, 1.0, testRules)

	if newMult <= 1.0 {
		t.Errorf("健康账户倍数应提高，实际 %.2f", newMult)
	}
	assertOnStep(t, newMult, testRules.Step)
}

func TestComputeMultiplier_Clamped(t *testing.T) {
	tests := []struct {
		name     string
		stats    AccountStats
		original float64
		check    func(float64) bool
	}{
		{
			"极端受压不低于下限",
			AccountStats{Balance: 10000, Equity: 3000, MarginLevel: 50, AgeDays: 2},
			0.2,
			func(v float64) bool { return v >= testRules.Min },
		},
		{
			"极端盈利不高于上限",
			AccountStats{Balance: 10000, Equity: 30000, MarginLevel: 900, AgeDays: 90},
			4.8,
			func(v float64) bool { return v <= testRules.Max },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newMult, _ := ComputeMultiplier(tt.stats, tt.original, testRules)
			if !tt.check(newMult) {
				t.Errorf("倍数越界: %.2f", newMult)
			}
			assertOnStep(t, newMult, testRules.Step)
		})
	}
}

func TestComputeMultiplier_NewAccountConservative(t *testing.T) {
	mature := AccountStats{Balance: 10000, Equity: 10000, MarginLevel: 300, AgeDays: 30}
	young := mature
	young.AgeDays = 3

	matureMult, _ := ComputeMultiplier(mature, 2.0, testRules)
	youngMult, _ := ComputeMultiplier(young, 2.0, testRules)
	if youngMult > matureMult {
		t.Errorf("新账户倍数不应高于成熟账户: %.2f > %.2f", youngMult, matureMult)
	}
}

func TestChurnThreshold(t *testing.T) {
	if got := ChurnThreshold(1.0); got != 0.1 {
		t.Errorf("原倍数 1.0 阈值应为 0.1，实际 %.2f", got)
	}
	if got := ChurnThreshold(4.0); got != 0.2 {
		t.Errorf("原倍数 4.0 阈值应为 0.2，实际 %.2f", got)
	}
}

func assertOnStep(t *testing.T, v, step float64) {
	t.Helper()
	ratio := v / step
	if math.Abs(ratio-math.Round(ratio)) > 1e-6 {
		t.Errorf("倍数 %.4f 不是步长 %.1f 的整数倍", v, step)
	}
}

type captureController struct {
	mu   sync.Mutex
	reqs []*subscription.SubscribeRequest
}

func (c *captureController) Subscribe(_ context.Context, req *subscription.SubscribeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return nil
}
func (c *captureController) Unsubscribe(_ context.Context, _, _ string) error { return nil }
func (c *captureController) RemoveAccount(_ context.Context, _ string) error  { return nil }

func newRebalancer(t *testing.T) (*Rebalancer, *account.Store, *captureController) {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	accounts, err := account.NewStore(db, 50)
	if err != nil {
		t.Fatalf("初始化账户存储失败: %v", err)
	}
	ctrl := &captureController{}
	return NewRebalancer(accounts, ctrl, nil, testRules, 6*time.Hour), accounts, ctrl
}

func TestEvaluate_AppliesAndRecordsHistory(t *testing.T) {
	reb, accounts, ctrl := newRebalancer(t)
	ctx := context.Background()

	err := accounts.Upsert(ctx, &account.FollowerAccount{
		AccountID:          "acc-1",
		Balance:            10000,
		Equity:             8000, // 回撤 20%，应显著减仓
		Margin:             5000,
		Multiplier:         1.0,
		OriginalMultiplier: 1.0,
		AutomationEnabled:  true,
	})
	if err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}

	acc, _ := accounts.Get(ctx, "acc-1")
	applied, err := reb.Evaluate(ctx, acc)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if !applied {
		t.Fatal("应完成一次调整")
	}
	if len(ctrl.reqs) != 1 || ctrl.reqs[0].Multiplier >= 1.0 {
		t.Error("应按降低后的新倍数重订")
	}

	acc, _ = accounts.Get(ctx, "acc-1")
	if acc.Multiplier >= 1.0 || acc.LastRebalanceAt == nil {
		t.Errorf("新倍数未落地: %.2f", acc.Multiplier)
	}

	entries, _ := accounts.RebalanceHistory(ctx, "acc-1", 0)
	if len(entries) != 1 || entries[0].OldMultiplier != 1.0 {
		t.Error("应记录一条调整历史")
	}

	// 最小间隔之内不再调整
	acc, _ = accounts.Get(ctx, "acc-1")
	applied, err = reb.Evaluate(ctx, acc)
	if err != nil {
		t.Fatalf("二次评估失败: %v", err)
	}
	if applied {
		t.Error("间隔未到不应再次调整")
	}
}

func TestEvaluate_SmallChangeSkipped(t *testing.T) {
	reb, accounts, ctrl := newRebalancer(t)
	ctx := context.Background()

	// 健康平稳账户：因子恰为 1，应无动作
	err := accounts.Upsert(ctx, &account.FollowerAccount{
		AccountID:          "acc-1",
		Balance:            10000,
		Equity:             9400, // 回撤 6%，净值比 0.94，不触发任何因子
		Margin:             3000,
		Multiplier:         1.0,
		OriginalMultiplier: 1.0,
		AutomationEnabled:  true,
	})
	if err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}

	acc, _ := accounts.Get(ctx, "acc-1")
	applied, err := reb.Evaluate(ctx, acc)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if applied || len(ctrl.reqs) != 0 {
		t.Error("变化量低于阈值不应落地")
	}
}
