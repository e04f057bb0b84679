package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"copymesh/account"
	"copymesh/config"
	"copymesh/database"
	"copymesh/errtrack"
	"copymesh/feed"
	"copymesh/ledger"
	"copymesh/rebalance"
	"copymesh/risk"
	"copymesh/subscription"
)

type nopController struct {
	mu           sync.Mutex
	subscribes   int
	unsubscribes int
	removes      int
}

func (c *nopController) Subscribe(ctx context.Context, req *subscription.SubscribeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	return nil
}

func (c *nopController) Unsubscribe(ctx context.Context, accountID, strategyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes++
	return nil
}

func (c *nopController) RemoveAccount(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removes++
	return nil
}

func newTestEngine(t *testing.T, automationOn bool) (*Engine, *account.Store, *ledger.Store, *nopController) {
	t.Helper()

	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	accounts, err := account.NewStore(db, 50)
	if err != nil {
		t.Fatalf("创建账户存储失败: %v", err)
	}
	trades, err := ledger.NewStore(db, true, nil)
	if err != nil {
		t.Fatalf("创建账本存储失败: %v", err)
	}

	ctrl := &nopController{}
	conns := subscription.NewConnectionManager()
	cfg := &config.Config{}
	cfg.Automation.Enabled = automationOn
	cfg.Automation.SweepInterval = 60
	cfg.Rebalance.Enabled = true

	eng := New(cfg, Deps{
		Accounts:   accounts,
		Archiver:   ledger.NewArchiver(trades, nil),
		Trades:     trades,
		RiskEval:   risk.NewEvaluator(accounts, ctrl, nil, 15, 5),
		Rebalancer: rebalance.NewRebalancer(accounts, ctrl, nil, rebalance.Rules{Min: 0.1, Max: 5.0, Step: 0.1}, 6*time.Hour),
		Tracker:    errtrack.NewTracker(accounts, ctrl, conns, nil, 3, 30*time.Minute),
		Conns:      conns,
	})
	return eng, accounts, trades, ctrl
}

func seedAccount(t *testing.T, accounts *account.Store, accountID string) {
	t.Helper()
	err := accounts.Upsert(context.Background(), &account.FollowerAccount{
		AccountID:          accountID,
		UserID:             "user-1",
		StrategyID:         "strat-1",
		Balance:            10000,
		Equity:             10000,
		Multiplier:         1.0,
		OriginalMultiplier: 1.0,
		AutomationEnabled:  true,
		AutoPauseEnabled:   true,
		AutoResumeEnabled:  true,
	})
	if err != nil {
		t.Fatalf("写入账户失败: %v", err)
	}
}

func TestHandleFeedEvent_平仓归档(t *testing.T) {
	eng, accounts, trades, _ := newTestEngine(t, true)
	seedAccount(t, accounts, "acc-1")
	ctx := context.Background()

	err := eng.HandleFeedEvent(ctx, &feed.PositionEvent{
		Type:       feed.EventPositionClosed,
		AccountID:  "acc-1",
		PositionID: "pos-1",
		Position: &ledger.RawPosition{
			Symbol:     "EURUSD",
			Side:       "BUY",
			Volume:     0.1,
			OpenPrice:  1.1000,
			ClosePrice: 1.1050,
			Profit:     50,
			OpenTime:   time.Now().Add(-time.Hour),
			CloseTime:  time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("处理平仓事件失败: %v", err)
	}

	trade, err := trades.Get(ctx, "pos-1")
	if err != nil {
		t.Fatalf("读取归档记录失败: %v", err)
	}
	if trade == nil {
		t.Fatal("归档记录不存在")
	}
	if trade.Pips != 50 {
		t.Errorf("点数 = %v, 期望 50", trade.Pips)
	}
}

func TestHandleFeedEvent_快照更新(t *testing.T) {
	eng, accounts, _, _ := newTestEngine(t, true)
	seedAccount(t, accounts, "acc-1")
	ctx := context.Background()

	err := eng.HandleFeedEvent(ctx, &feed.PositionEvent{
		Type:      feed.EventAccountSnapshot,
		AccountID: "acc-1",
		Balance:   10000,
		Equity:    8000,
		Margin:    500,
	})
	if err != nil {
		t.Fatalf("处理快照事件失败: %v", err)
	}

	acc, err := accounts.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("读取账户失败: %v", err)
	}
	if acc.Equity != 8000 {
		t.Errorf("净值 = %v, 期望 8000", acc.Equity)
	}
}

func TestHandleFeedEvent_在线会话登记(t *testing.T) {
	eng, accounts, _, _ := newTestEngine(t, true)
	seedAccount(t, accounts, "acc-1")
	ctx := context.Background()

	if _, ok := eng.conns.Get("acc-1"); ok {
		t.Fatal("事件到达前不应有在线会话")
	}

	err := eng.HandleFeedEvent(ctx, &feed.PositionEvent{
		Type:      feed.EventAccountSnapshot,
		AccountID: "acc-1",
		Balance:   10000,
		Equity:    10000,
	})
	if err != nil {
		t.Fatalf("处理快照事件失败: %v", err)
	}

	if _, ok := eng.conns.Get("acc-1"); !ok {
		t.Error("仓位流活动应登记在线会话")
	}
	if eng.conns.Count() != 1 {
		t.Errorf("在线会话数 = %d, 期望 1", eng.conns.Count())
	}
}

func TestHandleFeedEvent_错误熔断(t *testing.T) {
	eng, accounts, _, ctrl := newTestEngine(t, true)
	seedAccount(t, accounts, "acc-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := eng.HandleFeedEvent(ctx, &feed.PositionEvent{
			Type:      feed.EventCopyError,
			AccountID: "acc-1",
			ErrorText: "order rejected",
			Source:    "test",
		})
		if err != nil {
			t.Fatalf("第 %d 次错误处理失败: %v", i+1, err)
		}
	}

	acc, _ := accounts.Get(ctx, "acc-1")
	if acc.AutoDisconnectedAt == nil {
		t.Fatal("达到阈值后应自动断开")
	}
	if ctrl.unsubscribes != 1 || ctrl.removes != 1 {
		t.Errorf("unsubscribes=%d removes=%d, 期望各 1", ctrl.unsubscribes, ctrl.removes)
	}
	if _, ok := eng.conns.Get("acc-1"); ok {
		t.Error("熔断后在线会话应被移除")
	}
}

func TestHandleFeedEvent_自动化关闭时错误不计入(t *testing.T) {
	eng, accounts, _, _ := newTestEngine(t, false)
	seedAccount(t, accounts, "acc-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := eng.HandleFeedEvent(ctx, &feed.PositionEvent{
			Type:      feed.EventCopyError,
			AccountID: "acc-1",
			ErrorText: "order rejected",
		}); err != nil {
			t.Fatalf("处理错误事件失败: %v", err)
		}
	}

	acc, _ := accounts.Get(ctx, "acc-1")
	if acc.ConsecutiveErrors != 0 {
		t.Errorf("自动化关闭时错误计数应为 0, 实际 %d", acc.ConsecutiveErrors)
	}
}

func TestSweep_暂停高回撤账户(t *testing.T) {
	eng, accounts, _, ctrl := newTestEngine(t, true)
	seedAccount(t, accounts, "acc-1")
	ctx := context.Background()

	// 回撤 20%
	if err := accounts.UpdateSnapshot(ctx, "acc-1", 10000, 8000, 500, 7500); err != nil {
		t.Fatalf("更新快照失败: %v", err)
	}

	eng.Sweep(ctx)

	acc, _ := accounts.Get(ctx, "acc-1")
	if !acc.CopyPaused {
		t.Fatal("高回撤账户应被暂停")
	}
	if ctrl.unsubscribes != 1 {
		t.Errorf("unsubscribes=%d, 期望 1", ctrl.unsubscribes)
	}
}

func TestSweep_再平衡开关(t *testing.T) {
	eng, accounts, _, ctrl := newTestEngine(t, true)
	seedAccount(t, accounts, "acc-1")
	ctx := context.Background()

	// 浮盈账户：净值比 2.0 会触发倍数上调
	if err := accounts.UpdateSnapshot(ctx, "acc-1", 10000, 20000, 0, 20000); err != nil {
		t.Fatalf("更新快照失败: %v", err)
	}

	// 再平衡关闭时扫描不应动倍数
	off := &config.Config{}
	off.Automation.Enabled = true
	off.Automation.SweepInterval = 60
	eng.UpdateConfig(off)
	eng.Sweep(ctx)

	acc, _ := accounts.Get(ctx, "acc-1")
	if acc.Multiplier != 1.0 || ctrl.subscribes != 0 {
		t.Fatalf("再平衡关闭时不应调整: multiplier=%.2f subscribes=%d", acc.Multiplier, ctrl.subscribes)
	}

	// 打开后同样的账户状态应落地一次调整
	on := &config.Config{}
	on.Automation.Enabled = true
	on.Automation.SweepInterval = 60
	on.Rebalance.Enabled = true
	eng.UpdateConfig(on)
	eng.Sweep(ctx)

	acc, _ = accounts.Get(ctx, "acc-1")
	if acc.Multiplier == 1.0 {
		t.Error("再平衡开启时应调整倍数")
	}
	if ctrl.subscribes != 1 {
		t.Errorf("subscribes=%d, 期望 1", ctrl.subscribes)
	}
}

func TestSweep_自动化关闭时无动作(t *testing.T) {
	eng, accounts, _, ctrl := newTestEngine(t, false)
	seedAccount(t, accounts, "acc-1")
	ctx := context.Background()

	if err := accounts.UpdateSnapshot(ctx, "acc-1", 10000, 8000, 500, 7500); err != nil {
		t.Fatalf("更新快照失败: %v", err)
	}

	eng.Sweep(ctx)

	acc, _ := accounts.Get(ctx, "acc-1")
	if acc.CopyPaused {
		t.Error("自动化关闭时不应暂停账户")
	}
	if ctrl.unsubscribes != 0 {
		t.Errorf("unsubscribes=%d, 期望 0", ctrl.unsubscribes)
	}
}
