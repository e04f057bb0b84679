package risk

import (
	"context"
	"strings"
	"sync"
	"testing"

	"copymesh/account"
	"copymesh/database"
	"copymesh/subscription"
)

type recordingController struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingController) note(op, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+id)
	return nil
}

func (r *recordingController) Subscribe(_ context.Context, req *subscription.SubscribeRequest) error {
	return r.note("subscribe", req.AccountID)
}
func (r *recordingController) Unsubscribe(_ context.Context, id, _ string) error {
	return r.note("unsubscribe", id)
}
func (r *recordingController) RemoveAccount(_ context.Context, id string) error {
	return r.note("remove", id)
}

func (r *recordingController) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1]
}

func setup(t *testing.T) (*Evaluator, *account.Store, *recordingController) {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	accounts, err := account.NewStore(db, 50)
	if err != nil {
		t.Fatalf("初始化账户存储失败: %v", err)
	}
	ctrl := &recordingController{}
	eval := NewEvaluator(accounts, ctrl, nil, 15.0, 5.0)
	return eval, accounts, ctrl
}

func seed(t *testing.T, accounts *account.Store, balance, equity float64) {
	t.Helper()
	err := accounts.Upsert(context.Background(), &account.FollowerAccount{
		AccountID:         "acc-1",
		Balance:           balance,
		Equity:            equity,
		AutomationEnabled: true,
		AutoPauseEnabled:  true,
		AutoResumeEnabled: true,
	})
	if err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}
}

func TestEvaluate_PauseOnDrawdown(t *testing.T) {
	eval, accounts, ctrl := setup(t)
	ctx := context.Background()
	seed(t, accounts, 10000, 8000) // 回撤 20%

	acc, _ := accounts.Get(ctx, "acc-1")
	action, err := eval.Evaluate(ctx, acc)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if action != ActionPause {
		t.Errorf("期望 PAUSE，实际 %s", action)
	}
	if ctrl.last() != "unsubscribe:acc-1" {
		t.Errorf("应调用退订，实际 %s", ctrl.last())
	}

	acc, _ = accounts.Get(ctx, "acc-1")
	if !acc.CopyPaused {
		t.Error("账户应处于暂停状态")
	}
	if !strings.Contains(acc.PauseReason, "20.00%") {
		t.Errorf("暂停原因应包含回撤百分比，实际: %s", acc.PauseReason)
	}
}

func TestEvaluate_HysteresisBand(t *testing.T) {
	eval, accounts, ctrl := setup(t)
	ctx := context.Background()

	// 回撤 10%：高于恢复线低于暂停线
	seed(t, accounts, 10000, 9000)

	acc, _ := accounts.Get(ctx, "acc-1")
	if action, _ := eval.Evaluate(ctx, acc); action != ActionNone {
		t.Errorf("滞回带内未暂停账户不应有动作，实际 %s", action)
	}

	// 同样的回撤，已暂停的账户也不恢复
	accounts.MarkPaused(ctx, "acc-1", "测试预置")
	acc, _ = accounts.Get(ctx, "acc-1")
	if action, _ := eval.Evaluate(ctx, acc); action != ActionNone {
		t.Error("滞回带内已暂停账户不应恢复")
	}
	if ctrl.last() != "" {
		t.Errorf("不应有控制面调用，实际 %s", ctrl.last())
	}
}

func TestEvaluate_ResumeBelowThreshold(t *testing.T) {
	eval, accounts, ctrl := setup(t)
	ctx := context.Background()
	seed(t, accounts, 10000, 9700) // 回撤 3%
	accounts.MarkPaused(ctx, "acc-1", "测试预置")

	acc, _ := accounts.Get(ctx, "acc-1")
	action, err := eval.Evaluate(ctx, acc)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if action != ActionResume {
		t.Errorf("期望 RESUME，实际 %s", action)
	}
	if ctrl.last() != "subscribe:acc-1" {
		t.Errorf("应调用重订，实际 %s", ctrl.last())
	}

	acc, _ = accounts.Get(ctx, "acc-1")
	if acc.CopyPaused {
		t.Error("账户应已恢复")
	}
}

func TestEvaluate_AutoPauseDisabled(t *testing.T) {
	eval, accounts, ctrl := setup(t)
	ctx := context.Background()

	err := accounts.Upsert(ctx, &account.FollowerAccount{
		AccountID:         "acc-1",
		Balance:           10000,
		Equity:            8000, // 回撤 20%
		AutomationEnabled: true,
	})
	if err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}

	acc, _ := accounts.Get(ctx, "acc-1")
	if action, _ := eval.Evaluate(ctx, acc); action != ActionNone {
		t.Error("账户级自动暂停关闭时不应暂停")
	}
	if ctrl.last() != "" {
		t.Errorf("不应有控制面调用，实际 %s", ctrl.last())
	}
}

func TestEvaluate_AccountThresholdOverride(t *testing.T) {
	eval, accounts, ctrl := setup(t)
	ctx := context.Background()

	// 账户级上限 10%（全局 15%），回撤 12% 应按账户级阈值暂停
	maxDD := 10.0
	err := accounts.Upsert(ctx, &account.FollowerAccount{
		AccountID:          "acc-1",
		Balance:            10000,
		Equity:             8800,
		AutomationEnabled:  true,
		AutoPauseEnabled:   true,
		AutoResumeEnabled:  true,
		MaxDrawdownPercent: &maxDD,
	})
	if err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}

	acc, _ := accounts.Get(ctx, "acc-1")
	action, err := eval.Evaluate(ctx, acc)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if action != ActionPause {
		t.Errorf("账户级阈值应生效，期望 PAUSE，实际 %s", action)
	}

	acc, _ = accounts.Get(ctx, "acc-1")
	if !strings.Contains(acc.PauseReason, "10.00%") {
		t.Errorf("暂停原因应引用账户级上限，实际: %s", acc.PauseReason)
	}

	// 账户级恢复线 8%（全局 5%），回撤 6% 应按账户级阈值恢复
	resumeDD := 8.0
	acc.ResumeDrawdownPercent = &resumeDD
	if err := accounts.Upsert(ctx, acc); err != nil {
		t.Fatalf("更新账户失败: %v", err)
	}
	if err := accounts.UpdateSnapshot(ctx, "acc-1", 10000, 9400, 0, 9400); err != nil {
		t.Fatalf("更新快照失败: %v", err)
	}

	acc, _ = accounts.Get(ctx, "acc-1")
	if action, _ := eval.Evaluate(ctx, acc); action != ActionResume {
		t.Errorf("账户级恢复线应生效，期望 RESUME，实际 %s", action)
	}
	if ctrl.last() != "subscribe:acc-1" {
		t.Errorf("应调用重订，实际 %s", ctrl.last())
	}
}

func TestEvaluate_EquityAboveBalanceNoAction(t *testing.T) {
	eval, accounts, _ := setup(t)
	ctx := context.Background()
	seed(t, accounts, 10000, 12000) // 浮盈，回撤按 0

	acc, _ := accounts.Get(ctx, "acc-1")
	if action, _ := eval.Evaluate(ctx, acc); action != ActionNone {
		t.Error("浮盈账户不应有动作")
	}
}
