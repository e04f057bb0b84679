package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"copymesh/account"
	"copymesh/database"
	"copymesh/ledger"
)

func testAccount() *account.FollowerAccount {
	return &account.FollowerAccount{
		AccountID:     "acc-1",
		UserID:        "user-1",
		Name:          "测试账户",
		AlertsEnabled: true,
		AlertTypes:    "largeTrade,highProfit,highLoss",
		MinTradeSize:  0.1,
		MinProfit:     100,
		MinLoss:       -50,
	}
}

func closedTrade(volume, profit float64) *ledger.ClosedTradeRecord {
	return &ledger.ClosedTradeRecord{
		PositionID: "pos-1",
		AccountID:  "acc-1",
		Symbol:     "EURUSD",
		Side:       "BUY",
		Volume:     volume,
		Profit:     profit,
		CloseTime:  time.Now().UTC(),
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*account.FollowerAccount)
		trade    *ledger.ClosedTradeRecord
		auto     bool
		wantSend bool
		wantType string
	}{
		{
			"大额交易触发",
			nil,
			closedTrade(0.5, 10),
			true, true, TypeLargeTrade,
		},
		{
			"高盈利触发",
			nil,
			closedTrade(0.05, 150),
			true, true, TypeHighProfit,
		},
		{
			"高亏损触发",
			nil,
			closedTrade(0.05, -80),
			true, true, TypeHighLoss,
		},
		{
			"大额优先于高盈利",
			nil,
			closedTrade(0.5, 150),
			true, true, TypeLargeTrade,
		},
		{
			"自动化关闭不发",
			nil,
			closedTrade(0.5, 150),
			false, false, "",
		},
		{
			"告警类型为空不发",
			func(a *account.FollowerAccount) { a.AlertTypes = "" },
			closedTrade(0.5, 150),
			true, false, "",
		},
		{
			"账户关闭告警不发",
			func(a *account.FollowerAccount) { a.AlertsEnabled = false },
			closedTrade(0.5, 150),
			true, false, "",
		},
		{
			"未开启该类型不发",
			func(a *account.FollowerAccount) { a.AlertTypes = "highProfit" },
			closedTrade(0.5, 10),
			true, false, "",
		},
		{
			"阈值之下不发",
			nil,
			closedTrade(0.05, 10),
			true, false, "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := testAccount()
			if tt.mutate != nil {
				tt.mutate(acc)
			}
			d := Evaluate(acc, tt.trade, Defaults{}, tt.auto)
			if d.Send != tt.wantSend {
				t.Errorf("期望 send=%v，实际 %v", tt.wantSend, d.Send)
			}
			if d.Type != tt.wantType {
				t.Errorf("期望类型 %q，实际 %q", tt.wantType, d.Type)
			}
			if d.Send && d.Reason == "" {
				t.Error("触发的告警应带原因")
			}
		})
	}
}

func TestEvaluate_GlobalDefaultsFallback(t *testing.T) {
	// 账户没配阈值时按全局默认值判定
	acc := testAccount()
	acc.MinTradeSize, acc.MinProfit, acc.MinLoss = 0, 0, 0
	def := Defaults{MinTradeSize: 0.2, MinProfit: 100, MinLoss: -50}

	if d := Evaluate(acc, closedTrade(0.5, 10), def, true); !d.Send || d.Type != TypeLargeTrade {
		t.Errorf("全局阈值应兜底大额交易判定: %+v", d)
	}
	if d := Evaluate(acc, closedTrade(0.05, -80), def, true); !d.Send || d.Type != TypeHighLoss {
		t.Errorf("全局阈值应兜底高亏损判定: %+v", d)
	}
	if d := Evaluate(acc, closedTrade(0.05, 10), def, true); d.Send {
		t.Errorf("全局阈值之下不应触发: %+v", d)
	}

	// 账户级阈值优先于全局默认值
	acc.MinTradeSize = 1.0
	if d := Evaluate(acc, closedTrade(0.5, 10), def, true); d.Send {
		t.Errorf("账户级阈值应覆盖全局默认值: %+v", d)
	}
}

type fakeChat struct {
	sent []string
	fail bool
}

func (f *fakeChat) SendMessage(_ context.Context, _, text string) (string, error) {
	if f.fail {
		return "", errors.New("聊天通道不可用")
	}
	f.sent = append(f.sent, text)
	return "msg-1", nil
}

func newDispatcher(t *testing.T, chat ChatSink) (*Dispatcher, *account.Store) {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	accounts, err := account.NewStore(db, 50)
	if err != nil {
		t.Fatalf("初始化账户存储失败: %v", err)
	}
	if err := accounts.Upsert(context.Background(), testAccount()); err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}
	d, err := NewDispatcher(db, accounts, chat, "chat-1", nil)
	if err != nil {
		t.Fatalf("初始化投递器失败: %v", err)
	}
	return d, accounts
}

func TestDispatch_WritesNotification(t *testing.T) {
	chat := &fakeChat{}
	d, accounts := newDispatcher(t, chat)
	ctx := context.Background()

	acc := testAccount()
	trade := closedTrade(0.5, 10)
	decision := Evaluate(acc, trade, Defaults{}, true)
	if err := d.Dispatch(ctx, acc, trade, decision); err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	var notifs []Notification
	if err := d.db.Find(&notifs).Error; err != nil {
		t.Fatalf("查询通知失败: %v", err)
	}
	if len(notifs) != 1 {
		t.Fatalf("期望 1 条应用内通知，实际 %d", len(notifs))
	}
	if notifs[0].AlertType != TypeLargeTrade || notifs[0].UserID != "user-1" {
		t.Errorf("通知内容错误: %+v", notifs[0])
	}
	if len(chat.sent) != 1 {
		t.Errorf("应发送 1 条聊天消息，实际 %d", len(chat.sent))
	}

	entries, _ := accounts.AutomationLog(ctx, "acc-1", 10)
	if len(entries) != 1 || entries[0].Action != "ALERT" {
		t.Error("应追加一条告警审计日志")
	}
}

func TestDispatch_ChatFailureNotPropagated(t *testing.T) {
	d, _ := newDispatcher(t, &fakeChat{fail: true})
	ctx := context.Background()

	acc := testAccount()
	trade := closedTrade(0.5, 10)
	if err := d.Dispatch(ctx, acc, trade, Evaluate(acc, trade, Defaults{}, true)); err != nil {
		t.Fatalf("聊天通道失败不应让投递失败: %v", err)
	}

	var count int64
	d.db.Model(&Notification{}).Count(&count)
	if count != 1 {
		t.Errorf("应用内通知仍应写入，实际 %d 条", count)
	}
}

func TestDispatch_NoDecisionNoop(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	if err := d.Dispatch(context.Background(), testAccount(), closedTrade(0.01, 1), Decision{}); err != nil {
		t.Fatalf("未触发的告警应为空操作: %v", err)
	}
	var count int64
	d.db.Model(&Notification{}).Count(&count)
	if count != 0 {
		t.Error("不应写入通知")
	}
}
