package notify

import (
	"context"
	"sync"

	"copymesh/config"
	"copymesh/event"
	"copymesh/logger"
)

// Notifier 通知接口
type Notifier interface {
	Send(event *event.Event) error
	Name() string
}

// Service 通知服务：订阅事件总线，按规则把自动化事件
// 扇出到启用的通知渠道。所有渠道都是尽力而为。
type Service struct {
	notifiers []Notifier
	cfg       *config.Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService 创建通知服务
func NewService(cfg *config.Config) *Service {
	s := &Service{cfg: cfg}

	if !cfg.Notifications.Enabled {
		return s
	}

	if cfg.Notifications.Telegram.Enabled && cfg.Notifications.Telegram.BotToken != "" {
		tn, err := NewTelegramNotifier(cfg)
		if err != nil {
			logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
		} else {
			s.notifiers = append(s.notifiers, tn)
			logger.Info("✅ Telegram 通知已启用")
		}
	}

	if cfg.Notifications.Slack.Enabled && cfg.Notifications.Slack.Webhook != "" {
		sn, err := NewSlackNotifier(cfg)
		if err != nil {
			logger.Warn("⚠️ 初始化 Slack 通知失败: %v", err)
		} else {
			s.notifiers = append(s.notifiers, sn)
			logger.Info("✅ Slack 通知已启用")
		}
	}

	if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
		wn, err := NewWebhookNotifier(cfg)
		if err != nil {
			logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
		} else {
			s.notifiers = append(s.notifiers, wn)
			logger.Info("✅ Webhook 通知已启用")
		}
	}

	return s
}

// Start 订阅事件总线
func (s *Service) Start(ctx context.Context, bus *event.EventBus) {
	if len(s.notifiers) == 0 {
		return
	}

	ch := bus.Subscribe()
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if s.shouldNotify(evt.Type) {
					s.fanOut(evt)
				}
			}
		}
	}()
}

// Stop 停止通知服务
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// shouldNotify 按配置规则过滤事件类型
func (s *Service) shouldNotify(t event.EventType) bool {
	rules := s.cfg.Notifications.Rules
	switch t {
	case event.EventTypeTradeArchived:
		return rules.TradeArchived
	case event.EventTypeAccountPaused:
		return rules.AccountPaused
	case event.EventTypeAccountResumed:
		return rules.AccountResumed
	case event.EventTypeAccountRebalanced:
		return rules.AccountRebalanced
	case event.EventTypeAccountDisconnected:
		return rules.AccountDisconnected
	case event.EventTypeErrorTracked, event.EventTypeDedupeConflict:
		return rules.Error
	default:
		return false
	}
}

func (s *Service) fanOut(evt *event.Event) {
	for _, n := range s.notifiers {
		if err := n.Send(evt); err != nil {
			logger.Warn("⚠️ %s 通知发送失败: %v", n.Name(), err)
		}
	}
}
