package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"copymesh/logger"
	"copymesh/metrics"
)

// WSSource 通过 WebSocket 接收仓位流。断线自动重连，
// 重连间隔固定，由配置给定。
type WSSource struct {
	url               string
	reconnectInterval time.Duration
	events            chan *PositionEvent

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWSSource 创建 WebSocket 仓位流
func NewWSSource(url string, reconnectInterval time.Duration, queueSize int) (*WSSource, error) {
	if url == "" {
		return nil, fmt.Errorf("仓位流地址未配置")
	}
	if reconnectInterval <= 0 {
		reconnectInterval = 5 * time.Second
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &WSSource{
		url:               url,
		reconnectInterval: reconnectInterval,
		events:            make(chan *PositionEvent, queueSize),
	}, nil
}

// Start 启动连接与读取循环
func (s *WSSource) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Stop 停止仓位流
func (s *WSSource) Stop() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	close(s.events)
	return nil
}

// Events 事件通道
func (s *WSSource) Events() <-chan *PositionEvent {
	return s.events
}

func (s *WSSource) run(ctx context.Context) {
	for {
		if err := s.connect(ctx); err != nil {
			logger.Warn("⚠️ 仓位流连接失败: %v，%s 后重连", err, s.reconnectInterval)
			metrics.SetFeedConnected(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.reconnectInterval):
				metrics.IncFeedReconnect()
				continue
			}
		}

		metrics.SetFeedConnected(true)
		logger.Info("✅ 仓位流已连接: %s", s.url)

		if err := s.readLoop(ctx); err != nil {
			logger.Warn("⚠️ 仓位流读取中断: %v，重连", err)
		}
		metrics.SetFeedConnected(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectInterval):
			metrics.IncFeedReconnect()
		}
	}
}

func (s *WSSource) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *WSSource) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	// 心跳协程绑定本次连接的生命周期，读循环返回即退出
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	pingTicker := time.NewTicker(20 * time.Second)
	defer pingTicker.Stop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-pingTicker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var evt PositionEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			logger.Warn("⚠️ 仓位流消息解析失败: %v", err)
			continue
		}
		if evt.AccountID == "" {
			logger.Warn("⚠️ 仓位流消息缺少账户ID，丢弃: %s", string(payload))
			continue
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}

		metrics.IncFeedEvent(string(evt.Type))

		if err := s.publish(ctx, &evt); err != nil {
			return err
		}
	}
}

// publish 阻塞投递。平仓等事件不允许丢，队列满时向连接
// 施加背压，只有停止信号能中断。
func (s *WSSource) publish(ctx context.Context, evt *PositionEvent) error {
	select {
	case s.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
