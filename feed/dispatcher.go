package feed

import (
	"context"
	"sync"

	"copymesh/logger"
)

// Handler 处理一条仓位流事件。返回错误只记日志，
// 不会中断该账户后续事件的处理。
type Handler func(ctx context.Context, evt *PositionEvent) error

// Dispatcher 按账户串行分发仓位流事件：每个账户一个
// 工作协程加有序队列，同账户事件严格按到达顺序处理，
// 不同账户完全并行。
type Dispatcher struct {
	handler   Handler
	queueSize int

	mu      sync.Mutex
	workers map[string]chan *PositionEvent
	wg      sync.WaitGroup
	stopped bool
}

// NewDispatcher 创建分发器
func NewDispatcher(handler Handler, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		handler:   handler,
		queueSize: queueSize,
		workers:   make(map[string]chan *PositionEvent),
	}
}

// Run 消费事件通道直到其关闭或 ctx 取消
func (d *Dispatcher) Run(ctx context.Context, events <-chan *PositionEvent) {
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case evt, ok := <-events:
			if !ok {
				d.shutdown()
				return
			}
			d.route(ctx, evt)
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, evt *PositionEvent) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	ch, ok := d.workers[evt.AccountID]
	if !ok {
		ch = make(chan *PositionEvent, d.queueSize)
		d.workers[evt.AccountID] = ch
		d.wg.Add(1)
		go d.worker(ctx, evt.AccountID, ch)
	}
	d.mu.Unlock()

	// 队列满时阻塞而不是丢弃：同账户事件顺序不能破坏
	select {
	case ch <- evt:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) worker(ctx context.Context, accountID string, ch <-chan *PositionEvent) {
	defer d.wg.Done()
	for evt := range ch {
		if err := d.handler(ctx, evt); err != nil {
			logger.Error("账户 %s 事件 %s 处理失败: %v", accountID, evt.Type, err)
		}
	}
}

// shutdown 关闭全部账户队列并等待处理完排队事件
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, ch := range d.workers {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
