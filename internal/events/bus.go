package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Listener 事件监听者
type Listener interface {
	Handle(ctx context.Context, e Event)
}

// ListenerFunc 函数适配器
type ListenerFunc func(ctx context.Context, e Event)

// Handle 实现 Listener
func (f ListenerFunc) Handle(ctx context.Context, e Event) { f(ctx, e) }

// Bus 事件总线
// buffer > 0 时异步投递（Run 循环按发布顺序分发），发送路径不会被慢监听者阻塞；
// buffer == 0 时在 Publish 中同步投递
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	ch        chan Event
	logger    *zap.Logger
	done      chan struct{}
}

// NewBus 创建事件总线
func NewBus(buffer int, logger *zap.Logger) *Bus {
	b := &Bus{logger: logger, done: make(chan struct{})}
	if buffer > 0 {
		b.ch = make(chan Event, buffer)
	}
	return b
}

// Subscribe 注册监听者
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish 发布事件；异步模式下缓冲区满时丢弃并记录
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b.ch == nil {
		b.deliver(ctx, e)
		return
	}
	select {
	case b.ch <- e:
	default:
		// 监听者可能已经看不到这次失败，日志里保留完整字段
		b.logger.Warn("Event bus full, dropping event", Fields(e)...)
	}
}

// Run 异步分发循环，ctx 取消后排空缓冲区再返回
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	if b.ch == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case e := <-b.ch:
			b.deliver(ctx, e)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-b.ch:
					b.deliver(drain, e)
				default:
					return
				}
			}
		}
	}
}

// Done Run 退出后关闭
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) deliver(ctx context.Context, e Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.safeHandle(ctx, l, e)
	}
}

func (b *Bus) safeHandle(ctx context.Context, l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				zap.String("type", string(e.EventType())),
				zap.Any("panic", r),
			)
		}
	}()
	l.Handle(ctx, e)
}
