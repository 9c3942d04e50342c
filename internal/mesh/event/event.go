package event

import (
	"sync"
	"time"
)

// Kind 表示通知事件的种类，是一个封闭集合
type Kind string

const (
	// ServiceRegistered 服务实例注册
	ServiceRegistered Kind = "serviceRegistered"
	// ServiceDeregistered 服务实例注销
	ServiceDeregistered Kind = "serviceDeregistered"
	// ServiceUnhealthy 服务实例被标记为不健康
	ServiceUnhealthy Kind = "serviceUnhealthy"
	// MessagePublished 消息发布
	MessagePublished Kind = "messagePublished"
	// MessageProcessed 消息投递成功
	MessageProcessed Kind = "messageProcessed"
	// MessageRetried 消息投递失败并安排重试
	MessageRetried Kind = "messageRetried"
	// MessageDeadLettered 消息进入死信队列
	MessageDeadLettered Kind = "messageDeadLettered"
	// BreakerStateChanged 熔断器状态变化
	BreakerStateChanged Kind = "breakerStateChanged"
)

// Event 表示一条通知事件
// 不同种类的事件只填充相关字段
type Event struct {
	Kind        Kind      `json:"kind"`
	Time        time.Time `json:"time"`
	ServiceID   string    `json:"service_id,omitempty"`
	ServiceName string    `json:"service_name,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Breaker     string    `json:"breaker,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Observer 表示事件观察者回调
// 回调在发布方的goroutine中同步执行，必须保持轻量
type Observer func(Event)

// Bus 维护一组事件观察者
type Bus struct {
	mu        sync.RWMutex
	observers map[int]Observer
	next      int
}

// NewBus 创建一个新的事件总线
func NewBus() *Bus {
	return &Bus{
		observers: make(map[int]Observer),
	}
}

// Subscribe 注册一个观察者，返回取消函数
func (b *Bus) Subscribe(fn Observer) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.observers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Publish 向所有观察者发布事件
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// 先拷贝观察者列表，避免在持锁状态下执行回调
	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, fn := range b.observers {
		observers = append(observers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range observers {
		fn(e)
	}
}
