package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishToAllObservers(t *testing.T) {
	bus := NewBus()

	var first, second []Event
	bus.Subscribe(func(e Event) { first = append(first, e) })
	bus.Subscribe(func(e Event) { second = append(second, e) })

	bus.Publish(Event{Kind: ServiceRegistered, ServiceID: "svc-1"})

	require.Len(t, first, 1, "第一个观察者应收到事件")
	require.Len(t, second, 1, "第二个观察者应收到事件")
	assert.Equal(t, ServiceRegistered, first[0].Kind, "事件种类不匹配")
	assert.Equal(t, "svc-1", first[0].ServiceID, "事件服务ID不匹配")
	assert.False(t, first[0].Time.IsZero(), "发布时应自动填充时间戳")
}

func TestBusCancelSubscription(t *testing.T) {
	bus := NewBus()

	var kept, cancelled int
	bus.Subscribe(func(e Event) { kept++ })
	cancel := bus.Subscribe(func(e Event) { cancelled++ })

	bus.Publish(Event{Kind: MessagePublished})
	cancel()
	bus.Publish(Event{Kind: MessageProcessed})

	assert.Equal(t, 2, kept, "保留的观察者应收到全部事件")
	assert.Equal(t, 1, cancelled, "已取消的观察者不应再收到事件")
}

func TestBusCancelIsIdempotent(t *testing.T) {
	bus := NewBus()

	var count int
	cancel := bus.Subscribe(func(e Event) { count++ })
	cancel()
	cancel()

	bus.Publish(Event{Kind: ServiceUnhealthy})
	assert.Equal(t, 0, count, "取消后不应再收到事件")
}

func TestBusPublishWithoutObservers(t *testing.T) {
	bus := NewBus()

	// 没有观察者时发布不应panic
	bus.Publish(Event{Kind: BreakerStateChanged, Breaker: "payment"})
}
