package mesh

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/core/model"
	"github.com/hewenyu/mesh-runtime/internal/mesh/breaker"
	"github.com/hewenyu/mesh-runtime/internal/mesh/invoker"
	"github.com/hewenyu/mesh-runtime/internal/mesh/ratelimit"
	"github.com/hewenyu/mesh-runtime/internal/mesh/registry"
)

// testConfig 返回用于测试的网格配置，后台循环使用较短的周期
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Registry.HealthCheckInterval = 10 * time.Millisecond
	cfg.Registry.ServiceTimeout = time.Second
	cfg.Queue.DeliveryInterval = 10 * time.Millisecond
	cfg.Queue.RetryBaseDelay = 10 * time.Millisecond
	cfg.Breaker.VolumeThreshold = 4
	cfg.Breaker.ResetTimeout = 50 * time.Millisecond
	cfg.Breaker.HalfOpenSuccesses = 2
	return cfg
}

// newTestMesh 创建用于测试的网格，使用内存模式和指定的调用器
func newTestMesh(t *testing.T, inv invoker.Invoker) *Mesh {
	t.Helper()

	m, err := New(testConfig(), nil, inv, config.NewNopLogger())
	require.NoError(t, err, "创建网格失败")
	t.Cleanup(m.Stop)

	return m
}

// registerHealthy 注册一个实例并将其标记为健康
func registerHealthy(t *testing.T, m *Mesh, name, host string, port int) string {
	t.Helper()

	instance := &model.ServiceInstance{Name: name, Host: host, Port: port}
	require.NoError(t, m.RegisterService(context.Background(), instance), "注册服务实例失败")
	m.UpdateServiceHealth(context.Background(), instance.ID, registry.HealthUpdate{Status: model.HealthStatusHealthy})
	return instance.ID
}

// echoInvoker 返回回显地址和方法的调用器
func echoInvoker(calls *atomic.Int32) invoker.Func {
	return func(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
		if calls != nil {
			calls.Add(1)
		}
		return []byte(address + "/" + method), nil
	}
}

func TestCallServiceUnavailable(t *testing.T) {
	m := newTestMesh(t, echoInvoker(nil))

	_, err := m.CallService(context.Background(), "pricing", "calculate", nil, CallOptions{})
	assert.ErrorIs(t, err, ErrServiceUnavailable, "没有健康实例时应返回服务不可用错误")
}

func TestCallServiceRoundRobinAcrossInstances(t *testing.T) {
	m := newTestMesh(t, echoInvoker(nil))

	registerHealthy(t, m, "pricing", "10.0.0.1", 8080)
	registerHealthy(t, m, "pricing", "10.0.0.2", 8080)

	// 默认轮询策略应在两个实例间交替
	var addresses []string
	for i := 0; i < 4; i++ {
		response, err := m.CallService(context.Background(), "pricing", "calculate", []byte("{}"), CallOptions{})
		require.NoError(t, err, "服务调用失败")
		addresses = append(addresses, string(response))
	}
	assert.Equal(t, []string{
		"10.0.0.1:8080/calculate",
		"10.0.0.2:8080/calculate",
		"10.0.0.1:8080/calculate",
		"10.0.0.2:8080/calculate",
	}, addresses, "轮询应按注册顺序交替选择实例")
}

func TestCallServiceRateLimited(t *testing.T) {
	m := newTestMesh(t, echoInvoker(nil))
	registerHealthy(t, m, "pricing", "10.0.0.1", 8080)

	opts := CallOptions{RateLimit: &ratelimit.Limit{Requests: 2, Window: 100 * time.Millisecond}}

	for i := 0; i < 2; i++ {
		_, err := m.CallService(context.Background(), "pricing", "calculate", nil, opts)
		require.NoError(t, err, "窗口内的请求应放行")
	}

	_, err := m.CallService(context.Background(), "pricing", "calculate", nil, opts)
	assert.ErrorIs(t, err, ErrRateLimited, "超过窗口上限的请求应被限流")

	// 窗口过期后恢复放行
	time.Sleep(120 * time.Millisecond)
	_, err = m.CallService(context.Background(), "pricing", "calculate", nil, opts)
	assert.NoError(t, err, "窗口过期后请求应重新放行")
}

func TestCallServiceTimeout(t *testing.T) {
	slow := invoker.Func(func(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := newTestMesh(t, slow)
	registerHealthy(t, m, "pricing", "10.0.0.1", 8080)

	_, err := m.CallService(context.Background(), "pricing", "calculate", nil, CallOptions{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrCallTimeout, "超过调用超时应返回超时错误")
}

func TestCallServiceBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	failing := invoker.Func(func(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
		calls.Add(1)
		return nil, fmt.Errorf("下游调用失败")
	})
	m := newTestMesh(t, failing)
	registerHealthy(t, m, "pricing", "10.0.0.1", 8080)

	opts := CallOptions{UseCircuitBreaker: true}

	// 连续失败达到请求量阈值后熔断
	for i := 0; i < 4; i++ {
		_, err := m.CallService(context.Background(), "pricing", "calculate", nil, opts)
		require.Error(t, err, "失败调用应返回错误")
	}

	_, err := m.CallService(context.Background(), "pricing", "calculate", nil, opts)
	assert.ErrorIs(t, err, breaker.ErrOpen, "熔断后的调用应被直接拒绝")
	assert.Equal(t, int32(4), calls.Load(), "熔断后不应再触达下游")

	status := m.Status()
	require.Contains(t, status.Breakers, "pricing", "状态快照应包含熔断器信息")
	assert.Equal(t, "open", status.Breakers["pricing"].State, "熔断器状态应为open")
}

func TestCallServiceWithoutBreakerDoesNotTrip(t *testing.T) {
	failing := invoker.Func(func(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
		return nil, fmt.Errorf("下游调用失败")
	})
	m := newTestMesh(t, failing)
	registerHealthy(t, m, "pricing", "10.0.0.1", 8080)

	for i := 0; i < 6; i++ {
		_, err := m.CallService(context.Background(), "pricing", "calculate", nil, CallOptions{})
		require.Error(t, err, "失败调用应返回错误")
		assert.NotErrorIs(t, err, breaker.ErrOpen, "未启用熔断器时不应熔断")
	}

	assert.Empty(t, m.Status().Breakers, "未启用熔断器时不应创建熔断器")
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	m := newTestMesh(t, echoInvoker(nil))

	received := make(chan *model.QueueMessage, 1)
	id := m.SubscribeToEvent("orders", func(ctx context.Context, msg *model.QueueMessage) error {
		received <- msg
		return nil
	})
	require.NotEmpty(t, id, "订阅应返回订阅ID")

	msgID, err := m.PublishEvent(context.Background(), "orders", []byte(`{"order":1}`), nil)
	require.NoError(t, err, "发布消息失败")

	select {
	case msg := <-received:
		assert.Equal(t, msgID, msg.ID, "投递的消息ID不匹配")
		assert.Equal(t, []byte(`{"order":1}`), msg.Payload, "投递的消息内容不匹配")
	case <-time.After(time.Second):
		t.Fatal("消息应在投递间隔内送达")
	}
}

func TestUnsubscribeFromEvent(t *testing.T) {
	m := newTestMesh(t, echoInvoker(nil))

	var delivered atomic.Int32
	id := m.SubscribeToEvent("orders", func(ctx context.Context, msg *model.QueueMessage) error {
		delivered.Add(1)
		return nil
	})
	m.UnsubscribeFromEvent("orders", id)

	_, err := m.PublishEvent(context.Background(), "orders", []byte("data"), nil)
	require.NoError(t, err, "发布消息失败")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), delivered.Load(), "取消订阅后不应再收到消息")
}

func TestStatusSnapshot(t *testing.T) {
	m := newTestMesh(t, echoInvoker(nil))

	id := registerHealthy(t, m, "pricing", "10.0.0.1", 8080)
	_, err := m.PublishEvent(context.Background(), "orders", []byte("data"), nil)
	require.NoError(t, err, "发布消息失败")

	status := m.Status()
	require.Len(t, status.Services, 1, "状态快照应包含注册的实例")
	assert.Equal(t, id, status.Services[0].ID, "快照中的实例ID不匹配")
	require.Contains(t, status.Queue, "orders", "状态快照应包含主题统计")
	assert.Equal(t, 1, status.Queue["orders"].Pending, "没有订阅者时消息应计入待投递")
}

func TestDeregisterMakesServiceUnavailable(t *testing.T) {
	m := newTestMesh(t, echoInvoker(nil))

	id := registerHealthy(t, m, "pricing", "10.0.0.1", 8080)
	m.DeregisterService(context.Background(), id)

	_, err := m.CallService(context.Background(), "pricing", "calculate", nil, CallOptions{})
	assert.ErrorIs(t, err, ErrServiceUnavailable, "注销唯一实例后调用应不可用")
}
