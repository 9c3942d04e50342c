package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/core/model"
	"github.com/hewenyu/mesh-runtime/internal/mesh/breaker"
	"github.com/hewenyu/mesh-runtime/internal/mesh/event"
	"github.com/hewenyu/mesh-runtime/internal/mesh/invoker"
	"github.com/hewenyu/mesh-runtime/internal/mesh/queue"
	"github.com/hewenyu/mesh-runtime/internal/mesh/ratelimit"
	"github.com/hewenyu/mesh-runtime/internal/mesh/registry"
	"github.com/hewenyu/mesh-runtime/internal/store/etcd"
)

// 未指定超时时间时的默认出站调用超时
const defaultCallTimeout = 5 * time.Second

// CallOptions 表示单次服务调用的可选参数
type CallOptions struct {
	// Timeout 出站调用超时时间，为0时使用默认值
	Timeout time.Duration

	// UseCircuitBreaker 是否用目标服务的熔断器包裹本次调用
	UseCircuitBreaker bool

	// RateLimit 按服务名的固定窗口限流规则，为nil时不限流
	RateLimit *ratelimit.Limit
}

// Status 表示整个网格的状态快照
type Status struct {
	Services []*model.ServiceInstance    `json:"services"`
	Queue    map[string]model.TopicStats `json:"queue"`
	Breakers map[string]breaker.Status   `json:"breakers"`
}

// Mesh 表示进程内服务网格的编排器
// 组合注册中心、消息队列、熔断器和限流器，中介所有出站服务调用
type Mesh struct {
	cfg      *config.Config
	logger   config.Logger
	bus      *event.Bus
	registry *registry.Registry
	queue    *queue.Queue
	breakers *breaker.Manager
	limiter  *ratelimit.Limiter
	invoker  invoker.Invoker
}

// New 创建一个新的服务网格
// store为nil时以纯内存模式运行，后台循环随构造启动
func New(cfg *config.Config, store *etcd.Client, inv invoker.Invoker, logger config.Logger) (*Mesh, error) {
	bus := event.NewBus()

	reg, err := registry.NewRegistry(&cfg.Registry, store, logger, bus)
	if err != nil {
		return nil, err
	}

	return &Mesh{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		registry: reg,
		queue:    queue.NewQueue(&cfg.Queue, store, logger, bus),
		breakers: breaker.NewManager(&cfg.Breaker, logger, bus),
		limiter:  ratelimit.NewLimiter(),
		invoker:  inv,
	}, nil
}

// Stop 停止所有后台循环，等待进行中的轮次完成后返回
func (m *Mesh) Stop() {
	m.registry.Stop()
	m.queue.Stop()
}

// Events 返回事件总线，供观察者订阅网格通知
func (m *Mesh) Events() *event.Bus {
	return m.bus
}

// Registry 返回服务注册中心
func (m *Mesh) Registry() *registry.Registry {
	return m.registry
}

// Queue 返回消息队列
func (m *Mesh) Queue() *queue.Queue {
	return m.queue
}

// RegisterService 注册服务实例
func (m *Mesh) RegisterService(ctx context.Context, instance *model.ServiceInstance) error {
	return m.registry.Register(ctx, instance)
}

// DeregisterService 注销服务实例，ID未知时为空操作
func (m *Mesh) DeregisterService(ctx context.Context, id string) {
	m.registry.Deregister(ctx, id)
}

// UpdateServiceHealth 刷新实例心跳并合并负载指标
func (m *Mesh) UpdateServiceHealth(ctx context.Context, id string, update registry.HealthUpdate) {
	m.registry.UpdateHealth(ctx, id, update)
}

// CallService 调用逻辑服务
// 流程: 选取健康实例 -> 限流检查 -> (可选)熔断器包裹 -> 带超时的出站调用
// 网格自身不做重试，同步调用的重试策略由调用方决定
func (m *Mesh) CallService(ctx context.Context, name, method string, payload []byte, opts CallOptions) ([]byte, error) {
	instance := m.registry.Select(name)
	if instance == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, name)
	}

	if opts.RateLimit != nil && !m.limiter.Allow(name, *opts.RateLimit) {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, name)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	call := func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		response, err := m.invoker.Invoke(callCtx, instance.Address(), method, payload)
		if err != nil {
			// 超时归一化为类型化错误，同时作为熔断器的失败计入
			if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: %s", ErrCallTimeout, name)
			}
			return nil, err
		}
		return response, nil
	}

	var result any
	var err error
	if opts.UseCircuitBreaker {
		result, err = m.breakers.Execute(name, call)
	} else {
		result, err = call()
	}
	if err != nil {
		m.logger.Warn("服务调用失败",
			zap.String("service", name),
			zap.String("method", method),
			zap.String("instance", instance.ID),
			zap.Error(err))
		return nil, err
	}

	response, _ := result.([]byte)
	return response, nil
}

// PublishEvent 向主题发布一条消息，透传给消息队列
func (m *Mesh) PublishEvent(ctx context.Context, topic string, payload []byte, opts *queue.PublishOptions) (string, error) {
	return m.queue.Publish(ctx, topic, payload, opts)
}

// SubscribeToEvent 订阅主题，返回订阅ID
func (m *Mesh) SubscribeToEvent(topic string, handler queue.Handler) string {
	return m.queue.Subscribe(topic, handler)
}

// UnsubscribeFromEvent 取消主题订阅，订阅ID为空时清除该主题的所有订阅
func (m *Mesh) UnsubscribeFromEvent(topic, id string) {
	m.queue.Unsubscribe(topic, id)
}

// Status 返回网格状态快照，只读不产生副作用
func (m *Mesh) Status() *Status {
	return &Status{
		Services: m.registry.Snapshot(),
		Queue:    m.queue.Stats(),
		Breakers: m.breakers.Snapshot(),
	}
}
