package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/core/model"
	"github.com/hewenyu/mesh-runtime/internal/mesh/event"
	"github.com/hewenyu/mesh-runtime/internal/store/etcd"
)

// 服务实例在外部存储中的前缀
const servicePrefix = "/mesh/services/"

// HealthUpdate 表示一次心跳携带的部分负载指标更新
// 为nil的字段保持原值不变
type HealthUpdate struct {
	Status            model.HealthStatus
	CPU               *float64
	Memory            *float64
	OpenConnections   *int
	RequestsPerSecond *float64
}

// Registry 表示服务注册中心
// 内存映射是权威数据源，外部存储仅用于跨进程可见性，写入失败不影响内存操作
type Registry struct {
	cfg      *config.RegistryConfig
	store    *etcd.Client // 可选，为nil时以纯内存模式运行
	logger   config.Logger
	bus      *event.Bus
	balancer Balancer

	mu        sync.RWMutex
	instances map[string]*model.ServiceInstance
	order     []string // 实例ID的首次注册顺序

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry 创建一个新的服务注册中心并启动健康检查扫描
func NewRegistry(cfg *config.RegistryConfig, store *etcd.Client, logger config.Logger, bus *event.Bus) (*Registry, error) {
	balancer, err := NewBalancer(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		bus:       bus,
		balancer:  balancer,
		instances: make(map[string]*model.ServiceInstance),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go r.sweepLoop(ctx)

	return r, nil
}

// Stop 停止健康检查扫描，等待进行中的扫描完成后返回
func (r *Registry) Stop() {
	r.cancel()
	<-r.done
}

// Register 注册服务实例，ID相同时覆盖已有记录
func (r *Registry) Register(ctx context.Context, instance *model.ServiceInstance) error {
	if instance.Name == "" {
		return fmt.Errorf("服务名称不能为空")
	}

	if instance.ID == "" {
		instance.ID = uuid.New().String()
	}

	now := time.Now()
	stored := instance.Clone()
	stored.RegisteredAt = now
	stored.LastHeartbeat = now
	stored.Status = model.HealthStatusUnknown

	r.mu.Lock()
	if _, exists := r.instances[stored.ID]; !exists {
		r.order = append(r.order, stored.ID)
	}
	r.instances[stored.ID] = stored
	r.mu.Unlock()

	// 回写生成的ID和时间戳，便于调用方后续心跳
	instance.ID = stored.ID
	instance.RegisteredAt = stored.RegisteredAt
	instance.LastHeartbeat = stored.LastHeartbeat
	instance.Status = stored.Status

	// 外部存储仅做最大努力传播，失败只记录日志
	r.propagate(ctx, stored)

	r.bus.Publish(event.Event{
		Kind:        event.ServiceRegistered,
		ServiceID:   stored.ID,
		ServiceName: stored.Name,
	})

	r.logger.Info("服务实例已注册",
		zap.String("id", stored.ID),
		zap.String("name", stored.Name),
		zap.String("address", stored.Address()))

	return nil
}

// Deregister 注销服务实例，ID未知时为空操作
func (r *Registry) Deregister(ctx context.Context, id string) {
	r.mu.Lock()
	instance, exists := r.instances[id]
	if exists {
		delete(r.instances, id)
		for i, existing := range r.order {
			if existing == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, servicePrefix+id); err != nil {
			r.logger.Warn("从外部存储删除服务实例失败", zap.String("id", id), zap.Error(err))
		}
	}

	r.bus.Publish(event.Event{
		Kind:        event.ServiceDeregistered,
		ServiceID:   id,
		ServiceName: instance.Name,
	})

	r.logger.Info("服务实例已注销", zap.String("id", id), zap.String("name", instance.Name))
}

// UpdateHealth 刷新实例心跳并合并负载指标，ID未知时为空操作
func (r *Registry) UpdateHealth(ctx context.Context, id string, update HealthUpdate) {
	r.mu.Lock()
	instance, exists := r.instances[id]
	if exists {
		instance.LastHeartbeat = time.Now()
		if update.Status != "" {
			instance.Status = update.Status
		}
		if update.CPU != nil {
			instance.LoadMetrics.CPU = *update.CPU
		}
		if update.Memory != nil {
			instance.LoadMetrics.Memory = *update.Memory
		}
		if update.OpenConnections != nil {
			instance.LoadMetrics.OpenConnections = *update.OpenConnections
		}
		if update.RequestsPerSecond != nil {
			instance.LoadMetrics.RequestsPerSecond = *update.RequestsPerSecond
		}
		instance = instance.Clone()
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	// 重新写入外部存储以刷新租约TTL
	r.propagate(ctx, instance)
}

// Select 按配置的负载均衡策略返回一个健康的实例，没有可用实例时返回nil
func (r *Registry) Select(name string) *model.ServiceInstance {
	now := time.Now()

	r.mu.RLock()
	var candidates []*model.ServiceInstance
	for _, id := range r.order {
		instance := r.instances[id]
		if instance.Name != name {
			continue
		}
		// 健康且未过期的实例才可被选中，过期判断不依赖扫描周期
		if instance.Status != model.HealthStatusHealthy {
			continue
		}
		if now.Sub(instance.LastHeartbeat) > r.cfg.ServiceTimeout {
			continue
		}
		// 持锁期间拷贝，后续的策略选择不再触碰共享结构
		candidates = append(candidates, instance.Clone())
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	return r.balancer.Pick(name, candidates)
}

// InstancesByName 返回指定服务的所有健康实例拷贝，按首次注册顺序
func (r *Registry) InstancesByName(name string) []*model.ServiceInstance {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.ServiceInstance
	for _, id := range r.order {
		instance := r.instances[id]
		if instance.Name != name || instance.Status != model.HealthStatusHealthy {
			continue
		}
		if now.Sub(instance.LastHeartbeat) > r.cfg.ServiceTimeout {
			continue
		}
		result = append(result, instance.Clone())
	}

	return result
}

// Snapshot 返回所有实例的拷贝，按首次注册顺序
func (r *Registry) Snapshot() []*model.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.ServiceInstance, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.instances[id].Clone())
	}

	return result
}

// propagate 将实例写入外部存储，失败只记录日志
func (r *Registry) propagate(ctx context.Context, instance *model.ServiceInstance) {
	if r.store == nil {
		return
	}

	data, err := json.Marshal(instance)
	if err != nil {
		r.logger.Warn("序列化服务实例失败", zap.String("id", instance.ID), zap.Error(err))
		return
	}

	if err := r.store.PutWithTTL(ctx, servicePrefix+instance.ID, data, r.cfg.StoreTTL); err != nil {
		r.logger.Warn("写入外部存储失败，注册中心继续以内存数据为准",
			zap.String("id", instance.ID),
			zap.Error(err))
	}
}

// sweepLoop 周期性扫描所有实例，将心跳超时的实例标记为不健康
func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep 执行一次健康扫描
// 只在健康状态发生变化时发出通知，已不健康的实例不会重复触发
// 过期只改变状态不删除记录，后续心跳可以让实例恢复
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []*model.ServiceInstance
	for _, instance := range r.instances {
		if instance.Status == model.HealthStatusUnhealthy {
			continue
		}
		if now.Sub(instance.LastHeartbeat) > r.cfg.ServiceTimeout {
			instance.Status = model.HealthStatusUnhealthy
			expired = append(expired, instance.Clone())
		}
	}
	r.mu.Unlock()

	for _, instance := range expired {
		r.bus.Publish(event.Event{
			Kind:        event.ServiceUnhealthy,
			ServiceID:   instance.ID,
			ServiceName: instance.Name,
		})

		r.logger.Warn("服务实例心跳超时，已标记为不健康",
			zap.String("id", instance.ID),
			zap.String("name", instance.Name),
			zap.Time("last_heartbeat", instance.LastHeartbeat))
	}
}
