package registry

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/core/model"
)

// Balancer 表示负载均衡策略接口
// 候选实例按首次注册顺序传入，策略实现据此保证平局时的确定性
type Balancer interface {
	// Pick 从候选实例中选择一个，候选列表保证非空
	Pick(name string, candidates []*model.ServiceInstance) *model.ServiceInstance
}

// NewBalancer 根据策略名称创建负载均衡器
func NewBalancer(strategy string) (Balancer, error) {
	switch strategy {
	case config.StrategyRoundRobin:
		return &roundRobinBalancer{counters: make(map[string]uint64)}, nil
	case config.StrategyLeastConnections:
		return &leastConnectionsBalancer{}, nil
	case config.StrategyWeighted:
		return &weightedBalancer{}, nil
	case config.StrategyRandom:
		return &randomBalancer{}, nil
	default:
		return nil, fmt.Errorf("未知的负载均衡策略: %s", strategy)
	}
}

// roundRobinBalancer 实现轮询策略
// 使用按服务名递增的计数器而不是墙上时钟，保证快速连续调用时的公平轮转
type roundRobinBalancer struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// Pick 按计数器轮转选择实例
func (b *roundRobinBalancer) Pick(name string, candidates []*model.ServiceInstance) *model.ServiceInstance {
	b.mu.Lock()
	n := b.counters[name]
	b.counters[name] = n + 1
	b.mu.Unlock()

	return candidates[n%uint64(len(candidates))]
}

// leastConnectionsBalancer 实现最少连接策略
type leastConnectionsBalancer struct{}

// Pick 选择当前打开连接数最少的实例，平局时取先注册者
func (b *leastConnectionsBalancer) Pick(name string, candidates []*model.ServiceInstance) *model.ServiceInstance {
	selected := candidates[0]
	for _, instance := range candidates[1:] {
		if instance.LoadMetrics.OpenConnections < selected.LoadMetrics.OpenConnections {
			selected = instance
		}
	}
	return selected
}

// 权重因子下限，避免高负载实例权重归零后完全饿死
const minWeightFactor = 0.1

// instanceWeight 根据CPU和内存负载计算实例权重
func instanceWeight(instance *model.ServiceInstance) float64 {
	cpuFactor := 1 - instance.LoadMetrics.CPU/100
	if cpuFactor < minWeightFactor {
		cpuFactor = minWeightFactor
	}

	memFactor := 1 - instance.LoadMetrics.Memory/100
	if memFactor < minWeightFactor {
		memFactor = minWeightFactor
	}

	return cpuFactor * memFactor
}

// weightedBalancer 实现按负载加权的随机策略
type weightedBalancer struct{}

// Pick 以与权重成正比的概率选择实例
func (b *weightedBalancer) Pick(name string, candidates []*model.ServiceInstance) *model.ServiceInstance {
	total := 0.0
	for _, instance := range candidates {
		total += instanceWeight(instance)
	}

	target := rand.Float64() * total
	for _, instance := range candidates {
		target -= instanceWeight(instance)
		if target <= 0 {
			return instance
		}
	}

	// 浮点误差兜底
	return candidates[len(candidates)-1]
}

// randomBalancer 实现均匀随机策略
type randomBalancer struct{}

// Pick 均匀随机选择实例
func (b *randomBalancer) Pick(name string, candidates []*model.ServiceInstance) *model.ServiceInstance {
	return candidates[rand.Intn(len(candidates))]
}
