package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/core/model"
)

// makeInstances 构造测试用的实例列表
func makeInstances(ids ...string) []*model.ServiceInstance {
	instances := make([]*model.ServiceInstance, 0, len(ids))
	for i, id := range ids {
		instances = append(instances, &model.ServiceInstance{
			ID:   id,
			Name: "orders",
			Host: "10.0.0.1",
			Port: 8000 + i,
		})
	}
	return instances
}

func TestNewBalancerUnknownStrategy(t *testing.T) {
	balancer, err := NewBalancer("sticky-session")
	assert.Error(t, err, "未知策略应返回错误")
	assert.Nil(t, balancer, "创建失败时不应返回负载均衡器")
}

func TestRoundRobinRotation(t *testing.T) {
	balancer, err := NewBalancer(config.StrategyRoundRobin)
	require.NoError(t, err, "创建轮询负载均衡器失败")

	candidates := makeInstances("a", "b", "c")

	// 快速连续选择时必须公平轮转，不依赖时钟
	var picked []string
	for i := 0; i < 6; i++ {
		picked = append(picked, balancer.Pick("orders", candidates).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked, "轮询应按注册顺序循环")
}

func TestRoundRobinCountersPerService(t *testing.T) {
	balancer, err := NewBalancer(config.StrategyRoundRobin)
	require.NoError(t, err, "创建轮询负载均衡器失败")

	candidates := makeInstances("a", "b")

	// 不同服务名使用独立计数器
	assert.Equal(t, "a", balancer.Pick("orders", candidates).ID, "orders的第一次选择应为a")
	assert.Equal(t, "a", balancer.Pick("pricing", candidates).ID, "pricing的计数器应独立从头开始")
	assert.Equal(t, "b", balancer.Pick("orders", candidates).ID, "orders的第二次选择应为b")
}

func TestLeastConnectionsPicksMinimum(t *testing.T) {
	balancer, err := NewBalancer(config.StrategyLeastConnections)
	require.NoError(t, err, "创建最少连接负载均衡器失败")

	candidates := makeInstances("a", "b", "c")
	candidates[0].LoadMetrics.OpenConnections = 5
	candidates[1].LoadMetrics.OpenConnections = 2
	candidates[2].LoadMetrics.OpenConnections = 9

	assert.Equal(t, "b", balancer.Pick("orders", candidates).ID, "应选择连接数最少的实例")
}

func TestLeastConnectionsTieBreak(t *testing.T) {
	balancer, err := NewBalancer(config.StrategyLeastConnections)
	require.NoError(t, err, "创建最少连接负载均衡器失败")

	candidates := makeInstances("a", "b")
	candidates[0].LoadMetrics.OpenConnections = 3
	candidates[1].LoadMetrics.OpenConnections = 3

	// 平局时取先注册的实例，选择结果确定
	for i := 0; i < 5; i++ {
		assert.Equal(t, "a", balancer.Pick("orders", candidates).ID, "连接数平局时应选择先注册的实例")
	}
}

func TestInstanceWeight(t *testing.T) {
	idle := &model.ServiceInstance{}
	assert.InDelta(t, 1.0, instanceWeight(idle), 1e-9, "空载实例的权重应为1")

	loaded := &model.ServiceInstance{
		LoadMetrics: model.LoadMetrics{CPU: 50, Memory: 50},
	}
	assert.InDelta(t, 0.25, instanceWeight(loaded), 1e-9, "半载实例的权重应为0.25")

	// 满载实例的权重受下限保护，不会归零
	saturated := &model.ServiceInstance{
		LoadMetrics: model.LoadMetrics{CPU: 100, Memory: 100},
	}
	assert.InDelta(t, minWeightFactor*minWeightFactor, instanceWeight(saturated), 1e-9, "满载实例的权重应为下限乘积")
}

func TestWeightedPickReturnsCandidate(t *testing.T) {
	balancer, err := NewBalancer(config.StrategyWeighted)
	require.NoError(t, err, "创建加权负载均衡器失败")

	candidates := makeInstances("a", "b")
	candidates[0].LoadMetrics = model.LoadMetrics{CPU: 90, Memory: 90}

	valid := map[string]bool{"a": true, "b": true}
	for i := 0; i < 20; i++ {
		picked := balancer.Pick("orders", candidates)
		require.NotNil(t, picked, "选择结果不应为nil")
		assert.True(t, valid[picked.ID], "选择结果应在候选列表内")
	}
}

func TestRandomPickReturnsCandidate(t *testing.T) {
	balancer, err := NewBalancer(config.StrategyRandom)
	require.NoError(t, err, "创建随机负载均衡器失败")

	candidates := makeInstances("a", "b", "c")
	valid := map[string]bool{"a": true, "b": true, "c": true}
	for i := 0; i < 20; i++ {
		picked := balancer.Pick("orders", candidates)
		require.NotNil(t, picked, "选择结果不应为nil")
		assert.True(t, valid[picked.ID], "选择结果应在候选列表内")
	}
}
