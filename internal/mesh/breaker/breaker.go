package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/mesh/event"
)

// ErrOpen 表示熔断器处于打开状态，调用被直接拒绝，未触达被保护的依赖
var ErrOpen = errors.New("熔断器已打开")

// Status 表示单个熔断器的状态快照
type Status struct {
	State                string    `json:"state"`
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	NextRetryAt          time.Time `json:"next_retry_at,omitempty"`
}

// Manager 按依赖名称管理熔断器，每个被保护的依赖一个实例
// 状态机: 闭合状态下窗口内请求量达到阈值且连续失败占比达到阈值时熔断；
// 冷却时间过后进入半开状态放行探测请求，连续成功达到阈值后恢复闭合，
// 半开状态下任一失败立即重新熔断
type Manager struct {
	cfg    *config.BreakerConfig
	logger config.Logger
	bus    *event.Bus

	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	openUntil map[string]time.Time
}

// NewManager 创建一个新的熔断器管理器
func NewManager(cfg *config.BreakerConfig, logger config.Logger, bus *event.Bus) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		openUntil: make(map[string]time.Time),
	}
}

// Execute 通过指定依赖的熔断器执行调用
// 熔断器打开时返回ErrOpen，被保护的调用不会被执行
func (m *Manager) Execute(name string, fn func() (any, error)) (any, error) {
	result, err := m.getOrCreate(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// Snapshot 返回所有熔断器的状态快照，只读不产生副作用
func (m *Manager) Snapshot() map[string]Status {
	// 先拷贝熔断器列表再查询状态
	// 查询会获取gobreaker内部锁，不能在持有管理器锁时进行
	m.mu.RLock()
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(m.breakers))
	for name, cb := range m.breakers {
		breakers[name] = cb
	}
	openUntil := make(map[string]time.Time, len(m.openUntil))
	for name, t := range m.openUntil {
		openUntil[name] = t
	}
	m.mu.RUnlock()

	result := make(map[string]Status, len(breakers))
	for name, cb := range breakers {
		counts := cb.Counts()
		status := Status{
			State:                cb.State().String(),
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		}
		if cb.State() == gobreaker.StateOpen {
			status.NextRetryAt = openUntil[name]
		}
		result[name] = status
	}

	return result
}

// getOrCreate 获取或创建依赖的熔断器
func (m *Manager) getOrCreate(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 获取写锁后再次检查，避免重复创建
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,

		// 半开状态下连续成功该次数后恢复闭合
		MaxRequests: m.cfg.HalfOpenSuccesses,

		// 闭合状态的计数只在状态转换时重置
		Interval: 0,

		// 冷却时间，过后进入半开状态
		Timeout: m.cfg.ResetTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.cfg.VolumeThreshold {
				return false
			}
			ratio := float64(counts.ConsecutiveFailures) / float64(counts.Requests)
			return ratio >= m.cfg.FailureThreshold
		},

		OnStateChange: m.onStateChange,
	})
	m.breakers[name] = cb

	return cb
}

// onStateChange 记录熔断状态变化并发出通知
func (m *Manager) onStateChange(name string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		m.mu.Lock()
		m.openUntil[name] = time.Now().Add(m.cfg.ResetTimeout)
		m.mu.Unlock()
	}

	m.bus.Publish(event.Event{
		Kind:    event.BreakerStateChanged,
		Breaker: name,
		Detail:  from.String() + " -> " + to.String(),
	})

	m.logger.Warn("熔断器状态变化",
		zap.String("name", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}
