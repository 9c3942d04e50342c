package model

import (
	"fmt"
	"time"
)

// HealthStatus 表示服务实例健康状态
type HealthStatus string

const (
	// HealthStatusHealthy 健康状态
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy 不健康状态
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusUnknown 未知状态
	HealthStatusUnknown HealthStatus = "unknown"
)

// LoadMetrics 表示服务实例的负载指标
type LoadMetrics struct {
	CPU               float64 `json:"cpu"`                 // CPU使用率(0-100)
	Memory            float64 `json:"memory"`              // 内存使用率(0-100)
	OpenConnections   int     `json:"open_connections"`    // 当前打开的连接数
	RequestsPerSecond float64 `json:"requests_per_second"` // 每秒请求数
}

// ServiceInstance 表示一个服务实例
type ServiceInstance struct {
	ID            string            `json:"id"`             // 服务实例唯一ID
	Name          string            `json:"name"`           // 逻辑服务名称
	Version       string            `json:"version"`        // 服务版本
	Host          string            `json:"host"`           // 服务主机地址
	Port          int               `json:"port"`           // 服务端口
	Tags          []string          `json:"tags"`           // 服务标签
	Metadata      map[string]string `json:"metadata"`       // 服务元数据
	Status        HealthStatus      `json:"status"`         // 服务健康状态
	RegisteredAt  time.Time         `json:"registered_at"`  // 注册时间
	LastHeartbeat time.Time         `json:"last_heartbeat"` // 最后心跳时间
	LoadMetrics   LoadMetrics       `json:"load_metrics"`   // 负载指标
}

// Address 返回实例的网络地址
func (s *ServiceInstance) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Clone 返回实例的深拷贝，注册中心对外只暴露拷贝
func (s *ServiceInstance) Clone() *ServiceInstance {
	clone := *s

	if s.Tags != nil {
		clone.Tags = make([]string, len(s.Tags))
		copy(clone.Tags, s.Tags)
	}

	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}
