package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 负载均衡策略名称
const (
	StrategyRoundRobin       = "round-robin"
	StrategyLeastConnections = "least-connections"
	StrategyWeighted         = "weighted"
	StrategyRandom           = "random"
)

// Config 表示应用程序配置
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Admin    AdminConfig    `mapstructure:"admin"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Registry RegistryConfig `mapstructure:"registry"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
}

// LogConfig 表示日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// EtcdConfig 表示etcd配置
// Enabled为false时网格以纯内存模式运行，不依赖外部存储
type EtcdConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoints      []string      `mapstructure:"endpoints"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AdminConfig 表示管理API配置
type AdminConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DNSConfig 表示DNS发现服务配置
type DNSConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Domain     string        `mapstructure:"domain"`
	TTL        uint32        `mapstructure:"ttl"`
	UDPEnabled bool          `mapstructure:"udp_enabled"`
	TCPEnabled bool          `mapstructure:"tcp_enabled"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RegistryConfig 表示服务注册中心配置
type RegistryConfig struct {
	// 负载均衡策略: round-robin, least-connections, weighted, random
	Strategy string `mapstructure:"strategy"`

	// 健康检查扫描间隔
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`

	// 服务超时时间，超过该时间未收到心跳的实例被标记为不健康
	ServiceTimeout time.Duration `mapstructure:"service_timeout"`

	// 实例写入外部存储时的TTL，进程崩溃后条目自动过期
	StoreTTL time.Duration `mapstructure:"store_ttl"`
}

// QueueConfig 表示消息队列配置
type QueueConfig struct {
	// 投递循环的扫描间隔
	DeliveryInterval time.Duration `mapstructure:"delivery_interval"`

	// 消息保留窗口，超期消息（含死信）被直接丢弃
	Retention time.Duration `mapstructure:"retention"`

	// 保留清理的扫描间隔
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// 默认最大重试次数
	DefaultMaxRetries int `mapstructure:"default_max_retries"`

	// 重试退避的基础延迟
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// BreakerConfig 表示熔断器配置
type BreakerConfig struct {
	// 失败率阈值，窗口内连续失败占比达到该值时熔断
	FailureThreshold float64 `mapstructure:"failure_threshold"`

	// 最小请求量阈值，窗口内请求数达到该值后才判断失败率
	VolumeThreshold uint32 `mapstructure:"volume_threshold"`

	// 熔断后的冷却时间，超过后进入半开状态
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`

	// 半开状态下连续成功该次数后恢复闭合
	HalfOpenSuccesses uint32 `mapstructure:"half_open_successes"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/mesh-runtime")

		// 未指定路径时，找不到配置文件不是错误，使用默认值
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	// 绑定环境变量，例如 MESH_REGISTRY_STRATEGY 覆盖 registry.strategy
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 进行配置验证
	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultConfig 返回带默认值的配置，供库方式嵌入时使用
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// 默认值均为静态定义，解析不会失败
	_ = v.Unmarshal(&config)
	return &config
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.request_timeout", "10s")

	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 8080)

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.host", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.domain", "mesh.local")
	v.SetDefault("dns.ttl", 30)
	v.SetDefault("dns.udp_enabled", true)
	v.SetDefault("dns.tcp_enabled", true)
	v.SetDefault("dns.timeout", "5s")

	v.SetDefault("registry.strategy", StrategyRoundRobin)
	v.SetDefault("registry.health_check_interval", "10s")
	v.SetDefault("registry.service_timeout", "30s")
	v.SetDefault("registry.store_ttl", "60s")

	v.SetDefault("queue.delivery_interval", "100ms")
	v.SetDefault("queue.retention", "1h")
	v.SetDefault("queue.cleanup_interval", "1m")
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.retry_base_delay", "1s")

	v.SetDefault("breaker.failure_threshold", 0.5)
	v.SetDefault("breaker.volume_threshold", 10)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.half_open_successes", 3)
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	// 负载均衡策略验证
	switch config.Registry.Strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted, StrategyRandom:
	default:
		return fmt.Errorf("负载均衡策略无效: %s", config.Registry.Strategy)
	}

	// 注册中心配置验证
	if config.Registry.HealthCheckInterval <= 0 {
		return fmt.Errorf("健康检查间隔必须大于0")
	}
	if config.Registry.ServiceTimeout <= config.Registry.HealthCheckInterval {
		return fmt.Errorf("服务超时时间必须大于健康检查间隔")
	}

	// 队列配置验证
	if config.Queue.DeliveryInterval <= 0 {
		return fmt.Errorf("投递间隔必须大于0")
	}
	if config.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("默认最大重试次数不能为负数: %d", config.Queue.DefaultMaxRetries)
	}
	if config.Queue.Retention <= 0 {
		return fmt.Errorf("消息保留窗口必须大于0")
	}

	// 熔断器配置验证
	if config.Breaker.FailureThreshold <= 0 || config.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("熔断失败率阈值必须在(0, 1]范围内: %v", config.Breaker.FailureThreshold)
	}
	if config.Breaker.VolumeThreshold == 0 {
		return fmt.Errorf("熔断请求量阈值必须大于0")
	}
	if config.Breaker.HalfOpenSuccesses == 0 {
		return fmt.Errorf("半开成功次数阈值必须大于0")
	}

	// 管理API配置验证
	if config.Admin.Port <= 0 || config.Admin.Port > 65535 {
		return fmt.Errorf("管理API端口配置无效: %d", config.Admin.Port)
	}

	// DNS服务配置验证
	if config.DNS.Enabled {
		if config.DNS.Port <= 0 || config.DNS.Port > 65535 {
			return fmt.Errorf("DNS端口配置无效: %d", config.DNS.Port)
		}
		if !config.DNS.TCPEnabled && !config.DNS.UDPEnabled {
			return fmt.Errorf("DNS服务TCP和UDP不能同时禁用")
		}
		if config.DNS.Domain == "" {
			return fmt.Errorf("DNS域名后缀不能为空")
		}
	}

	// etcd配置验证
	if config.Etcd.Enabled && len(config.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd端点不能为空")
	}

	return nil
}
