package mesh

import "errors"

// 调用失败的错误种类，调用方通过errors.Is区分后选择降级、转入队列或直接上报
var (
	// ErrServiceUnavailable 表示逻辑服务名下没有健康的实例
	ErrServiceUnavailable = errors.New("没有可用的服务实例")

	// ErrRateLimited 表示当前窗口的请求数已达到上限
	ErrRateLimited = errors.New("请求被限流")

	// ErrCallTimeout 表示出站调用超过了截止时间
	ErrCallTimeout = errors.New("调用超时")
)
