package ratelimit

import (
	"sync"
	"time"
)

// Limit 表示一条固定窗口限流规则
type Limit struct {
	// Requests 窗口内允许的最大请求数
	Requests int `json:"requests"`

	// Window 窗口时长
	Window time.Duration `json:"window"`
}

// window 表示单个键的计数窗口
type window struct {
	start time.Time
	count int
}

// Limiter 实现按键的固定窗口限流
// 窗口起始时间超过窗口时长后计数自动重置
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewLimiter 创建一个新的限流器
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
	}
}

// Allow 判断键的本次请求是否放行，放行时计数加一
func (l *Limiter) Allow(key string, limit Limit) bool {
	if limit.Requests <= 0 || limit.Window <= 0 {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= limit.Window {
		l.windows[key] = &window{start: now, count: 1}
		return true
	}

	if w.count >= limit.Requests {
		return false
	}

	w.count++
	return true
}
