package invoker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Invoker 表示出站调用协作者，屏蔽实际的传输协议
type Invoker interface {
	// Invoke 向指定地址的端点发起调用，超时通过ctx的截止时间控制
	Invoke(ctx context.Context, address, method string, payload []byte) ([]byte, error)
}

// Func 将函数适配为Invoker接口
type Func func(ctx context.Context, address, method string, payload []byte) ([]byte, error)

// Invoke 执行函数
func (f Func) Invoke(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
	return f(ctx, address, method, payload)
}

// 响应体读取上限，防止异常响应撑爆内存
const maxResponseBytes = 4 << 20

// HTTPInvoker 基于HTTP POST实现出站调用
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker 创建一个新的HTTP出站调用器
func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{
		client: &http.Client{},
	}
}

// Invoke 向 http://{address}/{method} 发送POST请求
// 非2xx响应和超时都视为调用失败
func (h *HTTPInvoker) Invoke(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("http://%s/%s", address, strings.TrimPrefix(method, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用远程端点失败 [%s]: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败 [%s]: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("远程端点返回异常状态 [%s]: %d", url, resp.StatusCode)
	}

	return body, nil
}
