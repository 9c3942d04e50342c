package invoker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPInvokerSuccess(t *testing.T) {
	var gotMethod, gotPath, gotContentType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer server.Close()

	address := strings.TrimPrefix(server.URL, "http://")
	inv := NewHTTPInvoker()

	response, err := inv.Invoke(context.Background(), address, "calculate", []byte(`{"sku":"a1"}`))
	require.NoError(t, err, "调用应成功")

	assert.Equal(t, http.MethodPost, gotMethod, "应使用POST方法")
	assert.Equal(t, "/calculate", gotPath, "请求路径应为方法名")
	assert.Equal(t, "application/json", gotContentType, "应设置JSON内容类型")
	assert.Equal(t, []byte(`{"sku":"a1"}`), gotBody, "请求体应为调用负载")
	assert.Equal(t, []byte(`{"result":"ok"}`), response, "应返回响应体")
}

func TestHTTPInvokerTrimsLeadingSlash(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer server.Close()

	address := strings.TrimPrefix(server.URL, "http://")
	_, err := NewHTTPInvoker().Invoke(context.Background(), address, "/calculate", nil)
	require.NoError(t, err, "调用应成功")
	assert.Equal(t, "/calculate", gotPath, "方法名前导斜杠不应重复")
}

func TestHTTPInvokerNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "内部错误", http.StatusInternalServerError)
	}))
	defer server.Close()

	address := strings.TrimPrefix(server.URL, "http://")
	_, err := NewHTTPInvoker().Invoke(context.Background(), address, "calculate", nil)
	assert.Error(t, err, "非2xx响应应视为调用失败")
}

func TestHTTPInvokerRespectsContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	address := strings.TrimPrefix(server.URL, "http://")
	_, err := NewHTTPInvoker().Invoke(ctx, address, "calculate", nil)

	require.Error(t, err, "超过截止时间的调用应失败")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "错误应能识别为截止时间超时")
}

func TestHTTPInvokerUnreachableAddress(t *testing.T) {
	// 端口9定向到discard服务，连接必然失败
	_, err := NewHTTPInvoker().Invoke(context.Background(), "127.0.0.1:9", "calculate", nil)
	assert.Error(t, err, "无法连接的地址应返回错误")
}

func TestFuncAdapter(t *testing.T) {
	fn := Func(func(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
		return []byte(address + "/" + method), nil
	})

	response, err := fn.Invoke(context.Background(), "10.0.0.1:80", "ping", nil)
	require.NoError(t, err, "适配函数调用应成功")
	assert.Equal(t, []byte("10.0.0.1:80/ping"), response, "适配函数应透传参数")
}
