package interceptor

import (
	"context"

	"cdpmirror/pkg/domain"
	"cdpmirror/pkg/traffic"
)

// Intercepted 传输层交付的一次拦截事件，Handle 是其唯一身份
type Intercepted struct {
	Handle       domain.Handle
	Target       domain.TargetID
	URL          string
	Method       string
	ResourceType domain.ResourceType
	Stage        domain.Stage
	StatusCode   int
	Headers      traffic.Header
}

// Transport 浏览器控制协议的最小边界
type Transport interface {
	EnableNetworkObservation(ctx context.Context) error
	SetInterception(ctx context.Context, patterns []domain.Pattern) error
	// DisableInterception 撤销拦截，之后页面请求不再暂停
	DisableInterception(ctx context.Context) error
	Events() <-chan Intercepted
	// FetchBody 返回响应体及其是否为 base64 编码
	FetchBody(ctx context.Context, h domain.Handle) ([]byte, bool, error)
	// Resume raw 为 nil 时原样放行，否则用 raw 替换整个响应
	Resume(ctx context.Context, h domain.Handle, raw []byte) error
	// ContinueRequest url 为空时不修改请求
	ContinueRequest(ctx context.Context, h domain.Handle, url string) error
	Abort(ctx context.Context, h domain.Handle) error
}
