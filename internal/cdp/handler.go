package cdp

import (
	"context"
	"errors"
	"fmt"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	adapter "cdpmirror/internal/adapter/cdp"
	"cdpmirror/internal/interceptor"
	"cdpmirror/pkg/domain"
)

var _ interceptor.Transport = (*Manager)(nil)

// Events 所有目标的拦截事件
func (m *Manager) Events() <-chan interceptor.Intercepted { return m.events }

// EnableNetworkObservation 在全部已附加目标上启用 Network 域
func (m *Manager) EnableNetworkObservation(ctx context.Context) error {
	m.stateMu.Lock()
	m.networkEnabled = true
	m.stateMu.Unlock()
	for _, ts := range m.snapshot() {
		if err := ts.client.Network.Enable(ctx, nil); err != nil {
			return fmt.Errorf("network enable on %s: %w", ts.id, err)
		}
	}
	return nil
}

// SetInterception 安装拦截模式；重复调用只重新下发 Fetch.enable，消费者保持唯一
func (m *Manager) SetInterception(ctx context.Context, patterns []domain.Pattern) error {
	m.stateMu.Lock()
	m.patterns = patterns
	m.intercepting = true
	m.stateMu.Unlock()
	for _, ts := range m.snapshot() {
		if err := m.enableFetch(ctx, ts, patterns); err != nil {
			return err
		}
	}
	return nil
}

// DisableInterception 停止消费，放行已排队但无人处理的事件，再关闭 Fetch 域
func (m *Manager) DisableInterception(ctx context.Context) error {
	m.stateMu.Lock()
	m.intercepting = false
	m.patterns = nil
	m.stateMu.Unlock()

	targets := m.snapshot()
	for _, ts := range targets {
		ts.stopConsumer()
	}
	if n := m.releaseQueued(ctx); n > 0 {
		m.log.Info("已放行排队中的拦截事件", "count", n)
	}
	var errs []error
	for _, ts := range targets {
		if err := ts.client.Fetch.Disable(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fetch disable on %s: %w", ts.id, err))
		}
	}
	return errors.Join(errs...)
}

// releaseQueued 原样放行通道中残留的事件
func (m *Manager) releaseQueued(ctx context.Context) int {
	n := 0
	for {
		select {
		case ev := <-m.events:
			var err error
			if ev.Stage == domain.StageRequest {
				err = m.ContinueRequest(ctx, ev.Handle, "")
			} else {
				err = m.Resume(ctx, ev.Handle, nil)
			}
			if err != nil {
				m.log.Warn("放行排队事件失败", "handle", string(ev.Handle), "error", err)
			}
			n++
		default:
			return n
		}
	}
}

// enableFetch 首次调用时先订阅 RequestPaused 再启用 Fetch，避免漏掉事件
func (m *Manager) enableFetch(ctx context.Context, ts *targetSession, patterns []domain.Pattern) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.consumeCancel == nil {
		cctx, cancel := context.WithCancel(ts.ctx)
		rp, err := ts.client.Fetch.RequestPaused(cctx)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe requestPaused on %s: %w", ts.id, err)
		}
		done := make(chan struct{})
		ts.consumeCancel, ts.consumeDone = cancel, done
		go m.consume(cctx, ts, rp, done)
	}
	args := &fetch.EnableArgs{Patterns: adapter.ToRequestPatterns(patterns)}
	if err := ts.client.Fetch.Enable(ctx, args); err != nil {
		return fmt.Errorf("fetch enable on %s: %w", ts.id, err)
	}
	return nil
}

// consume 持续接收目标的拦截事件；事件不丢弃，否则请求会一直挂起
func (m *Manager) consume(ctx context.Context, ts *targetSession, rp fetch.RequestPausedClient, done chan struct{}) {
	defer close(done)
	defer rp.Close()

	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			if ctx.Err() == nil {
				m.handleTargetStreamClosed(ts, err)
			}
			return
		}
		select {
		case m.events <- adapter.ToIntercepted(ts.id, ev):
		case <-ctx.Done():
			return
		}
	}
}

// handleTargetStreamClosed 拦截流中断时移除目标
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if ts.ctx.Err() != nil {
		return
	}
	m.log.Warn("拦截流被中断，自动移除目标", "target", string(ts.id), "error", err)
	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	if ok && cur == ts {
		m.closeTargetSession(ts)
	}
}

func (m *Manager) resolve(h domain.Handle) (*targetSession, fetch.RequestID, error) {
	target, id, ok := adapter.SplitHandle(h)
	if !ok {
		return nil, "", fmt.Errorf("%w: bad handle %q", ErrNotAttached, h)
	}
	ts, err := m.target(target)
	if err != nil {
		return nil, "", err
	}
	return ts, id, nil
}

// FetchBody 读取暂停响应的正文
func (m *Manager) FetchBody(ctx context.Context, h domain.Handle) ([]byte, bool, error) {
	ts, id, err := m.resolve(h)
	if err != nil {
		return nil, false, err
	}
	reply, err := ts.client.Fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: id})
	if err != nil {
		return nil, false, err
	}
	return []byte(reply.Body), reply.Base64Encoded, nil
}

// Resume raw 为 nil 时继续原响应，否则解析后以 FulfillRequest 替换
func (m *Manager) Resume(ctx context.Context, h domain.Handle, raw []byte) error {
	ts, id, err := m.resolve(h)
	if err != nil {
		return err
	}
	if raw == nil {
		return ts.client.Fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: id})
	}
	code, headers, body, err := adapter.ParseRaw(raw)
	if err != nil {
		return err
	}
	return ts.client.Fetch.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
		RequestID:       id,
		ResponseCode:    code,
		ResponseHeaders: adapter.ToHeaderEntries(headers),
		Body:            body,
	})
}

// ContinueRequest url 为空时不改写请求
func (m *Manager) ContinueRequest(ctx context.Context, h domain.Handle, url string) error {
	ts, id, err := m.resolve(h)
	if err != nil {
		return err
	}
	args := &fetch.ContinueRequestArgs{RequestID: id}
	if url != "" {
		args.URL = &url
	}
	return ts.client.Fetch.ContinueRequest(ctx, args)
}

// Abort 以失败结束请求
func (m *Manager) Abort(ctx context.Context, h domain.Handle) error {
	ts, id, err := m.resolve(h)
	if err != nil {
		return err
	}
	return ts.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: id, ErrorReason: network.ErrorReasonFailed})
}
