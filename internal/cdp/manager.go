package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"

	"cdpmirror/internal/interceptor"
	"cdpmirror/internal/logger"
	"cdpmirror/pkg/domain"
)

var (
	// ErrNoTarget 找不到可附加的目标
	ErrNoTarget = errors.New("no target")
	// ErrNotAttached 句柄对应的目标未附加
	ErrNotAttached = errors.New("target not attached")
)

// targetSession 单个已附加目标的连接；每个目标至多一个拦截事件消费者
type targetSession struct {
	id     domain.TargetID
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	consumeCancel context.CancelFunc
	consumeDone   chan struct{}
}

// stopConsumer 停止事件消费并等待其退出
func (ts *targetSession) stopConsumer() {
	ts.mu.Lock()
	cancel, done := ts.consumeCancel, ts.consumeDone
	ts.consumeCancel, ts.consumeDone = nil, nil
	ts.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Manager 基于 DevTools 协议的拦截传输，可同时附加多个目标，
// 所有目标的拦截事件汇入同一通道
type Manager struct {
	devtoolsURL string
	log         logger.Logger
	events      chan interceptor.Intercepted

	ctx    context.Context
	cancel context.CancelFunc

	targetsMu sync.RWMutex
	targets   map[domain.TargetID]*targetSession

	stateMu        sync.Mutex
	networkEnabled bool
	patterns       []domain.Pattern
	intercepting   bool
}

// New 创建传输管理器
func New(devtoolsURL string, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		devtoolsURL: devtoolsURL,
		log:         l.With("module", "cdp"),
		events:      make(chan interceptor.Intercepted, 128),
		ctx:         ctx,
		cancel:      cancel,
		targets:     make(map[domain.TargetID]*targetSession),
	}
}

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]domain.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	m.targetsMu.RLock()
	defer m.targetsMu.RUnlock()
	out := make([]domain.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		_, attached := m.targets[domain.TargetID(t.ID)]
		out = append(out, domain.TargetInfo{
			ID:        domain.TargetID(t.ID),
			Type:      string(t.Type),
			URL:       t.URL,
			Title:     t.Title,
			IsCurrent: attached,
		})
	}
	return out, nil
}

// AttachTarget 附加指定目标；target 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, target domain.TargetID) (domain.TargetID, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if (target == "" && t.Type == devtool.Page) || string(t.ID) == string(target) {
			sel = t
			break
		}
	}
	if sel == nil {
		return "", fmt.Errorf("%w: %q", ErrNoTarget, target)
	}
	id := domain.TargetID(sel.ID)

	m.targetsMu.Lock()
	if _, ok := m.targets[id]; ok {
		m.targetsMu.Unlock()
		return id, nil
	}
	m.targetsMu.Unlock()

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}
	tctx, tcancel := context.WithCancel(m.ctx)
	ts := &targetSession{id: id, conn: conn, client: cdp.NewClient(conn), ctx: tctx, cancel: tcancel}

	m.targetsMu.Lock()
	m.targets[id] = ts
	m.targetsMu.Unlock()
	m.log.Info("已附加目标", "target", string(id), "url", sel.URL)

	if err := m.prepareTarget(ts); err != nil {
		m.DetachTarget(id)
		return "", err
	}
	return id, nil
}

// prepareTarget 对新附加的目标补齐已开启的网络观察与拦截
func (m *Manager) prepareTarget(ts *targetSession) error {
	m.stateMu.Lock()
	network := m.networkEnabled
	patterns := m.patterns
	intercepting := m.intercepting
	m.stateMu.Unlock()

	if network {
		if err := ts.client.Network.Enable(ts.ctx, nil); err != nil {
			return fmt.Errorf("network enable: %w", err)
		}
	}
	if intercepting {
		return m.enableFetch(ts.ctx, ts, patterns)
	}
	return nil
}

// DetachTarget 分离目标并关闭连接
func (m *Manager) DetachTarget(id domain.TargetID) {
	m.targetsMu.Lock()
	ts, ok := m.targets[id]
	if ok {
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()
	if ok {
		m.closeTargetSession(ts)
		m.log.Info("已分离目标", "target", string(id))
	}
}

// Close 分离全部目标
func (m *Manager) Close() error {
	m.cancel()
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for id, ts := range m.targets {
		m.closeTargetSession(ts)
		delete(m.targets, id)
	}
	return nil
}

func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.cancel()
	if err := ts.conn.Close(); err != nil {
		m.log.Debug("关闭目标连接失败", "target", string(ts.id), "error", err)
	}
}

func (m *Manager) target(id domain.TargetID) (*targetSession, error) {
	m.targetsMu.RLock()
	defer m.targetsMu.RUnlock()
	ts, ok := m.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, id)
	}
	return ts, nil
}

func (m *Manager) snapshot() []*targetSession {
	m.targetsMu.RLock()
	defer m.targetsMu.RUnlock()
	out := make([]*targetSession, 0, len(m.targets))
	for _, ts := range m.targets {
		out = append(out, ts)
	}
	return out
}
