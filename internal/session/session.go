package session

import (
	"sync"

	"cdpmirror/internal/cdp"
	"cdpmirror/internal/interceptor"
	"cdpmirror/pkg/domain"
)

// Session 一个业务会话：一条 DevTools 连接及其上的拦截会话
type Session struct {
	ID        domain.SessionID
	Config    domain.SessionConfig
	Transport *cdp.Manager
	Events    chan domain.NetworkEvent

	mu          sync.Mutex
	interceptor *interceptor.Session
}

// New 创建会话
func New(id domain.SessionID, cfg domain.SessionConfig, t *cdp.Manager) *Session {
	return &Session{
		ID:        id,
		Config:    cfg,
		Transport: t,
		Events:    make(chan domain.NetworkEvent, 256),
	}
}

// Interceptor 当前拦截会话，未启用时为 nil
func (s *Session) Interceptor() *interceptor.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interceptor
}

// SetInterceptor 替换拦截会话并返回旧值
func (s *Session) SetInterceptor(is *interceptor.Session) *interceptor.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.interceptor
	s.interceptor = is
	return old
}
