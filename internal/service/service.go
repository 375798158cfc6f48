package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cdpmirror/internal/assemble"
	"cdpmirror/internal/cache"
	"cdpmirror/internal/cdp"
	"cdpmirror/internal/config"
	"cdpmirror/internal/interceptor"
	"cdpmirror/internal/logger"
	"cdpmirror/internal/mapping"
	"cdpmirror/internal/metrics"
	"cdpmirror/internal/relay"
	"cdpmirror/internal/rewrite"
	"cdpmirror/internal/session"
	"cdpmirror/internal/storage"
	"cdpmirror/internal/transform"
	"cdpmirror/pkg/domain"
)

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotEnabled 拦截尚未启用
	ErrNotEnabled = errors.New("interception not enabled")
)

const opTimeout = 10 * time.Second

// Service 组装共享依赖并管理多个拦截会话
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	sessions *session.Manager

	// interceptMu 串行化拦截的启停，避免新旧拦截器交替撤销 Fetch
	interceptMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	db      *storage.DB
	journal *storage.Journal
	relay   *relay.Relay
	deps    interceptor.Deps
}

// New 根据配置构建服务，缓存在所有会话间共享
func New(cfg *config.Config, l logger.Logger) (*Service, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}
	s := &Service{cfg: cfg, log: l, sessions: session.NewManager(l)}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	table, err := mapping.FromConfig(cfg.Mapping)
	if err != nil {
		return nil, err
	}
	rs, err := rewrite.RulesFromConfig(cfg.HeaderRules)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	tr, err := transform.New(cfg.Transform)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	var store cache.Store
	if cfg.Sqlite.Enabled {
		db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
		if err != nil {
			return nil, err
		}
		s.db = db
		if cfg.Cache.Persist {
			store = db
		}
		if cfg.Sqlite.Journal {
			s.journal = storage.NewJournal(db, l, 0)
		}
	}
	c, err := cache.New(cache.Options{MaxEntries: cfg.Cache.MaxEntries, Store: store, Logger: l})
	if err != nil {
		s.Close()
		return nil, err
	}

	m := metrics.New()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(s.ctx, cfg.Metrics.Listen, l); err != nil {
				l.Err(err, "指标服务异常退出", "addr", cfg.Metrics.Listen)
			}
		}()
	}

	s.deps = interceptor.Deps{
		Cache:       c,
		Transformer: tr,
		Rewriter:    rewrite.New(table, rs),
		Assembler:   assemble.New(),
		Metrics:     m,
		Logger:      l,
	}
	if s.journal != nil {
		s.deps.Journal = s.journal
	}
	if cfg.Relay.URL != "" {
		s.relay = relay.New(relay.Options{URL: cfg.Relay.URL, Buffer: cfg.Relay.Buffer, Logger: l, Metrics: m})
		s.relay.Start(s.ctx)
		s.deps.Relay = s.relay
	}
	l.Info("服务已初始化", "proxy", table.ProxyHost(), "origin", table.OriginHost(), "rules", len(rs))
	return s, nil
}

// DefaultSessionConfig 由全局配置生成会话配置
func (s *Service) DefaultSessionConfig() domain.SessionConfig {
	return domain.SessionConfig{
		DevToolsURL:      s.cfg.DevTools.URL,
		Concurrency:      s.cfg.Session.Concurrency,
		ProcessTimeoutMS: s.cfg.Session.ProcessTimeoutMS,
		Direction:        domain.ParseDirection(s.cfg.Session.Direction),
		Patterns:         s.cfg.Patterns,
	}
}

// StartSession 创建会话并连接 DevTools
func (s *Service) StartSession(cfg domain.SessionConfig) (domain.SessionID, error) {
	if cfg.DevToolsURL == "" {
		cfg.DevToolsURL = s.cfg.DevTools.URL
	}
	id := domain.SessionID(uuid.New().String())
	ss := session.New(id, cfg, cdp.New(cfg.DevToolsURL, s.log.With("sessionID", string(id))))
	s.sessions.Add(ss)
	return id, nil
}

// StopSession 停止拦截并关闭连接
func (s *Service) StopSession(id domain.SessionID) error {
	s.interceptMu.Lock()
	defer s.interceptMu.Unlock()
	ss, ok := s.sessions.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if is := ss.SetInterceptor(nil); is != nil {
		is.Stop()
	}
	return ss.Transport.Close()
}

// AttachTarget 附加目标，target 为空时选择第一个页面
func (s *Service) AttachTarget(id domain.SessionID, target domain.TargetID) (domain.TargetID, error) {
	ss, err := s.get(id)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
	defer cancel()
	return ss.Transport.AttachTarget(ctx, target)
}

// DetachTarget 分离目标
func (s *Service) DetachTarget(id domain.SessionID, target domain.TargetID) error {
	ss, err := s.get(id)
	if err != nil {
		return err
	}
	ss.Transport.DetachTarget(target)
	return nil
}

// ListTargets 列出可附加的页面
func (s *Service) ListTargets(id domain.SessionID) ([]domain.TargetInfo, error) {
	ss, err := s.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
	defer cancel()
	return ss.Transport.ListTargets(ctx)
}

// EnableInterception 启动拦截会话
func (s *Service) EnableInterception(id domain.SessionID) error {
	s.interceptMu.Lock()
	defer s.interceptMu.Unlock()
	ss, err := s.get(id)
	if err != nil {
		return err
	}
	if ss.Interceptor() != nil {
		return nil
	}
	is, err := interceptor.New(ss.Transport, s.deps, interceptor.Options{
		ID:             id,
		Direction:      ss.Config.Direction,
		Patterns:       ss.Config.Patterns,
		Concurrency:    ss.Config.Concurrency,
		ProcessTimeout: time.Duration(ss.Config.ProcessTimeoutMS) * time.Millisecond,
		Events:         ss.Events,
	})
	if err != nil {
		return err
	}
	if err := is.Start(s.ctx); err != nil {
		return err
	}
	ss.SetInterceptor(is)
	return nil
}

// DisableInterception 停止拦截会话并撤销 Fetch，连接保持
func (s *Service) DisableInterception(id domain.SessionID) error {
	s.interceptMu.Lock()
	defer s.interceptMu.Unlock()
	ss, err := s.get(id)
	if err != nil {
		return err
	}
	is := ss.SetInterceptor(nil)
	if is == nil {
		return ErrNotEnabled
	}
	is.Stop()
	return nil
}

// SubscribeEvents 返回会话的网络事件通道
func (s *Service) SubscribeEvents(id domain.SessionID) (<-chan domain.NetworkEvent, error) {
	ss, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return ss.Events, nil
}

// CacheStats 共享缓存统计
func (s *Service) CacheStats() cache.Stats {
	return s.deps.Cache.Stats()
}

// RecentExchanges 最近的交换记录，未启用存储时返回空
func (s *Service) RecentExchanges(ctx context.Context, limit int) ([]storage.ExchangeRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.db.RecentExchanges(ctx, limit)
}

// Close 停止全部会话并释放共享资源
func (s *Service) Close() {
	for _, ss := range s.sessions.List() {
		if err := s.StopSession(ss.ID); err != nil {
			s.log.Err(err, "停止会话失败", "sessionID", string(ss.ID))
		}
	}
	if s.relay != nil {
		s.relay.Close()
	}
	s.cancel()
	if s.journal != nil {
		s.journal.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Err(err, "关闭数据库失败")
		}
	}
}

func (s *Service) get(id domain.SessionID) (*session.Session, error) {
	ss, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ss, nil
}
