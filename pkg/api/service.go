package api

import (
	"context"

	"cdpmirror/internal/cache"
	"cdpmirror/internal/config"
	"cdpmirror/internal/logger"
	"cdpmirror/internal/service"
	"cdpmirror/internal/storage"
	"cdpmirror/pkg/domain"
)

// Service 服务接口
type Service interface {
	// DefaultSessionConfig 由全局配置生成会话配置
	DefaultSessionConfig() domain.SessionConfig

	// StartSession 启动会话
	StartSession(cfg domain.SessionConfig) (domain.SessionID, error)

	// StopSession 停止会话
	StopSession(id domain.SessionID) error

	// AttachTarget 附加目标，返回实际附加的目标ID
	AttachTarget(id domain.SessionID, target domain.TargetID) (domain.TargetID, error)

	// DetachTarget 分离目标
	DetachTarget(id domain.SessionID, target domain.TargetID) error

	// ListTargets 列出目标
	ListTargets(id domain.SessionID) ([]domain.TargetInfo, error)

	// EnableInterception 启用拦截
	EnableInterception(id domain.SessionID) error

	// DisableInterception 禁用拦截
	DisableInterception(id domain.SessionID) error

	// SubscribeEvents 订阅事件
	SubscribeEvents(id domain.SessionID) (<-chan domain.NetworkEvent, error)

	// CacheStats 共享缓存统计
	CacheStats() cache.Stats

	// RecentExchanges 最近的交换记录
	RecentExchanges(ctx context.Context, limit int) ([]storage.ExchangeRecord, error)

	// Close 释放全部资源
	Close()
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	svc, err := service.New(cfg, l)
	if err != nil {
		return nil, err
	}
	return svc, nil
}
