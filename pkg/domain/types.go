package domain

import "strings"

type SessionID string
type TargetID string

// Handle 单次拦截事件的不透明句柄，只允许被消费一次
type Handle string

// ResourceType 资源分类，传输层给出的封闭集合
type ResourceType string

const (
	ResourceDocument ResourceType = "document"
	ResourceScript   ResourceType = "script"
	ResourceOther    ResourceType = "other"
)

// ParseResourceType 将传输层资源类型（如 CDP 的 Document/Script/XHR）归类
func ParseResourceType(s string) ResourceType {
	switch strings.ToLower(s) {
	case "document":
		return ResourceDocument
	case "script":
		return ResourceScript
	default:
		return ResourceOther
	}
}

// Direction 改写方向
type Direction int

const (
	TowardProxy Direction = iota
	TowardOrigin
)

func (d Direction) String() string {
	if d == TowardOrigin {
		return "toward_origin"
	}
	return "toward_proxy"
}

// Opposite 反方向，请求阶段使用
func (d Direction) Opposite() Direction {
	if d == TowardOrigin {
		return TowardProxy
	}
	return TowardOrigin
}

// LookupDirection 解析方向字符串，空串视为 toward_proxy，未知值返回 false
func LookupDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "toward_origin", "origin":
		return TowardOrigin, true
	case "toward_proxy", "proxy", "":
		return TowardProxy, true
	}
	return TowardProxy, false
}

// ParseDirection 解析配置中的方向字符串，未知值按 toward_proxy 处理；配置加载时已校验
func ParseDirection(s string) Direction {
	d, _ := LookupDirection(s)
	return d
}

// Stage 拦截阶段
type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
)

// Pattern 拦截注册模式：URL 通配 × 资源类型 × 阶段
type Pattern struct {
	URLGlob      string       `json:"urlGlob" yaml:"url"`
	ResourceType ResourceType `json:"resourceType" yaml:"resource_type"`
	Stage        Stage        `json:"stage" yaml:"stage"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	DevToolsURL      string    `json:"devToolsURL"`
	Concurrency      int       `json:"concurrency"`
	ProcessTimeoutMS int       `json:"processTimeoutMS"`
	Direction        Direction `json:"direction"`
	Patterns         []Pattern `json:"patterns"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
}

// NetworkEvent 单次交换处理完成后向上层发送的事件
type NetworkEvent struct {
	Session      SessionID    `json:"session"`
	Target       TargetID     `json:"target"`
	Timestamp    int64        `json:"timestamp"`
	URL          string       `json:"url"`
	ResourceType ResourceType `json:"resourceType"`
	Stage        Stage        `json:"stage"`
	StatusCode   int          `json:"statusCode"`
	FinalResult  string       `json:"finalResult"` // rewritten, passed, failed, degraded, abandoned
	BytesIn      int          `json:"bytesIn"`
	BytesOut     int          `json:"bytesOut"`
	Error        string       `json:"error,omitempty"`
}
