package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"cdpmirror/pkg/domain"
)

// ErrInvalid 配置校验失败
var ErrInvalid = errors.New("invalid config")

// EnvPrefix 环境变量覆盖前缀，如 CDPMIRROR_LOG_LEVEL
const EnvPrefix = "cdpmirror"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" ignored:"true"`

	DevTools DevToolsConfig `yaml:"devtools"`
	Sqlite   SqliteConfig   `yaml:"sqlite"`
	Log      LogConfig      `yaml:"log"`
	Mapping  MappingConfig  `yaml:"mapping"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Relay    RelayConfig    `yaml:"relay"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	HeaderRules []HeaderRuleConfig `yaml:"header_rules" ignored:"true"`
	Patterns    []domain.Pattern   `yaml:"patterns" ignored:"true"`
	Transform   TransformConfig    `yaml:"transform" ignored:"true"`
}

type DevToolsConfig struct {
	URL    string `yaml:"url" envconfig:"url"`
	Target string `yaml:"target" envconfig:"target"`
}

type SqliteConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"enabled"`
	Dsn     string `yaml:"dsn" envconfig:"dsn"`
	Prefix  string `yaml:"prefix" envconfig:"prefix"`
	Journal bool   `yaml:"journal" envconfig:"journal"`
}

type LogConfig struct {
	Level  string   `yaml:"level" envconfig:"level"`
	Writer []string `yaml:"writer" envconfig:"writer"`
	File   string   `yaml:"file" envconfig:"file"`
}

// MappingConfig 代理域名与源站域名的映射
type MappingConfig struct {
	Proxy  string        `yaml:"proxy" envconfig:"proxy"`
	Origin string        `yaml:"origin" envconfig:"origin"`
	Scheme string        `yaml:"scheme" envconfig:"scheme"`
	Tokens []TokenConfig `yaml:"tokens" ignored:"true"`
}

// TokenConfig 额外的编码字面量，Origin/Proxy 为 base64
type TokenConfig struct {
	Name   string `yaml:"name"`
	Origin string `yaml:"origin"`
	Proxy  string `yaml:"proxy"`
}

// HeaderRuleConfig 按路径匹配的响应头补丁规则
type HeaderRuleConfig struct {
	Path   string `yaml:"path"`
	Header string `yaml:"header"`
	Action string `yaml:"action"` // rewrite, set
	Value  string `yaml:"value"`
}

type SessionConfig struct {
	Direction        string `yaml:"direction" envconfig:"direction"`
	Concurrency      int    `yaml:"concurrency" envconfig:"concurrency"`
	ProcessTimeoutMS int    `yaml:"process_timeout_ms" envconfig:"process_timeout_ms"`
}

type CacheConfig struct {
	MaxEntries int  `yaml:"max_entries" envconfig:"max_entries"`
	Persist    bool `yaml:"persist" envconfig:"persist"`
}

type RelayConfig struct {
	URL    string `yaml:"url" envconfig:"url"`
	Buffer int    `yaml:"buffer" envconfig:"buffer"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen" envconfig:"listen"`
}

// TransformConfig 内容转换步骤
type TransformConfig struct {
	Steps []StepConfig `yaml:"steps"`
}

type StepConfig struct {
	Type    string `yaml:"type"` // validate, replace, regex, json_patch
	Search  string `yaml:"search"`
	Replace string `yaml:"replace"`
	All     bool   `yaml:"all"`
	Path    string `yaml:"path"`
	Op      string `yaml:"op"` // set, delete
	Value   any    `yaml:"value"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		DevTools: DevToolsConfig{
			URL: "http://127.0.0.1:9222",
		},
		Sqlite: SqliteConfig{
			Dsn:    "db.sqlite3",
			Prefix: "cdpmirror_",
		},
		Log: LogConfig{
			Level:  "debug",
			Writer: []string{"console", "file"},
			File:   "logs/cdpmirror.log",
		},
		Mapping: MappingConfig{
			Scheme: "https",
		},
		Session: SessionConfig{
			Direction:        "toward_proxy",
			ProcessTimeoutMS: 5000,
		},
		Relay: RelayConfig{
			Buffer: 256,
		},
		HeaderRules: []HeaderRuleConfig{
			{Path: "/log*", Header: "Origin", Action: "rewrite"},
			{Path: "/log*", Header: "Referer", Action: "rewrite"},
			{Path: "*playlog*", Header: "Origin", Action: "rewrite"},
			{Path: "*playlog*", Header: "Referer", Action: "rewrite"},
		},
		Patterns: []domain.Pattern{
			{URLGlob: "*", ResourceType: domain.ResourceScript, Stage: domain.StageResponse},
			{URLGlob: "*", ResourceType: domain.ResourceDocument, Stage: domain.StageResponse},
		},
	}
}

// Load 读取配置并做完整校验
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read 读取 YAML 配置文件并叠加环境变量覆盖，不做校验；path 为空时只使用默认值与环境变量
func Read(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env override: %w", err)
	}
	return cfg, nil
}

// ValidateStorage 只校验 sqlite 部分，供仅读取记录的命令使用
func (c *Config) ValidateStorage() error {
	if strings.TrimSpace(c.Sqlite.Dsn) == "" {
		return fmt.Errorf("%w: sqlite.dsn is required", ErrInvalid)
	}
	return nil
}

// Validate 校验必填项与枚举值
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Mapping.Proxy) == "" || strings.TrimSpace(c.Mapping.Origin) == "" {
		return fmt.Errorf("%w: mapping.proxy and mapping.origin are required", ErrInvalid)
	}
	if strings.EqualFold(c.Mapping.Proxy, c.Mapping.Origin) {
		return fmt.Errorf("%w: mapping.proxy equals mapping.origin", ErrInvalid)
	}
	if _, ok := domain.LookupDirection(c.Session.Direction); !ok {
		return fmt.Errorf("%w: unknown session.direction %q", ErrInvalid, c.Session.Direction)
	}
	for i, r := range c.HeaderRules {
		switch strings.ToLower(r.Action) {
		case "rewrite", "":
		case "set":
			if r.Value == "" {
				return fmt.Errorf("%w: header_rules[%d] set without value", ErrInvalid, i)
			}
		default:
			return fmt.Errorf("%w: header_rules[%d] unknown action %q", ErrInvalid, i, r.Action)
		}
	}
	for i, p := range c.Patterns {
		switch p.Stage {
		case domain.StageRequest, domain.StageResponse, "":
		default:
			return fmt.Errorf("%w: patterns[%d] unknown stage %q", ErrInvalid, i, p.Stage)
		}
	}
	if c.Session.Concurrency < 0 || c.Cache.MaxEntries < 0 {
		return fmt.Errorf("%w: negative concurrency or cache size", ErrInvalid)
	}
	return nil
}
