package rules

import (
	"regexp"
	"strings"
	"sync"

	"cdpmirror/pkg/domain"
)

// Mode 匹配模式
type Mode string

const (
	ModeGlob   Mode = "glob"
	ModePrefix Mode = "prefix"
	ModeExact  Mode = "exact"
	ModeRegex  Mode = "regex"
)

// Matcher 单个匹配条件
type Matcher struct {
	Mode    Mode
	Pattern string
}

// ParseMatcher 根据模式字符串推断匹配方式：re: 前缀为正则，含 * 或 ? 为通配，否则为精确
func ParseMatcher(pattern string) Matcher {
	switch {
	case strings.HasPrefix(pattern, "re:"):
		return Matcher{Mode: ModeRegex, Pattern: strings.TrimPrefix(pattern, "re:")}
	case strings.ContainsAny(pattern, "*?"):
		return Matcher{Mode: ModeGlob, Pattern: pattern}
	default:
		return Matcher{Mode: ModeExact, Pattern: pattern}
	}
}

// Match 判断 s 是否满足条件
func (m Matcher) Match(s string) bool {
	switch m.Mode {
	case ModePrefix:
		return strings.HasPrefix(s, m.Pattern)
	case ModeExact:
		return s == m.Pattern
	case ModeRegex:
		return matchRegex(s, m.Pattern)
	default:
		return Glob(s, m.Pattern)
	}
}

// Glob 通配匹配：* 匹配任意长度（含 /），? 匹配单个字节，与 CDP urlPattern 语义一致
func Glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			si++
			pi++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star != -1:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// Engine 拦截模式匹配引擎：按 URL 通配 × 资源类型 × 阶段判断事件是否属于本会话
type Engine struct {
	mu       sync.RWMutex
	patterns []domain.Pattern
}

func New(ps []domain.Pattern) *Engine { return &Engine{patterns: ps} }

// Update 替换模式集合
func (e *Engine) Update(ps []domain.Pattern) {
	e.mu.Lock()
	e.patterns = ps
	e.mu.Unlock()
}

// Patterns 返回当前模式副本
func (e *Engine) Patterns() []domain.Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Pattern, len(e.patterns))
	copy(out, e.patterns)
	return out
}

// Eval 判断事件是否命中任一模式
func (e *Engine) Eval(url string, rt domain.ResourceType, stage domain.Stage) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.patterns {
		if p.Stage != "" && p.Stage != stage {
			continue
		}
		if p.ResourceType != "" && p.ResourceType != rt {
			continue
		}
		if p.URLGlob == "" || Glob(url, p.URLGlob) {
			return true
		}
	}
	return false
}

type regexStore struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var regexCache = &regexStore{m: make(map[string]*regexp.Regexp)}

// Get 获取编译后的正则，编译结果按模式缓存
func (c *regexStore) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[pattern] = re
	c.mu.Unlock()
	return re, nil
}

// CompileRegex 供其他包复用同一份正则缓存
func CompileRegex(pattern string) (*regexp.Regexp, error) {
	return regexCache.Get(pattern)
}

func matchRegex(s, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
