package rewrite

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"cdpmirror/internal/config"
	"cdpmirror/internal/mapping"
	"cdpmirror/internal/rules"
	"cdpmirror/pkg/domain"
	"cdpmirror/pkg/traffic"
)

const (
	ActionRewrite = "rewrite"
	ActionSet     = "set"
)

// allowedHeaders 允许被补丁规则触及的响应头
var allowedHeaders = map[string]struct{}{
	"Origin":          {},
	"Referer":         {},
	"X-Frame-Options": {},
}

// HeaderRule 按路径匹配的头部补丁规则
type HeaderRule struct {
	Path   rules.Matcher
	Header string
	Action string
	Value  string // set 动作的源站字面量，写入前改写为代理形式
}

// RulesFromConfig 将配置转换为规则表，头部不在允许列表内时报错
func RulesFromConfig(cfgs []config.HeaderRuleConfig) ([]HeaderRule, error) {
	out := make([]HeaderRule, 0, len(cfgs))
	for i, c := range cfgs {
		name := http.CanonicalHeaderKey(strings.TrimSpace(c.Header))
		if _, ok := allowedHeaders[name]; !ok {
			return nil, fmt.Errorf("header_rules[%d]: header %q not allowed", i, c.Header)
		}
		action := strings.ToLower(strings.TrimSpace(c.Action))
		if action == "" {
			action = ActionRewrite
		}
		if action != ActionRewrite && action != ActionSet {
			return nil, fmt.Errorf("header_rules[%d]: unknown action %q", i, c.Action)
		}
		out = append(out, HeaderRule{
			Path:   rules.ParseMatcher(c.Path),
			Header: name,
			Action: action,
			Value:  c.Value,
		})
	}
	return out, nil
}

// Textual 判断 Content-Type 是否为可安全做字节替换的文本内容；缺失时按文本处理
func Textual(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	ct = strings.ToLower(strings.TrimSpace(ct))
	switch {
	case ct == "":
		return true
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.HasSuffix(ct, "+json"), strings.HasSuffix(ct, "+xml"):
		return true
	}
	switch ct {
	case "application/javascript", "application/x-javascript", "application/ecmascript",
		"application/json", "application/xml", "application/x-www-form-urlencoded":
		return true
	}
	return false
}

// Rewriter 在载荷、查询参数与头部三种形态上应用同一映射表
type Rewriter struct {
	table *mapping.Table
	rules []HeaderRule
}

func New(table *mapping.Table, rs []HeaderRule) *Rewriter {
	return &Rewriter{table: table, rules: rs}
}

// Table 返回底层映射表
func (r *Rewriter) Table() *mapping.Table { return r.table }

// Payload 改写完整载荷
func (r *Rewriter) Payload(b []byte, dir domain.Direction) []byte {
	return r.table.Apply(b, dir)
}

// URL 仅改写 URL 的查询部分，其余字节保持不变
func (r *Rewriter) URL(raw string, dir domain.Direction) string {
	q := strings.IndexByte(raw, '?')
	if q < 0 {
		return raw
	}
	rest := raw[q+1:]
	frag := ""
	if h := strings.IndexByte(rest, '#'); h >= 0 {
		frag = rest[h:]
		rest = rest[:h]
	}
	return raw[:q+1] + r.Query(rest, dir) + frag
}

// Query 逐个改写查询值：多值键的每次出现独立改写并保持顺序；
// 未变化或无法解码的值保留原始编码
func (r *Rewriter) Query(raw string, dir domain.Direction) string {
	if raw == "" {
		return raw
	}
	parts := strings.Split(raw, "&")
	for i, p := range parts {
		k, v, ok := strings.Cut(p, "=")
		if !ok || v == "" {
			continue
		}
		dv, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		nv := r.table.ApplyString(dv, dir)
		if nv == dv {
			continue
		}
		parts[i] = k + "=" + url.QueryEscape(nv)
	}
	return strings.Join(parts, "&")
}

// MatchRules 返回路径命中的规则，每个响应只求值一次
func (r *Rewriter) MatchRules(path string) []HeaderRule {
	var out []HeaderRule
	for _, rule := range r.rules {
		if rule.Path.Match(path) {
			out = append(out, rule)
		}
	}
	return out
}

// Headers 对路径命中的规则执行头部补丁，返回新的头部列表，原列表不变
func (r *Rewriter) Headers(path string, h traffic.Header, dir domain.Direction) traffic.Header {
	matched := r.MatchRules(path)
	if len(matched) == 0 {
		return h
	}
	out := h.Clone()
	for _, rule := range matched {
		switch rule.Action {
		case ActionSet:
			out.Set(rule.Header, r.table.ApplyString(rule.Value, domain.TowardProxy))
		default:
			for i := range out {
				if strings.EqualFold(out[i].Name, rule.Header) {
					out[i].Value = r.table.ApplyString(out[i].Value, dir)
				}
			}
		}
	}
	return out
}
