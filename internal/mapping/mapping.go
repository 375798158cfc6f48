package mapping

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"cdpmirror/internal/config"
	"cdpmirror/pkg/domain"
)

// ErrInvalidToken 令牌表中存在非法条目
var ErrInvalidToken = errors.New("invalid mapping token")

// Token 同一主机在载荷中的一种字面表示及其替换形式
type Token struct {
	Name   string
	Origin []byte
	Proxy  []byte
}

// Options 映射表构建参数
type Options struct {
	ProxyHost  string
	OriginHost string
	Scheme     string // 默认 https
	Extra      []Token
}

// Table 代理域名与源站域名之间的双向映射
type Table struct {
	proxyHost  string
	originHost string
	scheme     string
	tokens     []Token

	toProxy  *strings.Replacer
	toOrigin *strings.Replacer
}

// New 构建映射表：明文主机、origin 三元组及其已知编码形式，外加配置中的显式字面量
func New(opts Options) (*Table, error) {
	proxy := strings.TrimSpace(opts.ProxyHost)
	origin := strings.TrimSpace(opts.OriginHost)
	if proxy == "" || origin == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidToken)
	}
	if proxy == origin {
		return nil, fmt.Errorf("%w: proxy and origin hosts are identical", ErrInvalidToken)
	}
	scheme := strings.ToLower(strings.TrimSpace(opts.Scheme))
	if scheme == "" {
		scheme = "https"
	}

	t := &Table{proxyHost: proxy, originHost: origin, scheme: scheme}
	t.tokens = append(t.tokens, derivedTokens(scheme, origin, proxy)...)
	for _, tok := range opts.Extra {
		if len(tok.Origin) == 0 || len(tok.Proxy) == 0 || bytes.Equal(tok.Origin, tok.Proxy) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidToken, tok.Name)
		}
		t.tokens = append(t.tokens, tok)
	}

	// 同一位置上优先匹配更长的字面量
	sort.SliceStable(t.tokens, func(i, j int) bool {
		return len(t.tokens[i].Origin) > len(t.tokens[j].Origin)
	})
	t.toProxy = buildReplacer(t.tokens, false)

	sort.SliceStable(t.tokens, func(i, j int) bool {
		return len(t.tokens[i].Proxy) > len(t.tokens[j].Proxy)
	})
	t.toOrigin = buildReplacer(t.tokens, true)
	return t, nil
}

// FromConfig 从配置构建映射表，显式令牌以 base64 给出
func FromConfig(c config.MappingConfig) (*Table, error) {
	extra := make([]Token, 0, len(c.Tokens))
	for _, tc := range c.Tokens {
		o, err := base64.StdEncoding.DecodeString(tc.Origin)
		if err != nil {
			return nil, fmt.Errorf("%w: %s origin: %v", ErrInvalidToken, tc.Name, err)
		}
		p, err := base64.StdEncoding.DecodeString(tc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("%w: %s proxy: %v", ErrInvalidToken, tc.Name, err)
		}
		extra = append(extra, Token{Name: tc.Name, Origin: o, Proxy: p})
	}
	return New(Options{ProxyHost: c.Proxy, OriginHost: c.Origin, Scheme: c.Scheme, Extra: extra})
}

func derivedTokens(scheme, origin, proxy string) []Token {
	oURL := scheme + "://" + origin
	pURL := scheme + "://" + proxy
	oTriple := withPort(scheme, origin)
	pTriple := withPort(scheme, proxy)

	toks := []Token{
		{Name: "plain", Origin: []byte(origin), Proxy: []byte(proxy)},
		{Name: "json_escaped", Origin: []byte(strings.ReplaceAll(oURL, "/", `\/`)), Proxy: []byte(strings.ReplaceAll(pURL, "/", `\/`))},
		{Name: "percent_encoded", Origin: []byte(url.QueryEscape(oURL)), Proxy: []byte(url.QueryEscape(pURL))},
		{Name: "length_prefixed", Origin: lengthPrefixed(oTriple), Proxy: lengthPrefixed(pTriple)},
	}
	return toks
}

// withPort 返回 scheme://host:port，主机已带端口时原样保留
func withPort(scheme, host string) string {
	if strings.Contains(host, ":") {
		return scheme + "://" + host
	}
	port := "443"
	if scheme == "http" || scheme == "ws" {
		port = "80"
	}
	return scheme + "://" + host + ":" + port
}

// lengthPrefixed 以 varint 长度前缀编码字符串（protobuf string 字段形式）
func lengthPrefixed(s string) []byte {
	b := binary.AppendUvarint(nil, uint64(len(s)))
	return append(b, s...)
}

func buildReplacer(tokens []Token, reverse bool) *strings.Replacer {
	pairs := make([]string, 0, len(tokens)*2)
	for _, tok := range tokens {
		if reverse {
			pairs = append(pairs, string(tok.Proxy), string(tok.Origin))
		} else {
			pairs = append(pairs, string(tok.Origin), string(tok.Proxy))
		}
	}
	return strings.NewReplacer(pairs...)
}

// ToProxy 将源站表示替换为代理表示
func (t *Table) ToProxy(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return []byte(t.toProxy.Replace(string(b)))
}

// ToOrigin 将代理表示替换回源站表示
func (t *Table) ToOrigin(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return []byte(t.toOrigin.Replace(string(b)))
}

// Apply 按方向替换
func (t *Table) Apply(b []byte, dir domain.Direction) []byte {
	if dir == domain.TowardOrigin {
		return t.ToOrigin(b)
	}
	return t.ToProxy(b)
}

// ApplyString 字符串版本
func (t *Table) ApplyString(s string, dir domain.Direction) string {
	if dir == domain.TowardOrigin {
		return t.toOrigin.Replace(s)
	}
	return t.toProxy.Replace(s)
}

func (t *Table) ProxyHost() string  { return t.proxyHost }
func (t *Table) OriginHost() string { return t.originHost }
func (t *Table) Scheme() string     { return t.scheme }

// OriginURL 源站根地址
func (t *Table) OriginURL() string { return t.scheme + "://" + t.originHost }

// Tokens 返回令牌表副本
func (t *Table) Tokens() []Token {
	out := make([]Token, len(t.tokens))
	copy(out, t.tokens)
	return out
}
