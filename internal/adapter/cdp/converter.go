package cdp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"cdpmirror/internal/interceptor"
	"cdpmirror/pkg/domain"
	"cdpmirror/pkg/traffic"
)

// ErrMalformedResponse 组装结果无法解析回状态、头部与正文
var ErrMalformedResponse = errors.New("malformed raw response")

const handleSep = "|"

// MakeHandle 由目标与请求ID组成会话内唯一的句柄
func MakeHandle(target domain.TargetID, id fetch.RequestID) domain.Handle {
	return domain.Handle(string(target) + handleSep + string(id))
}

// SplitHandle 拆分句柄
func SplitHandle(h domain.Handle) (domain.TargetID, fetch.RequestID, bool) {
	t, id, ok := strings.Cut(string(h), handleSep)
	if !ok || id == "" {
		return "", "", false
	}
	return domain.TargetID(t), fetch.RequestID(id), true
}

// ToIntercepted 将 CDP 事件转换为中立的拦截事件
func ToIntercepted(target domain.TargetID, ev *fetch.RequestPausedReply) interceptor.Intercepted {
	out := interceptor.Intercepted{
		Handle:       MakeHandle(target, ev.RequestID),
		Target:       target,
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: domain.ParseResourceType(string(ev.ResourceType)),
		Stage:        domain.StageRequest,
	}
	if ev.ResponseStatusCode != nil || ev.ResponseErrorReason != nil {
		out.Stage = domain.StageResponse
	}
	if ev.ResponseStatusCode != nil {
		out.StatusCode = *ev.ResponseStatusCode
	}
	out.Headers = FromHeaderEntries(ev.ResponseHeaders)
	return out
}

// FromHeaderEntries 保留顺序与重复项
func FromHeaderEntries(entries []fetch.HeaderEntry) traffic.Header {
	h := make(traffic.Header, 0, len(entries))
	for _, e := range entries {
		h.Add(e.Name, e.Value)
	}
	return h
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, f := range h {
		entries = append(entries, fetch.HeaderEntry{Name: f.Name, Value: f.Value})
	}
	return entries
}

// ToRequestPatterns 将拦截模式转换为 Fetch.enable 参数
func ToRequestPatterns(ps []domain.Pattern) []fetch.RequestPattern {
	out := make([]fetch.RequestPattern, 0, len(ps))
	for _, p := range ps {
		glob := p.URLGlob
		if glob == "" {
			glob = "*"
		}
		rp := fetch.RequestPattern{URLPattern: &glob, RequestStage: fetch.RequestStageResponse}
		if p.Stage == domain.StageRequest {
			rp.RequestStage = fetch.RequestStageRequest
		}
		if rt, ok := toResourceType(p.ResourceType); ok {
			rp.ResourceType = &rt
		}
		out = append(out, rp)
	}
	return out
}

// toResourceType other 涵盖 XHR/Fetch 等多种 CDP 类型，不下发过滤，由规则引擎筛选
func toResourceType(rt domain.ResourceType) (network.ResourceType, bool) {
	switch rt {
	case domain.ResourceDocument:
		return network.ResourceTypeDocument, true
	case domain.ResourceScript:
		return network.ResourceTypeScript, true
	}
	return "", false
}

// ParseRaw 将组装好的原始响应拆回状态码、有序头部与正文，
// Content-Length 必须与正文长度一致
func ParseRaw(raw []byte) (int, traffic.Header, []byte, error) {
	head, body, ok := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !ok {
		return 0, nil, nil, fmt.Errorf("%w: missing header separator", ErrMalformedResponse)
	}
	lines := strings.Split(string(head), "\r\n")
	proto, rest, ok := strings.Cut(lines[0], " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, nil, nil, fmt.Errorf("%w: bad status line %q", ErrMalformedResponse, lines[0])
	}
	codeStr, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return 0, nil, nil, fmt.Errorf("%w: bad status code %q", ErrMalformedResponse, codeStr)
	}

	h := make(traffic.Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return 0, nil, nil, fmt.Errorf("%w: bad header line %q", ErrMalformedResponse, line)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n != len(body) {
			return 0, nil, nil, fmt.Errorf("%w: content-length %q for %d bytes", ErrMalformedResponse, cl, len(body))
		}
	}
	return code, h, body, nil
}
