package assemble

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cdpmirror/pkg/traffic"
)

// dropped 正文改写后失效的头部
var dropped = []string{
	"Content-Encoding",
	"Transfer-Encoding",
	"Content-Md5",
	"Etag",
	"Content-Length",
}

// repeatable 允许多行出现的头部，其余头部后写覆盖先写
var repeatable = map[string]struct{}{
	"Set-Cookie": {},
	"Link":       {},
	"Vary":       {},
}

// Response 组装完成的原始响应
type Response struct {
	Status  int
	Headers traffic.Header
	Body    []byte
	raw     []byte
}

// Raw 返回完整的线上格式字节
func (r *Response) Raw() []byte { return r.raw }

// Envelope 返回原始字节的 base64 形式
func (r *Response) Envelope() string {
	return base64.StdEncoding.EncodeToString(r.raw)
}

// Assembler 将状态码、头部与正文组装为 HTTP/1.1 原始响应
type Assembler struct {
	now func() time.Time
}

func New() *Assembler {
	return &Assembler{now: time.Now}
}

// NewWithClock 使用指定时钟，便于测试
func NewWithClock(now func() time.Time) *Assembler {
	return &Assembler{now: now}
}

// Build 组装响应；Content-Length 总是按最终正文重新计算
func (a *Assembler) Build(status int, headers traffic.Header, body []byte) *Response {
	if status <= 0 {
		status = http.StatusOK
	}
	// 缺少 Content-Type 时不补默认值，交由浏览器嗅探
	h := Normalize(headers)
	h.Set("Date", a.now().UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "no-cache")
	h.Set("Content-Length", strconv.Itoa(len(body)))

	var buf bytes.Buffer
	buf.Grow(len(body) + 64*len(h) + 32)
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(status))
	if reason := http.StatusText(status); reason != "" {
		buf.WriteByte(' ')
		buf.WriteString(reason)
	}
	buf.WriteString("\r\n")
	for _, f := range h {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	return &Response{Status: status, Headers: h, Body: body, raw: buf.Bytes()}
}

// Normalize 去掉失效头部、合并单值头部并剔除含换行的非法值，原列表不变
func Normalize(headers traffic.Header) traffic.Header {
	out := make(traffic.Header, 0, len(headers)+3)
	for _, f := range headers {
		name := http.CanonicalHeaderKey(strings.TrimSpace(f.Name))
		if name == "" || strings.ContainsAny(f.Value, "\r\n") || isDropped(name) {
			continue
		}
		if _, ok := repeatable[name]; ok {
			out.Add(name, f.Value)
			continue
		}
		out.Set(name, f.Value)
	}
	return out
}

func isDropped(name string) bool {
	for _, d := range dropped {
		if name == d {
			return true
		}
	}
	return false
}
