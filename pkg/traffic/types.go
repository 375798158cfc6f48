package traffic

import "strings"

// Field 单个头部字段，保留原始大小写
type Field struct {
	Name  string
	Value string
}

// Header 有序、大小写不敏感、允许重复的头部列表
type Header []Field

// Get 获取第一个匹配的值（大小写不敏感）
func (h Header) Get(key string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, key) {
			return f.Value
		}
	}
	return ""
}

// Has 是否存在指定头部
func (h Header) Has(key string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, key) {
			return true
		}
	}
	return false
}

// Values 返回全部匹配的值，按出现顺序
func (h Header) Values(key string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, key) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set 覆盖指定头部：保留第一次出现的位置，删除其余重复项
func (h *Header) Set(key, value string) {
	out := (*h)[:0]
	done := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, key) {
			if done {
				continue
			}
			f.Value = value
			done = true
		}
		out = append(out, f)
	}
	if !done {
		out = append(out, Field{Name: key, Value: value})
	}
	*h = out
}

// Add 追加一个头部字段
func (h *Header) Add(key, value string) {
	*h = append(*h, Field{Name: key, Value: value})
}

// Del 删除指定头部的全部出现
func (h *Header) Del(key string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, key) {
			out = append(out, f)
		}
	}
	*h = out
}

// Clone 深拷贝
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// Map 折叠为小写键的 map，重复值取最后一个
func (h Header) Map() map[string]string {
	out := make(map[string]string, len(h))
	for _, f := range h {
		out[strings.ToLower(f.Name)] = f.Value
	}
	return out
}
