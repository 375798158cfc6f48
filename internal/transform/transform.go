package transform

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja/parser"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"cdpmirror/internal/config"
	"cdpmirror/internal/rules"
	"cdpmirror/pkg/domain"
)

// ErrTransform 转换失败，调用方应回退到原始内容
var ErrTransform = errors.New("transform failed")

const (
	StepValidate  = "validate"
	StepReplace   = "replace"
	StepRegex     = "regex"
	StepJSONPatch = "json_patch"
)

type step struct {
	kind    string
	search  []byte
	replace []byte
	all     bool
	re      *regexp.Regexp
	path    string
	op      string
	value   any
}

// Transformer 按资源类型执行的纯函数式内容转换，仅处理 script
type Transformer struct {
	steps       []step
	fingerprint string
}

// New 编译转换步骤，未知步骤类型或非法正则直接报错
func New(cfg config.TransformConfig) (*Transformer, error) {
	t := &Transformer{}
	for i, sc := range cfg.Steps {
		s := step{kind: strings.ToLower(sc.Type)}
		switch s.kind {
		case StepValidate:
		case StepReplace:
			if sc.Search == "" {
				return nil, fmt.Errorf("step %d: replace without search", i)
			}
			s.search = []byte(sc.Search)
			s.replace = []byte(sc.Replace)
			s.all = sc.All
		case StepRegex:
			re, err := rules.CompileRegex(sc.Search)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			s.re = re
			s.replace = []byte(sc.Replace)
		case StepJSONPatch:
			s.path = toJSONPath(sc.Path)
			s.op = strings.ToLower(sc.Op)
			s.value = sc.Value
			if s.path == "" {
				return nil, fmt.Errorf("step %d: json_patch without path", i)
			}
			if s.op != "set" && s.op != "delete" {
				return nil, fmt.Errorf("step %d: unknown json_patch op %q", i, sc.Op)
			}
		default:
			return nil, fmt.Errorf("step %d: unknown type %q", i, sc.Type)
		}
		t.steps = append(t.steps, s)
	}
	t.fingerprint = fingerprint(cfg.Steps)
	return t, nil
}

// Fingerprint 步骤列表的摘要；步骤变化后缓存键随之变化
func (t *Transformer) Fingerprint() string { return t.fingerprint }

func fingerprint(steps []config.StepConfig) string {
	h := sha256.New()
	for _, sc := range steps {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%t\x00%s\x00%s\x00%v\x01",
			strings.ToLower(sc.Type), sc.Search, sc.Replace, sc.All, sc.Path, strings.ToLower(sc.Op), sc.Value)
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Applies 该资源类型是否需要转换
func (t *Transformer) Applies(rt domain.ResourceType) bool {
	return rt == domain.ResourceScript
}

// Transform 对 script 执行全部步骤；其他类型原样返回。
// 任何步骤失败（包括 panic）都返回 ErrTransform
func (t *Transformer) Transform(body []byte, rt domain.ResourceType) (out []byte, err error) {
	if !t.Applies(rt) || len(t.steps) == 0 {
		return body, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: panic: %v", ErrTransform, r)
		}
	}()

	cur := body
	for _, s := range t.steps {
		cur, err = s.apply(cur)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTransform, s.kind, err)
		}
	}
	return cur, nil
}

func (s step) apply(body []byte) ([]byte, error) {
	switch s.kind {
	case StepValidate:
		if _, err := parser.ParseFile(nil, "", body, 0); err != nil {
			return nil, err
		}
		return body, nil
	case StepReplace:
		if s.all {
			return bytes.ReplaceAll(body, s.search, s.replace), nil
		}
		return bytes.Replace(body, s.search, s.replace, 1), nil
	case StepRegex:
		return s.re.ReplaceAll(body, s.replace), nil
	case StepJSONPatch:
		if !gjson.ValidBytes(body) {
			return nil, errors.New("body is not valid JSON")
		}
		if s.op == "delete" {
			return sjson.DeleteBytes(body, s.path)
		}
		return sjson.SetBytes(body, s.path, s.value)
	}
	return body, nil
}

// toJSONPath 将 JSON Pointer 形式 (/a/b) 转为 sjson 路径 (a.b)
func toJSONPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return p
	}
	p = strings.TrimPrefix(p, "/")
	return strings.ReplaceAll(p, "/", ".")
}
