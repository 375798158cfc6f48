package rewrite

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmirror/internal/config"
	"cdpmirror/internal/mapping"
	"cdpmirror/pkg/domain"
	"cdpmirror/pkg/traffic"
)

func newRewriter(t *testing.T, cfgs ...config.HeaderRuleConfig) *Rewriter {
	t.Helper()
	tbl, err := mapping.New(mapping.Options{ProxyHost: "proxy.example", OriginHost: "origin.example"})
	require.NoError(t, err)
	rs, err := RulesFromConfig(cfgs)
	require.NoError(t, err)
	return New(tbl, rs)
}

func TestQuery_RepeatedKeysKeepOrder(t *testing.T) {
	r := newRewriter(t)
	v1 := url.QueryEscape("https://origin.example/a")
	v2 := url.QueryEscape("https://origin.example/b")

	got := r.Query("k="+v1+"&x=1&k="+v2, domain.TowardProxy)

	want := "k=" + url.QueryEscape("https://proxy.example/a") + "&x=1&k=" + url.QueryEscape("https://proxy.example/b")
	assert.Equal(t, want, got)
}

func TestQuery_NoOpCases(t *testing.T) {
	r := newRewriter(t)
	for _, q := range []string{"", "flag", "a=", "a=plain&b=%zz", "a=b+c%20d"} {
		assert.Equal(t, q, r.Query(q, domain.TowardProxy))
	}
}

func TestURL_OnlyQueryTouched(t *testing.T) {
	r := newRewriter(t)
	in := "https://origin.example/p?next=https%3A%2F%2Forigin.example%2F#frag=origin.example"
	got := r.URL(in, domain.TowardProxy)
	assert.Equal(t, "https://origin.example/p?next=https%3A%2F%2Fproxy.example%2F#frag=origin.example", got)
	assert.Equal(t, "https://origin.example/p", r.URL("https://origin.example/p", domain.TowardProxy))
}

func TestPayload_BothDirections(t *testing.T) {
	r := newRewriter(t)
	assert.Equal(t, "a proxy.example b", string(r.Payload([]byte("a origin.example b"), domain.TowardProxy)))
	assert.Equal(t, "a origin.example b", string(r.Payload([]byte("a proxy.example b"), domain.TowardOrigin)))
}

func TestHeaders_ScopedToPaths(t *testing.T) {
	r := newRewriter(t,
		config.HeaderRuleConfig{Path: "/log*", Header: "origin"},
		config.HeaderRuleConfig{Path: "*playlog*", Header: "Referer", Action: "rewrite"},
	)
	h := traffic.Header{
		{Name: "Origin", Value: "https://origin.example"},
		{Name: "Referer", Value: "https://origin.example/page"},
	}

	got := r.Headers("/logging", h, domain.TowardProxy)
	assert.Equal(t, "https://proxy.example", got.Get("Origin"))
	assert.Equal(t, "https://origin.example/page", got.Get("Referer"))

	got = r.Headers("/api/playlog", h, domain.TowardProxy)
	assert.Equal(t, "https://origin.example", got.Get("Origin"))
	assert.Equal(t, "https://proxy.example/page", got.Get("Referer"))

	got = r.Headers("/unrelated", h, domain.TowardProxy)
	assert.Equal(t, h, got)
	// 原列表不被修改
	assert.Equal(t, "https://origin.example", h.Get("Origin"))
}

func TestHeaders_SetSynthesizesRewrittenValue(t *testing.T) {
	r := newRewriter(t, config.HeaderRuleConfig{
		Path: "*", Header: "X-Frame-Options", Action: "set", Value: "ALLOW-FROM https://origin.example",
	})
	got := r.Headers("/", traffic.Header{{Name: "X-Frame-Options", Value: "DENY"}}, domain.TowardProxy)
	assert.Equal(t, []string{"ALLOW-FROM https://proxy.example"}, got.Values("x-frame-options"))
}

func TestHeaders_AbsentHeaderIsNoop(t *testing.T) {
	r := newRewriter(t, config.HeaderRuleConfig{Path: "*", Header: "Origin"})
	h := traffic.Header{{Name: "Content-Type", Value: "text/html"}}
	assert.Equal(t, h, r.Headers("/x", h, domain.TowardProxy))
}

func TestRulesFromConfig_AllowList(t *testing.T) {
	_, err := RulesFromConfig([]config.HeaderRuleConfig{{Path: "*", Header: "Set-Cookie"}})
	assert.Error(t, err)
	_, err = RulesFromConfig([]config.HeaderRuleConfig{{Path: "*", Header: "Origin", Action: "drop"}})
	assert.Error(t, err)
}

func TestTextual(t *testing.T) {
	for _, ct := range []string{"", "text/html; charset=utf-8", "application/javascript", "application/manifest+json", "image/svg+xml", "APPLICATION/JSON"} {
		assert.True(t, Textual(ct), ct)
	}
	for _, ct := range []string{"image/png", "font/woff2", "application/octet-stream", "video/mp4"} {
		assert.False(t, Textual(ct), ct)
	}
}
