package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapter "cdpmirror/internal/adapter/cdp"
	"cdpmirror/internal/assemble"
	"cdpmirror/pkg/domain"
	"cdpmirror/pkg/traffic"
)

const targetList = `[
 {"id":"P1","type":"page","title":"Home","url":"https://proxy.example/","webSocketDebuggerUrl":"ws://127.0.0.1:1/devtools/page/P1"},
 {"id":"W1","type":"service_worker","title":"sw","url":"https://proxy.example/sw.js","webSocketDebuggerUrl":"ws://127.0.0.1:1/devtools/page/W1"}
]`

func newDevTools(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(targetList))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_ListTargetsOnlyPages(t *testing.T) {
	m := New(newDevTools(t).URL, nil)
	defer m.Close()

	got, err := m.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TargetID("P1"), got[0].ID)
	assert.Equal(t, "Home", got[0].Title)
	assert.False(t, got[0].IsCurrent)
}

func TestManager_AttachUnknownTarget(t *testing.T) {
	m := New(newDevTools(t).URL, nil)
	defer m.Close()

	_, err := m.AttachTarget(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestManager_UnattachedHandle(t *testing.T) {
	m := New("http://127.0.0.1:1", nil)
	defer m.Close()
	ctx := context.Background()

	_, _, err := m.FetchBody(ctx, "P1|r1")
	assert.ErrorIs(t, err, ErrNotAttached)
	assert.ErrorIs(t, m.Resume(ctx, "P1|r1", nil), ErrNotAttached)
	assert.ErrorIs(t, m.ContinueRequest(ctx, "bad-handle", ""), ErrNotAttached)
	assert.ErrorIs(t, m.Abort(ctx, "P1|r1"), ErrNotAttached)
}

func TestManager_EnableWithoutTargets(t *testing.T) {
	m := New("http://127.0.0.1:1", nil)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.EnableNetworkObservation(ctx))
	require.NoError(t, m.SetInterception(ctx, []domain.Pattern{{URLGlob: "*"}}))
	assert.NotNil(t, m.Events())
}

type rpcCall struct {
	method string
	params json.RawMessage
}

// fakeBrowser 提供 /json/list 与单个页面的 DevTools websocket
type fakeBrowser struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []rpcCall
	conn  *websocket.Conn

	writeMu sync.Mutex
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	b := &fakeBrowser{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/devtools/") {
			b.serve(up, w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"id":"P1","type":"page","title":"Home","url":"https://proxy.example/","webSocketDebuggerUrl":"ws://%s/devtools/page/P1"}]`, r.Host)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBrowser) serve(up websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	for {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		b.mu.Lock()
		b.calls = append(b.calls, rpcCall{method: req.Method, params: req.Params})
		b.mu.Unlock()

		result := `{}`
		if req.Method == "Fetch.getResponseBody" {
			result = `{"body":"aGVsbG8=","base64Encoded":true}`
		}
		b.write(fmt.Sprintf(`{"id":%d,"result":%s}`, req.ID, result))
	}
}

func (b *fakeBrowser) write(msg string) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// pause 推送一个响应阶段的 Fetch.requestPaused 事件
func (b *fakeBrowser) pause(id string) {
	b.write(`{"method":"Fetch.requestPaused","params":{"requestId":"` + id + `",` +
		`"request":{"url":"https://origin.example/a.js","method":"GET","headers":{}},` +
		`"frameId":"F1","resourceType":"Script","responseStatusCode":200,` +
		`"responseHeaders":[{"name":"Content-Type","value":"application/javascript"}]}}`)
}

func (b *fakeBrowser) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.method
	}
	return out
}

func (b *fakeBrowser) count(method string) int {
	n := 0
	for _, m := range b.methods() {
		if m == method {
			n++
		}
	}
	return n
}

func (b *fakeBrowser) params(method string) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []json.RawMessage
	for _, c := range b.calls {
		if c.method == method {
			out = append(out, c.params)
		}
	}
	return out
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

var scriptPatterns = []domain.Pattern{{URLGlob: "*", ResourceType: domain.ResourceScript, Stage: domain.StageResponse}}

func TestManager_RepeatedSetInterceptionDeliversOnce(t *testing.T) {
	b := newFakeBrowser(t)
	m := New(b.srv.URL, nil)
	defer m.Close()
	ctx := context.Background()

	id, err := m.AttachTarget(ctx, "")
	require.NoError(t, err)
	require.Equal(t, domain.TargetID("P1"), id)
	require.NoError(t, m.SetInterception(ctx, scriptPatterns))
	require.NoError(t, m.SetInterception(ctx, scriptPatterns))
	assert.Equal(t, 2, b.count("Fetch.enable"))

	var args fetch.EnableArgs
	require.NoError(t, json.Unmarshal(b.params("Fetch.enable")[1], &args))
	require.Len(t, args.Patterns, 1)
	require.NotNil(t, args.Patterns[0].ResourceType)
	assert.Equal(t, network.ResourceTypeScript, *args.Patterns[0].ResourceType)
	assert.Equal(t, fetch.RequestStageResponse, args.Patterns[0].RequestStage)

	b.pause("r1")
	select {
	case ev := <-m.Events():
		assert.Equal(t, adapter.MakeHandle("P1", "r1"), ev.Handle)
		assert.Equal(t, domain.StageResponse, ev.Stage)
		assert.Equal(t, domain.ResourceScript, ev.ResourceType)
	case <-time.After(2 * time.Second):
		t.Fatal("paused request not delivered")
	}
	select {
	case ev := <-m.Events():
		t.Fatalf("paused request delivered again: %s", ev.Handle)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_DisableReleasesQueuedAndStopsFetch(t *testing.T) {
	b := newFakeBrowser(t)
	m := New(b.srv.URL, nil)
	defer m.Close()
	ctx := context.Background()

	// 先安装模式再附加，附加时补齐 Fetch.enable
	require.NoError(t, m.SetInterception(ctx, scriptPatterns))
	_, err := m.AttachTarget(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, b.count("Fetch.enable"))

	b.pause("r2")
	require.Eventually(t, func() bool { return len(m.events) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.DisableInterception(ctx))
	methods := b.methods()
	assert.Equal(t, 1, b.count("Fetch.disable"))
	require.Equal(t, 1, b.count("Fetch.continueResponse"))
	assert.Less(t, indexOf(methods, "Fetch.continueResponse"), indexOf(methods, "Fetch.disable"))

	var cont fetch.ContinueResponseArgs
	require.NoError(t, json.Unmarshal(b.params("Fetch.continueResponse")[0], &cont))
	assert.Equal(t, fetch.RequestID("r2"), cont.RequestID)

	b.pause("r3")
	select {
	case ev := <-m.Events():
		t.Fatalf("event delivered after disable: %s", ev.Handle)
	case <-time.After(200 * time.Millisecond):
	}

	// 重新启用后仍只有一个消费者
	require.NoError(t, m.SetInterception(ctx, scriptPatterns))
	b.pause("r4")
	select {
	case ev := <-m.Events():
		assert.Equal(t, adapter.MakeHandle("P1", "r4"), ev.Handle)
	case <-time.After(2 * time.Second):
		t.Fatal("paused request not delivered after re-enable")
	}
	select {
	case ev := <-m.Events():
		t.Fatalf("paused request delivered again: %s", ev.Handle)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_FetchBodyAndFulfill(t *testing.T) {
	b := newFakeBrowser(t)
	m := New(b.srv.URL, nil)
	defer m.Close()
	ctx := context.Background()

	_, err := m.AttachTarget(ctx, "")
	require.NoError(t, err)
	h := adapter.MakeHandle("P1", "r9")

	body, b64, err := m.FetchBody(ctx, h)
	require.NoError(t, err)
	assert.True(t, b64)
	assert.Equal(t, "aGVsbG8=", string(body))

	resp := assemble.New().Build(201, traffic.Header{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
	}, []byte("proxy.example"))
	require.NoError(t, m.Resume(ctx, h, resp.Raw()))

	var args fetch.FulfillRequestArgs
	require.NoError(t, json.Unmarshal(b.params("Fetch.fulfillRequest")[0], &args))
	assert.Equal(t, fetch.RequestID("r9"), args.RequestID)
	assert.Equal(t, 201, args.ResponseCode)
	assert.Equal(t, "proxy.example", string(args.Body))
	got := adapter.FromHeaderEntries(args.ResponseHeaders)
	assert.Equal(t, []string{"a=1", "b=2"}, got.Values("Set-Cookie"))
	assert.Equal(t, "text/plain", got.Get("Content-Type"))
	assert.Equal(t, "13", got.Get("Content-Length"))

	assert.ErrorIs(t, m.Resume(ctx, h, []byte("not a response")), adapter.ErrMalformedResponse)
}
