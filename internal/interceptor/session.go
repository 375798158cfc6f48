package interceptor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"

	"cdpmirror/internal/assemble"
	"cdpmirror/internal/cache"
	"cdpmirror/internal/ctxkeys"
	"cdpmirror/internal/logger"
	"cdpmirror/internal/metrics"
	"cdpmirror/internal/rewrite"
	"cdpmirror/internal/rules"
	"cdpmirror/internal/storage"
	"cdpmirror/internal/transform"
	"cdpmirror/pkg/domain"
)

const (
	resumeTimeout  = 2 * time.Second
	degradeTimeout = 1 * time.Second
	doneHandles    = 4096
)

// 交换的最终结果
const (
	ResultRewritten  = "rewritten"
	ResultPassed     = "passed"
	ResultFallback   = "fallback"
	ResultUnmodified = "unmodified"
	ResultDegraded   = "degraded"
	ResultAbandoned  = "abandoned"
	ResultAborted    = "aborted"
	ResultFailed     = "failed"
)

// Sink 可选的遥测出口，发送不得阻塞
type Sink interface {
	Send(url string, rt domain.ResourceType, body []byte) bool
}

// Recorder 可选的交换记录出口
type Recorder interface {
	Record(rec *storage.ExchangeRecord)
}

// Deps 会话的显式依赖；Cache 可跨会话共享
type Deps struct {
	Cache       *cache.Cache
	Transformer *transform.Transformer
	Rewriter    *rewrite.Rewriter
	Assembler   *assemble.Assembler
	Relay       Sink
	Journal     Recorder
	Metrics     *metrics.Metrics
	Logger      logger.Logger
}

// Options 会话参数
type Options struct {
	ID             domain.SessionID
	Direction      domain.Direction
	Patterns       []domain.Pattern
	Concurrency    int           // 0 表示每个事件一个协程
	ProcessTimeout time.Duration // 0 表示不限制
	Events         chan<- domain.NetworkEvent
}

// Session 一个连接上的拦截会话：接收事件并驱动 缓存→转换→改写→组装→放行
type Session struct {
	id        domain.SessionID
	transport Transport
	deps      Deps
	opts      Options
	log       logger.Logger
	engine    *rules.Engine

	ctx    context.Context
	cancel context.CancelFunc
	pool   *workerPool
	wg     sync.WaitGroup
	loop   chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	inflight map[domain.Handle]State
	done     *lru.Cache
}

// New 创建会话，Cache/Transformer/Rewriter 为必需依赖
func New(t Transport, deps Deps, opts Options) (*Session, error) {
	if t == nil {
		return nil, errors.New("interceptor: nil transport")
	}
	if deps.Cache == nil || deps.Transformer == nil || deps.Rewriter == nil {
		return nil, errors.New("interceptor: cache, transformer and rewriter are required")
	}
	if deps.Assembler == nil {
		deps.Assembler = assemble.New()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if opts.ID == "" {
		opts.ID = domain.SessionID(uuid.New().String())
	}
	done, err := lru.New(doneHandles)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:        opts.ID,
		transport: t,
		deps:      deps,
		opts:      opts,
		log:       deps.Logger.With("session", string(opts.ID)),
		engine:    rules.New(opts.Patterns),
		inflight:  make(map[domain.Handle]State),
		done:      done,
	}, nil
}

// ID 会话标识
func (s *Session) ID() domain.SessionID { return s.id }

// Direction 响应改写方向
func (s *Session) Direction() domain.Direction { return s.opts.Direction }

// Start 打开网络观察并安装拦截模式，之后开始消费事件
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("interceptor: session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.transport.EnableNetworkObservation(s.ctx); err != nil {
		s.abortStart()
		return fmt.Errorf("enable network: %w", err)
	}
	if err := s.transport.SetInterception(s.ctx, s.opts.Patterns); err != nil {
		// 部分目标可能已启用拦截
		s.disableTransport()
		s.abortStart()
		return fmt.Errorf("set interception: %w", err)
	}

	if s.opts.Concurrency > 0 {
		s.pool = newWorkerPool(s.opts.Concurrency, s.opts.Concurrency*4)
	}
	s.loop = make(chan struct{})
	go s.consume()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsActive.Inc()
	}
	s.log.Info("拦截会话已启动", "patterns", len(s.opts.Patterns), "direction", s.opts.Direction.String(), "concurrency", s.opts.Concurrency)
	return nil
}

func (s *Session) abortStart() {
	s.cancel()
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// Stop 取消会话上下文并撤销传输层拦截；进行中的交换被放弃，不再尝试放行
func (s *Session) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}
	s.cancel()
	<-s.loop
	if s.pool != nil {
		s.pool.stop()
	}
	s.wg.Wait()
	s.disableTransport()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsActive.Dec()
	}
	s.log.Info("拦截会话已停止")
}

func (s *Session) disableTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()
	if err := s.transport.DisableInterception(ctx); err != nil {
		s.log.Err(err, "撤销传输层拦截失败")
	}
}

// UpdatePatterns 替换拦截模式并重新安装到传输层
func (s *Session) UpdatePatterns(ctx context.Context, ps []domain.Pattern) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if err := s.transport.SetInterception(ctx, ps); err != nil {
		return fmt.Errorf("set interception: %w", err)
	}
	s.engine.Update(ps)
	s.log.Info("拦截模式已更新", "patterns", len(ps))
	return nil
}

// State 查询句柄当前或最终的状态
func (s *Session) State(h domain.Handle) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.inflight[h]; ok {
		return st, true
	}
	if v, ok := s.done.Get(h); ok {
		return v.(State), true
	}
	return StateRegistered, false
}

// Abort 终止指定的在途交换
func (s *Session) Abort(ctx context.Context, h domain.Handle) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if err := s.finish(h, StateAborted); err != nil {
		return err
	}
	return s.transport.Abort(ctx, h)
}

func (s *Session) consume() {
	defer close(s.loop)
	events := s.transport.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.log.Warn("拦截事件流已关闭")
				return
			}
			s.dispatch(ev)
		}
	}
}

// dispatch 根据并发配置调度单次事件
func (s *Session) dispatch(ev Intercepted) {
	if err := s.register(ev.Handle); err != nil {
		s.reportDoubleResume(ev, err)
		return
	}
	if s.pool == nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ev)
		}()
		return
	}
	if !s.pool.submit(func() { s.handle(ev) }) {
		s.degradeAndContinue(ev, "并发队列已满")
	}
}

// degradeAndContinue 降级处理：不做任何改写直接放行
func (s *Session) degradeAndContinue(ev Intercepted, reason string) {
	s.log.Warn("执行降级策略：直接放行", "reason", reason, "handle", string(ev.Handle))
	ctx, cancel := context.WithTimeout(s.ctx, degradeTimeout)
	defer cancel()

	if err := s.finish(ev.Handle, StateResumedUnmodified); err != nil {
		s.reportDoubleResume(ev, err)
		return
	}
	var err error
	if ev.Stage == domain.StageRequest {
		err = s.transport.ContinueRequest(ctx, ev.Handle, "")
	} else {
		err = s.transport.Resume(ctx, ev.Handle, nil)
	}
	if err != nil {
		s.log.Err(err, "降级放行失败", "handle", string(ev.Handle))
	}
	s.deps.Metrics.Inc(func(m *metrics.Metrics) prometheus.Counter { return m.Degraded })
	s.emit(ev, ResultDegraded, 0, 0, err)
}

// exchange 单次交换的处理上下文
type exchange struct {
	ev      Intercepted
	traceID string
	start   time.Time
	log     logger.Logger
}

func (s *Session) handle(ev Intercepted) {
	x := &exchange{ev: ev, traceID: uuid.New().String(), start: time.Now()}
	x.log = s.log.With("traceId", x.traceID, "handle", string(ev.Handle))

	ctx := ctxkeys.WithTraceID(s.ctx, x.traceID)
	if s.opts.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ProcessTimeout)
		defer cancel()
	}

	x.log.Debug("开始处理拦截事件", "stage", ev.Stage, "url", ev.URL, "resourceType", ev.ResourceType)
	// 传输层可能投递超出模式范围的事件，未命中时直接放行
	if len(s.engine.Patterns()) > 0 && !s.engine.Eval(ev.URL, ev.ResourceType, ev.Stage) {
		s.resumeUnmodified(x, nil, ResultPassed)
		return
	}
	if ev.Stage == domain.StageRequest {
		s.handleRequest(x)
		return
	}
	s.handleResponse(ctx, x)
}

// handleRequest 请求阶段：将查询参数反向改写后继续请求
func (s *Session) handleRequest(x *exchange) {
	target := s.deps.Rewriter.URL(x.ev.URL, s.opts.Direction.Opposite())
	if target == x.ev.URL {
		target = ""
	}
	s.transition(x.ev.Handle, StateRewritten)
	if s.abandoned(x) {
		return
	}

	if err := s.finish(x.ev.Handle, StateResumed); err != nil {
		s.reportDoubleResume(x.ev, err)
		return
	}
	ctx, cancel := s.resumeContext(x)
	defer cancel()
	if err := s.transport.ContinueRequest(ctx, x.ev.Handle, target); err != nil {
		x.log.Err(err, "继续请求失败")
		s.complete(x, ResultFailed, 0, 0, err)
		return
	}
	result := ResultPassed
	if target != "" {
		result = ResultRewritten
	}
	s.complete(x, result, 0, 0, nil)
}

// handleResponse 响应阶段的完整管线，任何可恢复错误都向放行方向失败
func (s *Session) handleResponse(ctx context.Context, x *exchange) {
	ev := x.ev
	raw, b64, err := s.fetch(ctx, ev)
	if err != nil {
		x.log.Err(err, "获取响应体失败，原样放行", "url", ev.URL)
		s.resumeUnmodified(x, err, ResultUnmodified)
		return
	}
	s.transition(ev.Handle, StateBodyFetched)

	// 二进制正文（图片、字体等）不做转换与字节替换，只改写头部
	textual := !b64 || rewrite.Textual(ev.Headers.Get("Content-Type"))
	out, fellBack := raw, false
	if textual {
		out, fellBack = s.transformCached(ctx, x, raw)
		out = s.deps.Rewriter.Payload(out, s.opts.Direction)
	} else {
		s.transition(ev.Handle, StateCacheChecked)
		s.transition(ev.Handle, StateTransformed)
	}
	state := StateResumed
	if fellBack {
		state = StateResumedUnmodified
	}

	headers := s.deps.Rewriter.Headers(pathOf(ev.URL), ev.Headers, s.opts.Direction)
	s.transition(ev.Handle, StateRewritten)

	resp := s.deps.Assembler.Build(ev.StatusCode, headers, out)
	if s.abandoned(x) {
		return
	}
	if err := s.finish(ev.Handle, state); err != nil {
		s.reportDoubleResume(ev, err)
		return
	}
	rctx, cancel := s.resumeContext(x)
	defer cancel()
	if err := s.transport.Resume(rctx, ev.Handle, resp.Raw()); err != nil {
		// 句柄可能已失效，记录后继续
		x.log.Err(err, "放行失败", "url", ev.URL)
		s.complete(x, ResultFailed, len(raw), len(out), err)
		return
	}

	if s.deps.Relay != nil {
		s.deps.Relay.Send(ev.URL, ev.ResourceType, out)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.BytesRewritten.Add(float64(len(out)))
	}

	result := ResultPassed
	switch {
	case fellBack:
		result = ResultFallback
	case !bytes.Equal(raw, out):
		result = ResultRewritten
	}
	x.log.Debug("拦截事件处理完成", "result", result, "bytesIn", len(raw), "bytesOut", len(out), "duration", time.Since(x.start))
	s.complete(x, result, len(raw), len(out), nil)
}

// fetch 获取并解码响应体，同时返回传输层是否以 base64 交付
func (s *Session) fetch(ctx context.Context, ev Intercepted) ([]byte, bool, error) {
	body, b64, err := s.transport.FetchBody(ctx, ev.Handle)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if !b64 {
		return body, false, nil
	}
	dec := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(dec, body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: decode base64: %v", ErrFetch, err)
	}
	return dec[:n], true, nil
}

// transformCached 经由缓存执行转换；失败时返回原始内容与 true
func (s *Session) transformCached(ctx context.Context, x *exchange, raw []byte) ([]byte, bool) {
	rt := x.ev.ResourceType
	if !s.deps.Transformer.Applies(rt) {
		s.transition(x.ev.Handle, StateCacheChecked)
		s.transition(x.ev.Handle, StateTransformed)
		return raw, false
	}

	key := cache.KeyOf(raw, rt, s.deps.Transformer.Fingerprint())
	out, hit, err := s.deps.Cache.Do(ctx, key, rt, func() ([]byte, error) {
		return s.deps.Transformer.Transform(raw, rt)
	})
	s.transition(x.ev.Handle, StateCacheChecked)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveCache(hit)
	}
	if err != nil {
		x.log.Err(err, "转换失败，回退到原始内容", "url", x.ev.URL)
		s.deps.Metrics.Inc(func(m *metrics.Metrics) prometheus.Counter { return m.TransformFailures })
		return raw, true
	}
	s.transition(x.ev.Handle, StateTransformed)
	return out, false
}

func (s *Session) resumeUnmodified(x *exchange, cause error, result string) {
	if s.abandoned(x) {
		return
	}
	if err := s.finish(x.ev.Handle, StateResumedUnmodified); err != nil {
		s.reportDoubleResume(x.ev, err)
		return
	}
	ctx, cancel := s.resumeContext(x)
	defer cancel()
	var err error
	if x.ev.Stage == domain.StageRequest {
		err = s.transport.ContinueRequest(ctx, x.ev.Handle, "")
	} else {
		err = s.transport.Resume(ctx, x.ev.Handle, nil)
	}
	if err != nil {
		x.log.Err(err, "原样放行失败")
		cause = errors.Join(cause, err)
		result = ResultFailed
	}
	s.complete(x, result, 0, 0, cause)
}

// resumeContext 放行使用独立的短超时，不受处理超时影响
func (s *Session) resumeContext(x *exchange) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctxkeys.WithTraceID(s.ctx, x.traceID), resumeTimeout)
}

// abandoned 会话已取消时放弃交换，不再触碰句柄
func (s *Session) abandoned(x *exchange) bool {
	if s.ctx.Err() == nil {
		return false
	}
	s.mu.Lock()
	delete(s.inflight, x.ev.Handle)
	s.done.Add(x.ev.Handle, StateAborted)
	s.mu.Unlock()
	x.log.Debug("会话已关闭，放弃交换")
	s.complete(x, ResultAbandoned, 0, 0, ErrSessionClosed)
	return true
}

// register 登记新句柄；已见过的句柄视为重复放行
func (s *Session) register(h domain.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[h]; ok {
		return fmt.Errorf("%w: %s", ErrDoubleResume, h)
	}
	if s.done.Contains(h) {
		return fmt.Errorf("%w: %s", ErrDoubleResume, h)
	}
	s.inflight[h] = StateEventReceived
	return nil
}

func (s *Session) transition(h domain.Handle, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[h]; ok {
		s.inflight[h] = st
	}
}

// finish 将句柄置为终态，每个句柄只能成功一次
func (s *Session) finish(h domain.Handle, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[h]; !ok {
		return fmt.Errorf("%w: %s", ErrDoubleResume, h)
	}
	delete(s.inflight, h)
	s.done.Add(h, st)
	return nil
}

func (s *Session) reportDoubleResume(ev Intercepted, err error) {
	s.log.Err(err, "重复放行同一句柄", "handle", string(ev.Handle), "url", ev.URL)
	s.deps.Metrics.Inc(func(m *metrics.Metrics) prometheus.Counter { return m.DoubleResumes })
	s.emit(ev, ResultFailed, 0, 0, err)
}

// complete 记录指标、交换日志并发出事件
func (s *Session) complete(x *exchange, result string, in, out int, err error) {
	d := time.Since(x.start)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveExchange(string(x.ev.Stage), result, string(x.ev.ResourceType), d)
	}
	if s.deps.Journal != nil {
		rec := &storage.ExchangeRecord{
			TraceID:      x.traceID,
			SessionID:    string(s.id),
			TargetID:     string(x.ev.Target),
			URL:          x.ev.URL,
			ResourceType: string(x.ev.ResourceType),
			Result:       result,
			StatusCode:   x.ev.StatusCode,
			BytesIn:      in,
			BytesOut:     out,
			DurationMs:   d.Milliseconds(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		s.deps.Journal.Record(rec)
	}
	s.emit(x.ev, result, in, out, err)
}

// emit 非阻塞发送网络事件
func (s *Session) emit(ev Intercepted, result string, in, out int, err error) {
	if s.opts.Events == nil {
		return
	}
	ne := domain.NetworkEvent{
		Session:      s.id,
		Target:       ev.Target,
		Timestamp:    time.Now().UnixMilli(),
		URL:          ev.URL,
		ResourceType: ev.ResourceType,
		Stage:        ev.Stage,
		StatusCode:   ev.StatusCode,
		FinalResult:  result,
		BytesIn:      in,
		BytesOut:     out,
	}
	if err != nil {
		ne.Error = err.Error()
	}
	select {
	case s.opts.Events <- ne:
	default:
	}
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}
