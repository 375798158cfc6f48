package relay

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/sjson"

	"cdpmirror/internal/logger"
	"cdpmirror/internal/metrics"
	"cdpmirror/pkg/domain"
)

const (
	defaultBuffer = 256
	writeTimeout  = 5 * time.Second
	minBackoff    = 100 * time.Millisecond
	maxBackoff    = 5 * time.Second
)

// Options 遥测转发配置
type Options struct {
	URL     string
	Buffer  int
	Logger  logger.Logger
	Metrics *metrics.Metrics
	Dialer  *websocket.Dialer
}

// Relay 将观察到的响应体异步转发到 websocket 端点，缓冲满时丢弃
type Relay struct {
	url     string
	ch      chan []byte
	log     logger.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New 创建转发器，需调用 Start 后才会建立连接
func New(opts Options) *Relay {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Relay{
		url:     opts.URL,
		ch:      make(chan []byte, opts.Buffer),
		log:     opts.Logger.With("module", "relay"),
		metrics: opts.Metrics,
		dialer:  opts.Dialer,
	}
}

// Encode 生成转发消息 {"url","resourceType","body","base64"}
func Encode(url string, rt domain.ResourceType, body []byte) ([]byte, error) {
	msg := []byte(`{}`)
	var err error
	if msg, err = sjson.SetBytes(msg, "url", url); err != nil {
		return nil, err
	}
	if msg, err = sjson.SetBytes(msg, "resourceType", string(rt)); err != nil {
		return nil, err
	}
	if msg, err = sjson.SetBytes(msg, "body", base64.StdEncoding.EncodeToString(body)); err != nil {
		return nil, err
	}
	return sjson.SetBytes(msg, "base64", true)
}

// Send 非阻塞投递，缓冲已满时返回 false
func (r *Relay) Send(url string, rt domain.ResourceType, body []byte) bool {
	msg, err := Encode(url, rt, body)
	if err != nil {
		r.log.Err(err, "编码遥测消息失败", "url", url)
		return false
	}
	select {
	case r.ch <- msg:
		return true
	default:
		r.metrics.Inc(func(m *metrics.Metrics) prometheus.Counter { return m.RelayDropped })
		r.log.Debug("遥测缓冲已满，丢弃消息", "url", url)
		return false
	}
}

// Start 启动后台连接与发送循环
func (r *Relay) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
}

// Close 停止发送循环，未发送的消息被丢弃
func (r *Relay) Close() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	backoff := minBackoff
	for {
		conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("连接遥测端点失败，稍后重试", "url", r.url, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff
		r.log.Info("遥测端点已连接", "url", r.url)
		if !r.pump(ctx, conn) {
			return
		}
	}
}

// pump 持续写出消息；返回 false 表示应退出
func (r *Relay) pump(ctx context.Context, conn *websocket.Conn) bool {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return false
		case msg := <-r.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				r.log.Err(err, "发送遥测消息失败，重新连接")
				return true
			}
		}
	}
}
