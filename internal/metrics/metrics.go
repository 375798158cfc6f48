package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdpmirror/internal/logger"
)

// Metrics 拦截管线的 Prometheus 指标，每个实例使用独立注册表
type Metrics struct {
	registry *prometheus.Registry

	Exchanges         *prometheus.CounterVec
	ExchangeDuration  *prometheus.HistogramVec
	CacheLookups      *prometheus.CounterVec
	TransformFailures prometheus.Counter
	DoubleResumes     prometheus.Counter
	Degraded          prometheus.Counter
	RelayDropped      prometheus.Counter
	BytesRewritten    prometheus.Counter
	SessionsActive    prometheus.Gauge
}

// New 创建指标集合
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Exchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdpmirror_exchanges_total",
				Help: "Intercepted exchanges by stage and outcome",
			},
			[]string{"stage", "result"},
		),
		ExchangeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cdpmirror_exchange_duration_seconds",
				Help:    "Time from event receipt to resume",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"resource_type"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdpmirror_cache_lookups_total",
				Help: "Body cache lookups by result",
			},
			[]string{"result"},
		),
		TransformFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "cdpmirror_transform_failures_total",
			Help: "Transforms that failed and fell back to the original body",
		}),
		DoubleResumes: f.NewCounter(prometheus.CounterOpts{
			Name: "cdpmirror_double_resumes_total",
			Help: "Attempts to resume an exchange more than once",
		}),
		Degraded: f.NewCounter(prometheus.CounterOpts{
			Name: "cdpmirror_degraded_total",
			Help: "Exchanges resumed unmodified because the worker queue was full",
		}),
		RelayDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "cdpmirror_relay_dropped_total",
			Help: "Telemetry messages dropped because the relay buffer was full",
		}),
		BytesRewritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdpmirror_rewritten_bytes_total",
			Help: "Body bytes sent back after rewrite",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdpmirror_sessions_active",
			Help: "Running interception sessions",
		}),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveExchange 记录一次交换的结果与耗时，nil 接收者安全
func (m *Metrics) ObserveExchange(stage, result, rt string, d time.Duration) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(stage, result).Inc()
	m.ExchangeDuration.WithLabelValues(rt).Observe(d.Seconds())
}

// ObserveCache 记录缓存命中情况
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// Inc 对可选计数器加一，nil 安全
func (m *Metrics) Inc(c func(*Metrics) prometheus.Counter) {
	if m == nil {
		return
	}
	c(m).Inc()
}

// Serve 在 addr 上暴露 /metrics，直到 ctx 结束
func (m *Metrics) Serve(ctx context.Context, addr string, l logger.Logger) error {
	if l == nil {
		l = logger.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.Info("指标服务已启动", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
