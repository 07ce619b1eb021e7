// Package metrics 汇总 Prometheus 指标。所有方法对 nil 接收者安全，未启用指标时可直接传 nil。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "siappanen"

type Metrics struct {
	ChatRequests     *prometheus.CounterVec
	ChatDuration     prometheus.Histogram
	ToolExecutions   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ModelCalls       *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	RetentionDeleted prometheus.Counter
	Inflight         prometheus.Gauge
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认 Registerer。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ChatRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Total number of chat requests by outcome (ok, fallback, apology, invalid).",
		}, []string{"outcome"}),
		ChatDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_duration_seconds",
			Help:      "End-to-end chat handling latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Total number of tool executions by tool and status.",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"tool"}),
		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Total number of language model calls by path (primary, fallback) and status.",
		}, []string{"path", "status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "endpoint", "status"}),
		RetentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Total number of conversations removed by retention.",
		}),
		Inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_chats",
			Help:      "Number of chat requests currently being handled.",
		}),
	}
}

func (m *Metrics) ObserveChat(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(outcome).Inc()
	m.ChatDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveTool(tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failed"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ObserveModelCall(path string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.ModelCalls.WithLabelValues(path, status).Inc()
}

func (m *Metrics) ObserveHTTP(method, endpoint, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (m *Metrics) AddRetentionDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeleted.Add(float64(n))
}

// TrackInflight 增加进行中请求数，返回的函数用于结束时递减。
func (m *Metrics) TrackInflight() func() {
	if m == nil {
		return func() {}
	}
	m.Inflight.Inc()
	return m.Inflight.Dec
}
