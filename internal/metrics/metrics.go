// Package metrics exposes the gateway's Prometheus counters and gauges:
// tool execution outcomes, admission queue depth, LLM queue latency, and
// the adaptive SSE writer's mode-switch counter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide Prometheus registration surface.
type Metrics struct {
	ToolCallCounter    *prometheus.CounterVec
	ToolCallDuration   *prometheus.HistogramVec
	AdmissionQueueSize *prometheus.GaugeVec
	AdmissionRejected  *prometheus.CounterVec
	LLMQueueLatency    *prometheus.HistogramVec
	SSEModeSwitches    prometheus.Counter
	StreamingActive    prometheus.Gauge
}

// New registers and returns a Metrics instance against the default
// registry. Call once at startup.
func New() *Metrics {
	return &Metrics{
		ToolCallCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_calls_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),

		ToolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_tool_call_duration_seconds",
			Help:    "Tool execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),

		AdmissionQueueSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_sse_queue_depth",
			Help: "Current SSE admission wait-queue depth by user.",
		}, []string{"user"}),

		AdmissionRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sse_admission_rejected_total",
			Help: "SSE admission rejections by reason.",
		}, []string{"reason"}),

		LLMQueueLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_llm_queue_latency_seconds",
			Help:    "Time spent queued before an LLM call executes.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"role"}),

		SSEModeSwitches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sse_writer_mode_switches_total",
			Help: "Adaptive SSE writer transitions between character and chunk mode.",
		}),

		StreamingActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_streaming_active_connections",
			Help: "Currently open streaming responses.",
		}),
	}
}
