package analysis

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the analysis engine.
type Metrics struct {
	AnalysesTotal     *prometheus.CounterVec
	AnalysisDuration  *prometheus.HistogramVec
	AnalysisLLMTime   *prometheus.HistogramVec
	AnalysisToolTime  prometheus.Histogram
	AnalysisTokensIn  prometheus.Histogram
	AnalysisTokensOut prometheus.Histogram
	AnalysisToolCalls prometheus.Histogram
	LLMCallsTotal     prometheus.Counter
	LLMFailuresTotal  *prometheus.CounterVec
	LLMTokensIn       prometheus.Counter
	LLMTokensOut      prometheus.Counter
	LLMDuration       prometheus.Histogram
	ToolCallsTotal    *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	ToolOutputBytes   *prometheus.HistogramVec
}

// NewMetrics registers and returns analysis metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_analyses_total",
			Help: "Completed analyses by kind and status.",
		}, []string{"kind", "status"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_analysis_duration_seconds",
			Help:    "Duration of analyses in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"kind", "model"}),
		AnalysisLLMTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_analysis_llm_time_seconds",
			Help:    "Total LLM time per analysis in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"model"}),
		AnalysisToolTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_analysis_tool_time_seconds",
			Help:    "Total tool execution time per analysis in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
		AnalysisTokensIn: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_analysis_tokens_input",
			Help:    "Input tokens consumed per analysis.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		AnalysisTokensOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_analysis_tokens_output",
			Help:    "Output tokens consumed per analysis.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		AnalysisToolCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_analysis_tool_calls",
			Help:    "Tool calls per analysis.",
			Buckets: prometheus.LinearBuckets(0, 1, 16), // 0 .. 15
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_llm_failures_total",
			Help: "LLM provider calls that failed, by analysis kind.",
		}, []string{"kind"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_calls_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"tool"}),
		ToolOutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_output_bytes",
			Help:    "Size of tool output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.AnalysisLLMTime,
		m.AnalysisToolTime,
		m.AnalysisTokensIn,
		m.AnalysisTokensOut,
		m.AnalysisToolCalls,
		m.LLMCallsTotal,
		m.LLMFailuresTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ToolOutputBytes,
	)
	return m
}

// Hooks returns engine hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnToolCall: func(name string, duration float64, _, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
			m.ToolOutputBytes.WithLabelValues(name).Observe(float64(outputBytes))
		},
		OnComplete: func(e *CompleteEvent) {
			m.AnalysesTotal.WithLabelValues(string(e.Kind), string(e.Status)).Inc()
			m.AnalysisDuration.WithLabelValues(string(e.Kind), e.Model).Observe(e.Duration)
			m.AnalysisLLMTime.WithLabelValues(e.Model).Observe(e.LLMTime)
			m.AnalysisToolTime.Observe(e.ToolTime)
			m.AnalysisTokensIn.Observe(float64(e.TokensIn))
			m.AnalysisTokensOut.Observe(float64(e.TokensOut))
			m.AnalysisToolCalls.Observe(float64(e.ToolCalls))
		},
		OnFailure: func(kind Kind) {
			m.LLMFailuresTotal.WithLabelValues(string(kind)).Inc()
		},
	}
}
