// Package metrics 定义服务的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PipelineTransitions 统计文档进入每个处理状态的次数。
	PipelineTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_pipeline_transitions_total",
			Help: "文档进入各处理状态的次数",
		},
		[]string{"status"},
	)

	// PipelineFailures 按失败阶段统计处理失败次数。
	PipelineFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_pipeline_failures_total",
			Help: "文档处理失败次数（按阶段）",
		},
		[]string{"stage"},
	)

	EmbeddingBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_embedding_batches_total",
			Help: "Embedding 批次调用次数（按结果）",
		},
		[]string{"result"},
	)

	EmbeddingBatchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_embedding_batch_seconds",
			Help:    "单个 Embedding 批次的耗时",
			Buckets: prometheus.DefBuckets,
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_http_requests_total",
			Help: "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_http_request_duration_seconds",
			Help:    "HTTP 请求耗时（秒）",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	QueryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docqa_query_cache_hits_total",
		Help: "问题向量 LRU 缓存命中次数",
	})
	QueryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docqa_query_cache_misses_total",
		Help: "问题向量 LRU 缓存未命中次数",
	})
)

// Handler 返回 /metrics 的处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
