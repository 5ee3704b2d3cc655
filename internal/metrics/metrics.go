// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はアダプター操作とクリーンアップのメトリクスを収集する。
// adapter.OperationRecorderとcleanup.Recorderを実装する。
type Collector struct {
	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	cleanupDeleted  *prometheus.CounterVec
	cleanupFailures prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authstore_adapter_operations_total",
			Help: "アダプター操作の結果別の合計数",
		}, []string{"op", "outcome"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authstore_adapter_operation_duration_seconds",
			Help:    "アダプター操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authstore_cleanup_deleted_total",
			Help: "クリーンアップで削除した期限切れレコード数",
		}, []string{"kind"}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authstore_cleanup_failures_total",
			Help: "クリーンアップ失敗の合計数",
		}),
	}

	reg.MustRegister(
		c.operations,
		c.operationTime,
		c.cleanupDeleted,
		c.cleanupFailures,
	)

	return c
}

// RecordOperation はアダプター操作の結果とレイテンシを記録する。
func (c *Collector) RecordOperation(op, outcome string, duration time.Duration) {
	c.operations.WithLabelValues(op, outcome).Inc()
	c.operationTime.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCleanupDeleted はクリーンアップで削除した件数を種別ごとに記録する。
func (c *Collector) RecordCleanupDeleted(kind string, count int64) {
	c.cleanupDeleted.WithLabelValues(kind).Add(float64(count))
}

// RecordCleanupFailure はクリーンアップの失敗を記録する。
func (c *Collector) RecordCleanupFailure() {
	c.cleanupFailures.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
