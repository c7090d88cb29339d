// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、スイーパー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordAuthEvent(event, result string)
	RecordSweep(deleted int64, duration time.Duration)
	RecordSweepFailure()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents    *prometheus.CounterVec
	sweepDeleted  prometheus.Counter
	sweepFailures prometheus.Counter
	sweepLatency  prometheus.Histogram
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsadrill_auth_events_total",
			Help: "認証イベントの種別・結果別の合計数",
		}, []string{"event", "result"}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsadrill_sweeper_deleted_total",
			Help: "スイーパーが削除した期限切れ未検証アカウントの合計数",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsadrill_sweeper_failures_total",
			Help: "スイーパー実行失敗の合計数",
		}),
		sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsadrill_sweeper_duration_seconds",
			Help:    "スイーパー1回の実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsadrill_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authEvents,
		c.sweepDeleted,
		c.sweepFailures,
		c.sweepLatency,
		c.httpStatus,
	)

	return c
}

// RecordAuthEvent は認証イベントの結果を記録する。
func (c *Collector) RecordAuthEvent(event, result string) {
	c.authEvents.WithLabelValues(event, result).Inc()
}

// RecordSweep はスイーパー1回分の削除件数と実行時間を記録する。
func (c *Collector) RecordSweep(deleted int64, duration time.Duration) {
	c.sweepDeleted.Add(float64(deleted))
	c.sweepLatency.Observe(duration.Seconds())
}

// RecordSweepFailure はスイーパーの実行失敗を記録する。
func (c *Collector) RecordSweepFailure() {
	c.sweepFailures.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても残りは返し、Acceptに応じてOpenMetrics形式でも応答する。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
