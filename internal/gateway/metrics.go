package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// gatewayMetrics はGatewayのPrometheusメトリクス。
type gatewayMetrics struct {
	// requests はルートと結果別のリクエスト数。
	requests *prometheus.CounterVec
	// upstreamDuration はルート別のバックエンド応答時間。
	upstreamDuration *prometheus.HistogramVec
	// upstreamRetries はルート別の再試行回数。
	upstreamRetries *prometheus.CounterVec
	// breakerTransitions はサーキットブレーカーの状態遷移回数。
	breakerTransitions *prometheus.CounterVec
	// tokenValidations は検証方式と結果別のトークン検証回数。
	tokenValidations *prometheus.CounterVec
}

var (
	metricsInstance *gatewayMetrics
	metricsOnce     sync.Once
)

// getMetrics はメトリクスのシングルトンを返す。
func getMetrics() *gatewayMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &gatewayMetrics{
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "medgate",
					Subsystem: "gateway",
					Name:      "requests_total",
					Help:      "Total number of gateway requests by route and outcome",
				},
				[]string{"route", "outcome"},
			),
			upstreamDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "medgate",
					Subsystem: "gateway",
					Name:      "upstream_duration_seconds",
					Help:      "Duration of upstream calls by route",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			upstreamRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "medgate",
					Subsystem: "gateway",
					Name:      "upstream_retries_total",
					Help:      "Total number of upstream retries by route",
				},
				[]string{"route"},
			),
			breakerTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "medgate",
					Subsystem: "gateway",
					Name:      "circuit_breaker_transitions_total",
					Help:      "Total number of circuit breaker state transitions",
				},
				[]string{"route", "from", "to"},
			),
			tokenValidations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "medgate",
					Subsystem: "gateway",
					Name:      "token_validations_total",
					Help:      "Total number of token validations by mode and result",
				},
				[]string{"mode", "result"},
			),
		}
	})
	return metricsInstance
}
