package auth

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serviceMetrics は認証サービスのPrometheusメトリクス。
type serviceMetrics struct {
	// loginAttempts は結果別のログイン試行回数。
	loginAttempts *prometheus.CounterVec
	// tokenValidations は結果別のトークン検証回数。
	tokenValidations *prometheus.CounterVec
	// lookupDuration は資格情報の取得にかかった時間。
	lookupDuration prometheus.Histogram
}

var (
	metricsInstance *serviceMetrics
	metricsOnce     sync.Once
)

// getMetrics はメトリクスのシングルトンを返す。
func getMetrics() *serviceMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &serviceMetrics{
			loginAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "medgate",
					Subsystem: "auth",
					Name:      "login_attempts_total",
					Help:      "Total number of login attempts by result",
				},
				[]string{"result"},
			),
			tokenValidations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "medgate",
					Subsystem: "auth",
					Name:      "token_validations_total",
					Help:      "Total number of token validations by result",
				},
				[]string{"result"},
			),
			lookupDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "medgate",
					Subsystem: "auth",
					Name:      "credential_lookup_duration_seconds",
					Help:      "Duration of credential store lookups",
					Buckets:   prometheus.DefBuckets,
				},
			),
		}
	})
	return metricsInstance
}
