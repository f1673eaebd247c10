package policy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dispatcherMetrics 汇总策略分派、生命周期与缓存写入计数。
type dispatcherMetrics struct {
	fetches         *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	lifecycleEvents *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	errorReports    *prometheus.CounterVec
}

var (
	metricsInstance *dispatcherMetrics
	metricsOnce     sync.Once
)

// InitMetrics 以指定 registry 初始化指标单例，nil 时使用默认 registerer；
// 重复调用无效果。
func InitMetrics(registry *prometheus.Registry) {
	metricsOnce.Do(func() {
		var registerer prometheus.Registerer = prometheus.DefaultRegisterer
		if registry != nil {
			registerer = registry
		}
		factory := promauto.With(registerer)
		metricsInstance = &dispatcherMetrics{
			fetches: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "shellcache",
					Name:      "fetch_total",
					Help:      "Intercepted requests resolved, by strategy and response source",
				},
				[]string{"site", "strategy", "source"},
			),
			fetchFailures: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "shellcache",
					Name:      "fetch_failures_total",
					Help:      "Intercepted requests that failed with no cached fallback",
				},
				[]string{"site", "strategy"},
			),
			lifecycleEvents: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "shellcache",
					Name:      "lifecycle_events_total",
					Help:      "Install and activate events by result",
				},
				[]string{"site", "event", "result"},
			),
			cacheWrites: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "shellcache",
					Name:      "cache_writes_total",
					Help:      "Snapshots written to cache stores",
				},
				[]string{"site", "store"},
			),
			errorReports: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "shellcache",
					Name:      "error_reports_total",
					Help:      "Client error reports received",
				},
				[]string{"site"},
			),
		}
	})
}

func getMetrics() *dispatcherMetrics {
	InitMetrics(nil)
	return metricsInstance
}
