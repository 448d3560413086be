package websocket

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks hub connection state.
type Metrics struct {
	clients prometheus.Gauge
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton websocket metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			clients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "agingos",
				Subsystem: "websocket",
				Name:      "clients",
				Help:      "Connected websocket clients",
			}),
		}
		prometheus.MustRegister(metricsInstance.clients)
	})
	return metricsInstance
}
