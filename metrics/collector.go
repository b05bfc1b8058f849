// Package metrics exports broker counters to Prometheus.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/terraskye/eventcore"
)

const namespace = "eventcore"

var _ prometheus.Collector = (*BrokerCollector)(nil)

// BrokerCollector reads BrokerMetrics from every registered source at scrape
// time. Sources are labelled by name, e.g. "local" and "remote".
type BrokerCollector struct {
	mu      sync.RWMutex
	sources map[string]eventcore.MetricsProvider

	published *prometheus.Desc
	received  *prometheus.Desc
	errors    *prometheus.Desc
	queue     *prometheus.Desc
	connected *prometheus.Desc
}

func NewBrokerCollector() *BrokerCollector {
	labels := []string{"broker"}
	return &BrokerCollector{
		sources: make(map[string]eventcore.MetricsProvider),
		published: prometheus.NewDesc(prometheus.BuildFQName(namespace, "broker", "published_total"),
			"Total number of messages handed to the broker", labels, nil),
		received: prometheus.NewDesc(prometheus.BuildFQName(namespace, "broker", "received_total"),
			"Total number of messages delivered to handlers", labels, nil),
		errors: prometheus.NewDesc(prometheus.BuildFQName(namespace, "broker", "errors_total"),
			"Total number of publish or delivery errors", labels, nil),
		queue: prometheus.NewDesc(prometheus.BuildFQName(namespace, "broker", "queue_size"),
			"Messages waiting for delivery", labels, nil),
		connected: prometheus.NewDesc(prometheus.BuildFQName(namespace, "broker", "connected"),
			"Whether the broker is connected (1) or not (0)", labels, nil),
	}
}

// Register adds or replaces the source called name.
func (c *BrokerCollector) Register(name string, source eventcore.MetricsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = source
}

func (c *BrokerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.received
	ch <- c.errors
	ch <- c.queue
	ch <- c.connected
}

func (c *BrokerCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make(map[string]eventcore.MetricsProvider, len(c.sources))
	for k, v := range c.sources {
		sources[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		src := sources[name]
		m := src.Metrics()
		ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(m.PublishedCount), name)
		ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(m.ReceivedCount), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(m.ErrorCount), name)
		ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(m.QueueSize), name)

		if b, ok := src.(interface{ IsConnected() bool }); ok {
			v := 0.0
			if b.IsConnected() {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, v, name)
		}
	}
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
