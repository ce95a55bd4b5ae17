// Package exporter publishes transport connection statistics as
// prometheus metrics via a custom Collector.
package exporter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"gamenet-go/source/protocol"
)

type info struct {
	description *prometheus.Desc
	supplier    func(stats protocol.NetworkStats, labelValues []string) prometheus.Metric
}

// ConnectionCollector reads each registered connection's stats snapshot on
// every scrape. Connections must be added and removed by the goroutine
// that owns them; the collector only guards its own registry.
type ConnectionCollector struct {
	conns map[*protocol.Connection][]string
	mu    sync.Mutex
	infos []info
}

// NewConnectionCollector builds a collector whose metrics carry the given
// variable label names, one value set per connection.
func NewConnectionCollector(prefix string, variableLabels []string, constLabels prometheus.Labels) *ConnectionCollector {
	counter := func(name, help string, value func(protocol.NetworkStats) float64) info {
		desc := prometheus.NewDesc(prefix+name, help, variableLabels, constLabels)
		return info{
			description: desc,
			supplier: func(s protocol.NetworkStats, labels []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value(s), labels...)
			},
		}
	}
	gauge := func(name, help string, value func(protocol.NetworkStats) float64) info {
		desc := prometheus.NewDesc(prefix+name, help, variableLabels, constLabels)
		return info{
			description: desc,
			supplier: func(s protocol.NetworkStats, labels []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(s), labels...)
			},
		}
	}

	return &ConnectionCollector{
		conns: make(map[*protocol.Connection][]string),
		infos: []info{
			counter("packets_sent_total", "Packets transmitted on the connection.",
				func(s protocol.NetworkStats) float64 { return float64(s.PacketsSent) }),
			counter("packets_received_total", "Packets received on the connection.",
				func(s protocol.NetworkStats) float64 { return float64(s.PacketsReceived) }),
			counter("bytes_sent_total", "Bytes transmitted on the connection.",
				func(s protocol.NetworkStats) float64 { return float64(s.BytesSent) }),
			counter("bytes_received_total", "Bytes received on the connection.",
				func(s protocol.NetworkStats) float64 { return float64(s.BytesReceived) }),
			gauge("rtt_milliseconds", "Smoothed round-trip time.",
				func(s protocol.NetworkStats) float64 { return s.RTTMillis }),
		},
	}
}

func (c *ConnectionCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *ConnectionCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn, labels := range c.conns {
		stats := conn.Stats()
		for _, info := range c.infos {
			metrics <- info.supplier(stats, labels)
		}
	}
}

// Add registers a connection with its label values.
func (c *ConnectionCollector) Add(conn *protocol.Connection, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = labels
}

// Remove drops a connection from the registry.
func (c *ConnectionCollector) Remove(conn *protocol.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}
