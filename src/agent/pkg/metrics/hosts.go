// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
)

// HostCollector exports the raw per-host counters of the traffic map on
// every scrape. Counters are read straight from the kernel, so they survive
// agent restarts as long as the program stays attached.
type HostCollector struct {
	source throughput.Collector

	bytes   *prometheus.Desc
	packets *prometheus.Desc
}

// NewHostCollector creates a collector reading from source.
func NewHostCollector(source throughput.Collector) *HostCollector {
	labels := []string{"host", "direction", "tc_handle"}
	return &HostCollector{
		source: source,
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "bytes_total"),
			"Bytes seen per host",
			labels, nil,
		),
		packets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "packets_total"),
			"Packets seen per host",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytes
	ch <- c.packets
}

// Collect implements prometheus.Collector.
func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	for key, counter := range c.source.Collect() {
		host := key.String()
		class := counter.TCHandle.String()
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(counter.DownloadBytes), host, "down", class)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(counter.UploadBytes), host, "up", class)
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(counter.DownloadPackets), host, "down", class)
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(counter.UploadPackets), host, "up", class)
	}
}
