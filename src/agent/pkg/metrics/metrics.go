// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
)

const namespace = "lqos"

var (
	// Registry holds every metric exported by the agent.
	Registry = prometheus.NewRegistry()

	// AttachTotal counts interface attach attempts by stage reached and outcome.
	AttachTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attach_total",
			Help:      "Interface attach attempts",
		},
		[]string{"interface", "outcome"}, // success | <failed stage>
	)

	// XDPMode is 1 for the mode the ingress filter ended up attached in.
	XDPMode = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "xdp_attach_mode",
			Help:      "Ingress filter attach mode per interface (1 = active)",
		},
		[]string{"interface", "mode"},
	)

	// EventsTotal counts sampled events drained from the ring buffer.
	EventsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heimdall_events_total",
			Help:      "Sampled packet events read from the kernel ring buffer",
		},
	)

	// PollErrorsTotal counts failed ring buffer polls.
	PollErrorsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heimdall_poll_errors_total",
			Help:      "Ring buffer polls that failed with an error other than a timeout",
		},
	)

	// TrackedHosts is the number of hosts in the last rate update.
	TrackedHosts = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_hosts",
			Help:      "Hosts present in the traffic map at the last update",
		},
	)

	// ThroughputBits is the aggregate bit rate of the last rate update.
	ThroughputBits = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_bits_per_second",
			Help:      "Aggregate throughput at the last update",
		},
		[]string{"direction", "class"}, // down|up, all|shaped
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
}

// ObserveAttach records the outcome of one attach call. An empty stage means
// success.
func ObserveAttach(iface, failedStage string) {
	outcome := "success"
	if failedStage != "" {
		outcome = failedStage
	}
	AttachTotal.WithLabelValues(iface, outcome).Inc()
}

// SetXDPMode marks mode as the active ingress filter mode of iface.
func SetXDPMode(iface, mode string, modes []string) {
	for _, m := range modes {
		v := 0.0
		if m == mode {
			v = 1
		}
		XDPMode.WithLabelValues(iface, m).Set(v)
	}
}

// ObserveEvent counts one drained ring buffer sample.
func ObserveEvent() {
	EventsTotal.Inc()
}

// ObservePollError counts one failed ring buffer poll.
func ObservePollError() {
	PollErrorsTotal.Inc()
}

// ObserveTotals publishes the aggregate rates of a tracker update.
func ObserveTotals(t throughput.Totals) {
	TrackedHosts.Set(float64(t.Hosts))
	ThroughputBits.WithLabelValues("down", "all").Set(float64(t.BitsPerSecond.Down))
	ThroughputBits.WithLabelValues("up", "all").Set(float64(t.BitsPerSecond.Up))
	ThroughputBits.WithLabelValues("down", "shaped").Set(float64(t.ShapedBitsPerSecond.Down))
	ThroughputBits.WithLabelValues("up", "shaped").Set(float64(t.ShapedBitsPerSecond.Up))
}
