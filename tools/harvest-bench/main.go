// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	pinPath       = flag.String("pin-path", dataplane.DefaultPinPath, "Directory holding the pinned traffic map")
	duration      = flag.Duration("duration", 30*time.Second, "Test duration")
	statsInterval = flag.Duration("interval", time.Second, "Harvest interval")
	topN          = flag.Int("top", 5, "Number of top downloaders to print per report")
)

type latency struct {
	runs  int
	total time.Duration
	worst time.Duration
}

func (l *latency) observe(d time.Duration) {
	l.runs++
	l.total += d
	if d > l.worst {
		l.worst = d
	}
}

func (l *latency) average() time.Duration {
	if l.runs == 0 {
		return 0
	}
	return l.total / time.Duration(l.runs)
}

func main() {
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	if err := throughput.CheckLayout(); err != nil {
		log.Fatalf("Counter layout mismatch: %v", err)
	}

	mapPath := filepath.Join(*pinPath, "map_traffic")
	if _, err := os.Stat(mapPath); err != nil {
		log.Fatalf("Traffic map not available: %v", err)
	}

	log.Info("=== Host Counter Harvest Benchmark ===")
	log.Infof("Map: %s", mapPath)
	log.Infof("Duration: %s", *duration)
	log.Infof("Interval: %s", *statsInterval)
	log.Info("======================================")

	harvester := throughput.NewHarvester(mapPath)

	var lat latency
	timed := collectorFunc(func() map[throughput.HostKey]throughput.HostCounter {
		start := time.Now()
		snapshot := harvester.Collect()
		lat.observe(time.Since(start))
		return snapshot
	})
	tracker := throughput.NewTracker(timed)
	tracker.Update()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	ticker := time.NewTicker(*statsInterval)
	defer ticker.Stop()

	peakHosts := 0
	for {
		select {
		case <-ticker.C:
			tracker.Update()
			hosts := tracker.Hosts()
			if len(hosts) > peakHosts {
				peakHosts = len(hosts)
			}
			report(tracker.Totals(), tracker.TopDownloaders(*topN), len(hosts))
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				log.Info("=== Test duration completed ===")
			} else {
				log.Info("=== Test interrupted by user ===")
			}
			log.Infof("  Harvests:          %d", lat.runs)
			log.Infof("  Peak Hosts:        %d", peakHosts)
			log.Infof("  Average Latency:   %s", lat.average())
			log.Infof("  Worst Latency:     %s", lat.worst)
			if lat.worst > *statsInterval {
				log.Warn("Harvest slower than the interval; host rates will be skewed")
			}
			return
		}
	}
}

type collectorFunc func() map[throughput.HostKey]throughput.HostCounter

func (f collectorFunc) Collect() map[throughput.HostKey]throughput.HostCounter { return f() }

func report(totals throughput.Totals, top []throughput.HostRate, hosts int) {
	log.Info("=== Current Throughput ===")
	log.Infof("  Hosts:             %d", hosts)
	log.Infof("  Download:          %d bps / %d pps", totals.BitsPerSecond.Down, totals.PacketsPerSecond.Down)
	log.Infof("  Upload:            %d bps / %d pps", totals.BitsPerSecond.Up, totals.PacketsPerSecond.Up)
	log.Infof("  Shaped Download:   %d bps", totals.ShapedBitsPerSecond.Down)
	for _, h := range top {
		log.Infof("  %-39s %d bps", h.Address, h.BitsPerSecond.Down)
	}
}
