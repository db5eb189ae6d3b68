// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shaper-dataplane/src/agent/pkg/api"
	"github.com/shaper-dataplane/src/agent/pkg/config"
	"github.com/shaper-dataplane/src/agent/pkg/cpumap"
	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	"github.com/shaper-dataplane/src/agent/pkg/ipmap"
	"github.com/shaper-dataplane/src/agent/pkg/metrics"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "lqosd",
	Short: "XDP/TC shaping data plane agent",
	Long: `Attaches the shaping programs to the configured interfaces, pins CPU
queues, and serves per-host throughput from the kernel counters.`,
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	if err := config.BindFlags(rootCmd.Flags(), v); err != nil {
		panic(err)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	lock, err := acquireLock(cfg.LockFile)
	if err != nil {
		return err
	}
	defer lock.Close()

	if err := errors.Join(throughput.CheckLayout(), cpumap.CheckLayout()); err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}

	bridge, err := cfg.Bridge()
	if err != nil {
		return err
	}

	kernel := dataplane.NewLinuxKernel(cfg.PinPath, dataplane.ExecRunner{})
	affinity := cpumap.NewConfigurator(cfg.PinPath)
	manager := dataplane.NewManager(kernel, affinity, cfg.BPFObject,
		dataplane.WithBridge(bridge, dataplane.NewPinnedBridgeMaps(cfg.PinPath)),
	)

	if err := attachAll(manager, cfg.Attachments(), handleEvent); err != nil {
		return err
	}

	mappings, closeMappings, err := openMappings(cfg)
	if err != nil {
		return err
	}
	defer closeMappings()

	harvester := throughput.NewHarvester(filepath.Join(cfg.PinPath, "map_traffic"))
	tracker := throughput.NewTracker(harvester)
	metrics.Registry.MustRegister(metrics.NewHostCollector(harvester))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		trackThroughput(ctx, tracker, cfg.StatsInterval)
		return nil
	})

	if cfg.EnableAPI {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.APIHost
		apiConfig.Port = cfg.APIPort
		apiConfig.EnableCORS = cfg.EnableCORS
		apiConfig.LogLevel = cfg.LogLevel

		var mm ipmap.Manager
		if mappings != nil {
			mm = mappings
		}
		server, err := api.NewAPIServer(apiConfig, manager, tracker, mm)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		g.Go(func() error {
			return server.Run(ctx)
		})
		log.Infof("✓ API server on http://%s:%d", cfg.APIHost, cfg.APIPort)
	}

	log.Info("✓ Agent running. Press Ctrl+C to exit")
	err = g.Wait()

	// Programs stay attached so traffic keeps flowing across restarts.
	log.Info("Shutting down, interfaces remain attached")
	return err
}

// openMappings opens the pinned IP mapping trie and replays persisted
// mappings into it. A missing trie disables mapping management.
func openMappings(cfg *config.Config) (*ipmap.MappingManager, func(), error) {
	m, err := ipmap.OpenPinned(cfg.PinPath)
	if err != nil {
		log.Warnf("IP mapping management disabled: %v", err)
		return nil, func() {}, nil
	}

	if cfg.MappingDB == "" {
		return ipmap.NewManager(m), func() { m.Close() }, nil
	}

	storage, err := ipmap.NewSQLiteStorage(cfg.MappingDB)
	if err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("opening mapping storage: %w", err)
	}

	mm := ipmap.NewManagerWithStorage(m, storage)
	if err := mm.LoadPersisted(); err != nil {
		log.Warnf("Failed to restore IP mappings: %v", err)
	}
	return mm, func() {
		storage.Close()
		m.Close()
	}, nil
}

func trackThroughput(ctx context.Context, tracker *throughput.Tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Stats are logged at most every 10s regardless of the sampling rate.
	logEvery := int(max(1, 10*time.Second/interval))
	ticks := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tracker.Update()
		totals := tracker.Totals()
		metrics.ObserveTotals(totals)

		ticks++
		if ticks%logEvery != 0 {
			continue
		}
		log.Info("=== Throughput ===")
		log.Infof("  Hosts:            %d", totals.Hosts)
		log.Infof("  Download:         %d bps (%d pps)", totals.BitsPerSecond.Down, totals.PacketsPerSecond.Down)
		log.Infof("  Upload:           %d bps (%d pps)", totals.BitsPerSecond.Up, totals.PacketsPerSecond.Up)
		log.Infof("  Shaped download:  %d bps", totals.ShapedBitsPerSecond.Down)
		log.Infof("  Shaped upload:    %d bps", totals.ShapedBitsPerSecond.Up)
	}
}

func handleEvent(sample []byte) {
	log.Tracef("heimdall event: %d bytes", len(sample))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
