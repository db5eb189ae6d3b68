// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package cpumap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultSysfsRoot is where per-interface queue settings live.
	DefaultSysfsRoot = "/sys/class/net"

	// DefaultPinPath is the bpffs directory holding the pinned maps.
	DefaultPinPath = "/sys/fs/bpf"

	// QueueSize is the per-CPU redirect queue size written to cpu_map.
	QueueSize = 2048

	mapCPU       = "cpu_map"
	mapAvailable = "cpus_available"
	mapTxQueue   = "map_txq_config"
)

var (
	// ErrNoCPUs is returned when CPU discovery yields nothing usable.
	ErrNoCPUs = errors.New("no online CPUs found")
	// ErrLayout is returned by CheckLayout on a kernel struct mismatch.
	ErrLayout = errors.New("kernel struct layout mismatch")
)

// CPUMapValue mirrors struct bpf_cpumap_val.
type CPUMapValue struct {
	QueueSize uint32
	ProgFD    int32
}

// TxQueueConfig mirrors struct txq_config.
type TxQueueConfig struct {
	QueueMapping uint16
	HTBMajor     uint16
}

// QueueBinding ties one CPU to the transmit queue it feeds.
type QueueBinding struct {
	CPU     uint32 `json:"cpu"`
	TxQueue uint16 `json:"tx_queue"`
}

// Assignment is the ordered CPU to queue mapping pushed into the kernel. It is
// never modified once written.
type Assignment []QueueBinding

// CPUs returns the CPU indices of the assignment in order.
func (a Assignment) CPUs() []uint32 {
	out := make([]uint32, len(a))
	for i, b := range a {
		out[i] = b.CPU
	}
	return out
}

// Updater is the write side of a BPF map.
type Updater interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Close() error
}

var _ Updater = (*ebpf.Map)(nil)

// OpenFunc opens a pinned map by name.
type OpenFunc func(name string) (Updater, error)

// Configurator prepares CPU steering for an interface: it turns off XPS so
// the kernel does not override the program's queue choice, marks every
// online CPU as a redirect target and writes the base transmit queue table.
type Configurator struct {
	sysfsRoot string
	open      OpenFunc
	cpus      func() ([]uint32, error)
}

// Option tweaks a Configurator.
type Option func(*Configurator)

// WithSysfsRoot points the XPS writer at a different /sys/class/net.
func WithSysfsRoot(root string) Option {
	return func(c *Configurator) { c.sysfsRoot = root }
}

// WithOpener replaces how maps are opened.
func WithOpener(open OpenFunc) Option {
	return func(c *Configurator) { c.open = open }
}

// WithCPUs replaces CPU discovery.
func WithCPUs(cpus func() ([]uint32, error)) Option {
	return func(c *Configurator) { c.cpus = cpus }
}

// NewConfigurator creates a configurator using the pinned maps under pinPath.
func NewConfigurator(pinPath string, opts ...Option) *Configurator {
	if pinPath == "" {
		pinPath = DefaultPinPath
	}
	c := &Configurator{
		sysfsRoot: DefaultSysfsRoot,
		open:      PinnedOpener(pinPath),
		cpus:      OnlineCPUs,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PinnedOpener opens maps pinned in dir for writing.
func PinnedOpener(dir string) OpenFunc {
	return func(name string) (Updater, error) {
		m, err := ebpf.LoadPinnedMap(filepath.Join(dir, name), nil)
		if err != nil {
			return nil, fmt.Errorf("opening pinned map %s: %w", name, err)
		}
		return m, nil
	}
}

// OnlineCPUs lists logical CPUs, bounded by what the kernel considers
// possible so no index falls outside the per-CPU map range.
func OnlineCPUs() ([]uint32, error) {
	logical, err := cpu.Counts(true)
	if err != nil {
		return nil, fmt.Errorf("counting logical CPUs: %w", err)
	}
	possible, err := ebpf.PossibleCPU()
	if err != nil {
		return nil, fmt.Errorf("reading possible CPUs: %w", err)
	}
	n := logical
	if possible < n {
		n = possible
	}
	if n <= 0 {
		return nil, ErrNoCPUs
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i)
	}
	return out, nil
}

// Configure runs the full affinity setup for ifname and returns the
// assignment that was written. Any failure is fatal: a half-written CPU table
// cannot be used safely, so the error names the CPU that failed.
func (c *Configurator) Configure(ifname string) (Assignment, error) {
	if err := c.DisableXPS(ifname); err != nil {
		return nil, err
	}

	cpus, err := c.cpus()
	if err != nil {
		return nil, err
	}
	if len(cpus) == 0 {
		return nil, ErrNoCPUs
	}

	cpuMap, err := c.open(mapCPU)
	if err != nil {
		return nil, err
	}
	defer cpuMap.Close()

	available, err := c.open(mapAvailable)
	if err != nil {
		return nil, err
	}
	defer available.Close()

	txq, err := c.open(mapTxQueue)
	if err != nil {
		return nil, err
	}
	defer txq.Close()

	for _, id := range cpus {
		val := CPUMapValue{QueueSize: QueueSize}
		if err := cpuMap.Update(&id, &val, ebpf.UpdateAny); err != nil {
			return nil, fmt.Errorf("adding CPU %d to %s: %w", id, mapCPU, err)
		}
		if err := available.Update(&id, &id, ebpf.UpdateAny); err != nil {
			return nil, fmt.Errorf("marking CPU %d available: %w", id, err)
		}
	}

	assignment := make(Assignment, 0, len(cpus))
	for _, id := range cpus {
		queue := uint16(id + 1)
		cfg := TxQueueConfig{QueueMapping: queue, HTBMajor: queue}
		if err := txq.Update(&id, &cfg, ebpf.UpdateAny); err != nil {
			return nil, fmt.Errorf("writing txq config for CPU %d: %w", id, err)
		}
		assignment = append(assignment, QueueBinding{CPU: id, TxQueue: queue})
	}

	log.Infof("Configured %d CPUs for %s", len(assignment), ifname)
	return assignment, nil
}

// DisableXPS writes an empty CPU mask to every transmit queue of ifname.
func (c *Configurator) DisableXPS(ifname string) error {
	queues, err := c.txQueues(ifname)
	if err != nil {
		return err
	}
	for _, q := range queues {
		p := filepath.Join(c.sysfsRoot, ifname, "queues", q, "xps_cpus")
		if err := os.WriteFile(p, []byte("0"), 0o644); err != nil {
			return fmt.Errorf("disabling XPS on %s %s: %w", ifname, q, err)
		}
	}
	log.Debugf("Disabled XPS on %d tx queues of %s", len(queues), ifname)
	return nil
}

func (c *Configurator) txQueues(ifname string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.sysfsRoot, ifname, "queues"))
	if err != nil {
		return nil, fmt.Errorf("listing queues of %s: %w", ifname, err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "tx-") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// CheckLayout verifies the CPU map value structs match the kernel.
func CheckLayout() error {
	if got := unsafe.Sizeof(CPUMapValue{}); got != 8 {
		return fmt.Errorf("%w: CPUMapValue is %d bytes, want 8", ErrLayout, got)
	}
	if got := unsafe.Sizeof(TxQueueConfig{}); got != 4 {
		return fmt.Errorf("%w: TxQueueConfig is %d bytes, want 4", ErrLayout, got)
	}
	return nil
}
