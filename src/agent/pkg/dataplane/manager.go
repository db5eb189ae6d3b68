// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shaper-dataplane/src/agent/pkg/cpumap"
	"github.com/shaper-dataplane/src/agent/pkg/metrics"
	log "github.com/sirupsen/logrus"
)

// HandleKind names one of the three attachment points.
type HandleKind string

const (
	HandleXDP       HandleKind = "xdp"
	HandleTCEgress  HandleKind = "tc-egress"
	HandleTCIngress HandleKind = "tc-ingress"
)

// Handle records one program attached to an interface.
type Handle struct {
	Kind    HandleKind `json:"kind"`
	Program string     `json:"program"`
}

// InterfaceBinding is the result of a successful attach.
type InterfaceBinding struct {
	Interface         string            `json:"interface"`
	Index             int               `json:"index"`
	Direction         Direction         `json:"-"`
	DirectionName     string            `json:"direction"`
	IngressFilter     *Handle           `json:"ingress_filter,omitempty"`
	EgressClassifier  *Handle           `json:"egress_classifier,omitempty"`
	IngressClassifier *Handle           `json:"ingress_classifier,omitempty"`
	Assignment        cpumap.Assignment `json:"cpus"`

	program *Program
	poller  *Poller
}

// AffinityConfigurator prepares CPU steering for an interface.
type AffinityConfigurator interface {
	Configure(ifname string) (cpumap.Assignment, error)
}

var _ AffinityConfigurator = (*cpumap.Configurator)(nil)

// Manager attaches the shaper program to interfaces. Attach and Detach are
// not safe to run concurrently for the same interface.
type Manager struct {
	kernel     Kernel
	affinity   AffinityConfigurator
	bridge     BridgeConfig
	bridgeMaps BridgeMaps
	objectPath string

	strictOnce sync.Once
	strictErr  error

	ctx   context.Context
	spawn func(ctx context.Context, src EventSource, handler EventHandler) *Poller

	mu       sync.Mutex
	bindings map[string]*InterfaceBinding
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBridge enables the XDP bridge with the given tables.
func WithBridge(cfg BridgeConfig, maps BridgeMaps) ManagerOption {
	return func(m *Manager) {
		m.bridge = cfg
		m.bridgeMaps = maps
	}
}

// WithContext sets the context pollers run under. Defaults to Background,
// so pollers live as long as the process.
func WithContext(ctx context.Context) ManagerOption {
	return func(m *Manager) { m.ctx = ctx }
}

// NewManager creates a manager loading the program object at objectPath.
func NewManager(kernel Kernel, affinity AffinityConfigurator, objectPath string, opts ...ManagerOption) *Manager {
	m := &Manager{
		kernel:     kernel,
		affinity:   affinity,
		objectPath: objectPath,
		ctx:        context.Background(),
		spawn:      SpawnPoller,
		bindings:   make(map[string]*InterfaceBinding),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach loads the program with dir baked into its config region and wires
// it to ifname: XDP ingress filter, CPU steering, egress classifier, event
// poller and, if enabled, the bridge. Any stale attachment is removed first,
// so calling Attach again on the same interface is safe.
//
// A bridge failure is returned as ErrBridge with the egress classifier still
// in place; Detach followed by Attach recovers.
func (m *Manager) Attach(ifname string, dir Direction, handler EventHandler) (binding *InterfaceBinding, err error) {
	defer func() {
		var ae *AttachError
		stage := ""
		if errors.As(err, &ae) {
			stage = string(ae.Stage)
		}
		metrics.ObserveAttach(ifname, stage)
	}()

	if !m.kernel.Privileged() {
		return nil, attachErr(ifname, StagePrivilege, ErrPermissionDenied, nil)
	}
	if err := dir.Validate(); err != nil {
		return nil, attachErr(ifname, StageLoad, ErrKernelProgramRejected, err)
	}

	ifindex, err := m.kernel.InterfaceIndex(ifname)
	if err != nil {
		return nil, attachErr(ifname, StageResolve, ErrUnknownInterface, err)
	}

	m.strictOnce.Do(func() { m.strictErr = m.kernel.EnableStrictMode() })
	if m.strictErr != nil {
		return nil, attachErr(ifname, StageLoad, ErrKernelProgramRejected, m.strictErr)
	}

	prog, err := m.kernel.LoadProgram(m.objectPath, dir.Region())
	if err != nil {
		return nil, attachErr(ifname, StageLoad, ErrKernelProgramRejected, err)
	}
	log.WithFields(log.Fields{"interface": ifname, "direction": dir.String()}).Debug("Program loaded")

	binding = &InterfaceBinding{
		Interface:     ifname,
		Index:         ifindex,
		Direction:     dir,
		DirectionName: dir.String(),
		program:       prog,
	}

	m.detach(ifname, ifindex)

	mode, err := m.attachXDP(ifindex, prog)
	if err != nil {
		prog.Close()
		return nil, attachErr(ifname, StageXDP, ErrAttachExhausted, err)
	}
	logXDPMode(ifname, mode)
	metrics.SetXDPMode(ifname, mode.Name, LadderModes())
	binding.IngressFilter = &Handle{Kind: HandleXDP, Program: ProgXDP}
	// Stored as soon as something is attached so a partial attach stays
	// visible and a later Detach releases it.
	m.store(binding)

	assignment, err := m.affinity.Configure(ifname)
	if err != nil {
		return nil, attachErr(ifname, StageAffinity, ErrAffinity, err)
	}
	binding.Assignment = assignment

	if err := m.attachEgress(ifname, ifindex, prog); err != nil {
		return nil, attachErr(ifname, StageClassifier, ErrClassifierAttach, err)
	}
	binding.EgressClassifier = &Handle{Kind: HandleTCEgress, Program: ProgEgress}

	src, err := m.kernel.OpenEventChannel(prog, EventMapName)
	if err != nil {
		return nil, attachErr(ifname, StageEvents, ErrEventChannelUnavailable, err)
	}
	binding.poller = m.spawn(m.ctx, src, handler)

	if m.bridge.Enabled {
		if err := m.attachBridge(ifname, ifindex, prog); err != nil {
			return nil, attachErr(ifname, StageBridge, ErrBridge, err)
		}
		binding.IngressClassifier = &Handle{Kind: HandleTCIngress, Program: ProgIngress}
	}

	log.Infof("Attached to %s (%s)", ifname, dir)
	return binding, nil
}

func (m *Manager) attachXDP(ifindex int, prog *Program) (XDPMode, error) {
	var errs []error
	for _, mode := range xdpLadder {
		err := m.kernel.AttachXDP(ifindex, prog, mode.Flags)
		if err == nil {
			return mode, nil
		}
		log.Debugf("XDP %s attach failed: %v", mode.Name, err)
		errs = append(errs, fmt.Errorf("%s: %w", mode.Name, err))
	}
	return XDPMode{}, errors.Join(errs...)
}

func logXDPMode(ifname string, mode XDPMode) {
	switch mode.Name {
	case xdpLadder[0].Name:
		log.Infof("Attached %s in hardware accelerated mode (fastest)", ifname)
	case xdpLadder[1].Name:
		log.Infof("Attached %s in driver mode (fast)", ifname)
	default:
		log.Warnf("Attached %s in %s compatibility mode (not so fast)", ifname, mode.Name)
	}
}

func (m *Manager) attachEgress(ifname string, ifindex int, prog *Program) error {
	if err := m.kernel.DetachClassifier(ifindex, Egress); err != nil {
		log.Debugf("No stale egress classifier on %s: %v", ifname, err)
	}
	if err := m.kernel.RemoveClsact(ifname); err != nil {
		log.Debugf("Removing clsact from %s: %v", ifname, err)
	}
	if err := m.kernel.AddClsact(ifname); err != nil {
		return fmt.Errorf("adding clsact qdisc: %w", err)
	}
	return m.kernel.AttachClassifier(ifindex, prog, Egress)
}

func (m *Manager) attachBridge(ifname string, ifindex int, prog *Program) error {
	for _, mapping := range m.bridge.Interfaces {
		log.Infof("Enabling promiscuous mode on %s", mapping.Name)
		if err := m.kernel.SetPromisc(mapping.Name); err != nil {
			return fmt.Errorf("promiscuous mode on %s: %w", mapping.Name, err)
		}
	}
	if m.bridgeMaps == nil {
		return errors.New("bridge enabled without bridge maps")
	}
	if err := m.bridgeMaps.Clear(); err != nil {
		return err
	}
	if err := m.bridgeMaps.MapInterfaces(m.bridge.Interfaces); err != nil {
		return err
	}
	if err := m.bridgeMaps.MapVLANs(m.bridge.VLANs); err != nil {
		return err
	}
	return m.kernel.AttachClassifier(ifindex, prog, Ingress)
}

// Detach removes the XDP filter and both classifiers from ifname. Each step
// is best effort: nothing attached is not an error.
func (m *Manager) Detach(ifname string) error {
	if !m.kernel.Privileged() {
		return attachErr(ifname, StagePrivilege, ErrPermissionDenied, nil)
	}
	ifindex, err := m.kernel.InterfaceIndex(ifname)
	if err != nil {
		return attachErr(ifname, StageResolve, ErrUnknownInterface, err)
	}

	log.Infof("Unloading XDP/TC from %s", ifname)
	m.detach(ifname, ifindex)
	return nil
}

func (m *Manager) detach(ifname string, ifindex int) {
	if err := m.kernel.DetachXDP(ifindex); err != nil {
		log.Debugf("Detaching XDP from %s: %v", ifname, err)
	}
	if err := m.kernel.DetachClassifier(ifindex, Egress); err != nil {
		log.Debugf("Detaching egress classifier from %s: %v", ifname, err)
	}
	if err := m.kernel.DetachClassifier(ifindex, Ingress); err != nil {
		log.Debugf("Detaching ingress classifier from %s: %v", ifname, err)
	}

	m.mu.Lock()
	old := m.bindings[ifname]
	delete(m.bindings, ifname)
	m.mu.Unlock()
	if old != nil {
		if old.poller != nil {
			old.poller.Stop()
		}
		old.program.Close()
	}
}

func (m *Manager) store(b *InterfaceBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.Interface] = b
}

// Bindings returns a copy of every current binding.
func (m *Manager) Bindings() []InterfaceBinding {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InterfaceBinding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, *b)
	}
	return out
}
