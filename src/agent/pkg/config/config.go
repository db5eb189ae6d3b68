// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override, e.g.
// LQOS_TO_INTERNET=eth0.
const EnvPrefix = "LQOS"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the agent configuration
type Config struct {
	ToInternet   string `mapstructure:"to-internet"`
	ToNetwork    string `mapstructure:"to-network"`
	OnAStick     bool   `mapstructure:"on-a-stick"`
	InternetVLAN uint16 `mapstructure:"internet-vlan"`
	IspVLAN      uint16 `mapstructure:"isp-vlan"`

	BPFObject string `mapstructure:"bpf-object"`
	PinPath   string `mapstructure:"pin-path"`
	LockFile  string `mapstructure:"lock-file"`

	XDPBridge        bool     `mapstructure:"xdp-bridge"`
	BridgeInterfaces []string `mapstructure:"bridge-interface"`
	BridgeVLANs      []string `mapstructure:"bridge-vlan"`

	MappingDB string `mapstructure:"mapping-db"`

	LogLevel      string        `mapstructure:"log-level"`
	StatsInterval time.Duration `mapstructure:"stats-interval"`

	EnableAPI  bool   `mapstructure:"enable-api"`
	APIHost    string `mapstructure:"api-host"`
	APIPort    int    `mapstructure:"api-port"`
	EnableCORS bool   `mapstructure:"enable-cors"`
}

// Attachment is one interface to attach and the direction it faces.
type Attachment struct {
	Interface string
	Direction dataplane.Direction
}

// BindFlags registers every option on fs and binds it into v together with
// its LQOS_* environment variable.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("to-internet", "", "Interface facing the upstream internet")
	fs.String("to-network", "", "Interface facing the ISP network")
	fs.Bool("on-a-stick", false, "Single interface carrying both directions on separate VLANs")
	fs.Uint16("internet-vlan", 0, "VLAN tag of the internet side (on-a-stick)")
	fs.Uint16("isp-vlan", 0, "VLAN tag of the ISP side (on-a-stick)")

	fs.String("bpf-object", "/opt/libreqos/lqos_kern.o", "Compiled BPF object")
	fs.String("pin-path", dataplane.DefaultPinPath, "bpffs directory holding pinned maps")
	fs.String("lock-file", "/run/lqosd.lock", "Single-instance lock file")

	fs.Bool("xdp-bridge", false, "Bridge traffic in XDP instead of a kernel bridge")
	fs.StringSlice("bridge-interface", nil, "Bridge redirect IFACE=TARGET[:scan-vlans] (repeatable)")
	fs.StringSlice("bridge-vlan", nil, "Bridge VLAN rewrite IFACE:TAG=TAG (repeatable)")

	fs.String("mapping-db", "", "SQLite file persisting IP mappings (empty disables persistence)")

	fs.StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	fs.DurationP("stats-interval", "s", time.Second, "Throughput sampling interval")

	fs.BoolP("enable-api", "a", true, "Enable REST API server")
	fs.String("api-host", "127.0.0.1", "API server host")
	fs.Int("api-port", 9123, "API server port")
	fs.Bool("enable-cors", false, "Send permissive CORS headers")

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.ToInternet == "" {
		return fmt.Errorf("%w: to-internet is required", ErrInvalid)
	}
	if c.OnAStick {
		if c.ToNetwork != "" && c.ToNetwork != c.ToInternet {
			return fmt.Errorf("%w: on-a-stick uses a single interface, got to-network %q", ErrInvalid, c.ToNetwork)
		}
		if c.InternetVLAN == 0 || c.IspVLAN == 0 {
			return fmt.Errorf("%w: on-a-stick needs internet-vlan and isp-vlan", ErrInvalid)
		}
		if err := dataplane.OnAStick(c.InternetVLAN, c.IspVLAN).Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	} else {
		if c.ToNetwork == "" {
			return fmt.Errorf("%w: to-network is required", ErrInvalid)
		}
		if c.ToNetwork == c.ToInternet {
			return fmt.Errorf("%w: to-internet and to-network are both %q; use on-a-stick", ErrInvalid, c.ToInternet)
		}
	}
	if c.BPFObject == "" {
		return fmt.Errorf("%w: bpf-object is required", ErrInvalid)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("%w: stats-interval must be positive", ErrInvalid)
	}
	if c.EnableAPI && (c.APIPort < 1 || c.APIPort > 65535) {
		return fmt.Errorf("%w: api-port %d out of range", ErrInvalid, c.APIPort)
	}
	if _, err := c.Bridge(); err != nil {
		return err
	}
	return nil
}

// Attachments returns the interfaces to attach, internet side first.
func (c *Config) Attachments() []Attachment {
	if c.OnAStick {
		return []Attachment{{
			Interface: c.ToInternet,
			Direction: dataplane.OnAStick(c.InternetVLAN, c.IspVLAN),
		}}
	}
	return []Attachment{
		{Interface: c.ToInternet, Direction: dataplane.Internet()},
		{Interface: c.ToNetwork, Direction: dataplane.IspNetwork()},
	}
}

// Bridge derives the XDP bridge configuration. Without explicit mappings the
// two shaping interfaces are bridged to each other; on a stick the interface
// is bridged to itself and the two VLANs swapped.
func (c *Config) Bridge() (dataplane.BridgeConfig, error) {
	bc := dataplane.BridgeConfig{Enabled: c.XDPBridge}
	if !c.XDPBridge {
		return bc, nil
	}

	for _, s := range c.BridgeInterfaces {
		m, err := ParseInterfaceMapping(s)
		if err != nil {
			return bc, err
		}
		bc.Interfaces = append(bc.Interfaces, m)
	}
	for _, s := range c.BridgeVLANs {
		m, err := ParseVLANMapping(s)
		if err != nil {
			return bc, err
		}
		bc.VLANs = append(bc.VLANs, m)
	}

	if len(bc.Interfaces) == 0 && len(bc.VLANs) == 0 {
		if c.OnAStick {
			bc.Interfaces = []dataplane.InterfaceMapping{
				{Name: c.ToInternet, RedirectTo: c.ToInternet, ScanVLANs: true},
			}
			bc.VLANs = []dataplane.VLANMapping{
				{Parent: c.ToInternet, Tag: c.InternetVLAN, RedirectTo: c.IspVLAN},
				{Parent: c.ToInternet, Tag: c.IspVLAN, RedirectTo: c.InternetVLAN},
			}
		} else {
			bc.Interfaces = []dataplane.InterfaceMapping{
				{Name: c.ToInternet, RedirectTo: c.ToNetwork},
				{Name: c.ToNetwork, RedirectTo: c.ToInternet},
			}
		}
	}
	return bc, nil
}

// ParseInterfaceMapping parses IFACE=TARGET with an optional ":scan-vlans"
// suffix.
func ParseInterfaceMapping(s string) (dataplane.InterfaceMapping, error) {
	name, target, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || name == "" || target == "" {
		return dataplane.InterfaceMapping{}, fmt.Errorf("%w: bridge interface %q: expected IFACE=TARGET", ErrInvalid, s)
	}

	m := dataplane.InterfaceMapping{Name: name, RedirectTo: target}
	if t, opt, found := strings.Cut(target, ":"); found {
		if opt != "scan-vlans" {
			return dataplane.InterfaceMapping{}, fmt.Errorf("%w: bridge interface %q: unknown option %q", ErrInvalid, s, opt)
		}
		m.RedirectTo = t
		m.ScanVLANs = true
	}
	return m, nil
}

// ParseVLANMapping parses IFACE:TAG=TAG.
func ParseVLANMapping(s string) (dataplane.VLANMapping, error) {
	lhs, to, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return dataplane.VLANMapping{}, fmt.Errorf("%w: bridge vlan %q: expected IFACE:TAG=TAG", ErrInvalid, s)
	}
	parent, from, ok := strings.Cut(lhs, ":")
	if !ok || parent == "" {
		return dataplane.VLANMapping{}, fmt.Errorf("%w: bridge vlan %q: expected IFACE:TAG=TAG", ErrInvalid, s)
	}

	tag, err := parseVLAN(from)
	if err != nil {
		return dataplane.VLANMapping{}, fmt.Errorf("%w: bridge vlan %q: %w", ErrInvalid, s, err)
	}
	redirect, err := parseVLAN(to)
	if err != nil {
		return dataplane.VLANMapping{}, fmt.Errorf("%w: bridge vlan %q: %w", ErrInvalid, s, err)
	}
	return dataplane.VLANMapping{Parent: parent, Tag: tag, RedirectTo: redirect}, nil
}

func parseVLAN(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > 4094 {
		return 0, fmt.Errorf("vlan %d out of range 1-4094", n)
	}
	return uint16(n), nil
}
