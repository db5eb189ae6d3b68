// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package api

import (
	"net"
	"strconv"
	"time"
)

// DefaultPort is the local status API port.
const DefaultPort = 9123

// Config holds API server configuration
type Config struct {
	// Host is the address to bind to. The API is meant for the local
	// node, so the default stays on loopback.
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableCORS bool

	// LogLevel "debug" switches gin to debug mode
	LogLevel string

	// MetricsPath is where the Prometheus exporter is mounted
	MetricsPath string
}

// DefaultConfig returns default API configuration
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         DefaultPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		LogLevel:     "info",
		MetricsPath:  "/metrics",
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
