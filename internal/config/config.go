// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config holds the LinkConfig data model and its persistence to
// a flat key/value store.
package config

import "fmt"

// Kind discriminates the LinkConfig variant.
type Kind string

const (
	KindSerial Kind = "serial"
	KindUDP    Kind = "udp"
)

// Role is the reserved-name slot a config fills in the bridge topology.
// A config with RoleNone is a plain user-added link that cannot be
// elected into those slots.
type Role string

const (
	RoleNone         Role = ""
	RoleAutopilot    Role = "autopilot"
	RolePrimaryUDP   Role = "primary-udp"
	RoleSecondaryUDP Role = "secondary-udp"
	RoleForwarding   Role = "forwarding"
)

// Common holds the attributes shared by every LinkConfig variant.
type Common struct {
	Name        string
	Role        Role
	AutoConnect bool
	// Dynamic configs are ephemeral: created by autoconnect or programmatic
	// forwarding setup, never persisted.
	Dynamic     bool
	HighLatency bool
}

// Parity mirrors the handful of serial parity settings QGroundControl's
// SerialConfiguration exposes.
type Parity string

const (
	ParityNone  Parity = "N"
	ParityEven  Parity = "E"
	ParityOdd   Parity = "O"
	ParityMark  Parity = "M"
	ParitySpace Parity = "S"
)

// SerialConfig is the serial-specific half of LinkConfig.
type SerialConfig struct {
	Common

	PortName        string // system port path, e.g. "/dev/ttyUSB0" or "COM3"
	PortDisplayName string
	Baud            int
	DataBits        int
	Parity          Parity
	StopBits        float64 // 1, 1.5, or 2
	FlowControl     bool    // when set, RTS is asserted after open; RTS/CTS handshaking is not configured
	USBDirect       bool    // set for autoconnected Pixhawk boards
}

// Kind implements LinkConfig.
func (c *SerialConfig) Kind() Kind { return KindSerial }

// UDPPeer is one address/port pair a UDP link sends to.
type UDPPeer struct {
	Host string
	Port uint16
}

func (p UDPPeer) String() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// UDPConfig is the UDP-specific half of LinkConfig.
type UDPConfig struct {
	Common

	LocalPort uint16
	Peers     []UDPPeer // configured peers, stable for the link's life
}

// Kind implements LinkConfig.
func (c *UDPConfig) Kind() Kind { return KindUDP }

// AddHost parses and appends a host to Peers, accepting either
// "host:port" or a bare host (which falls back to LocalPort). Duplicate
// (host, port) pairs are silently ignored.
func (c *UDPConfig) AddHost(hostport string) error {
	host, port, err := splitHostPort(hostport, c.LocalPort)
	if err != nil {
		return err
	}
	for _, p := range c.Peers {
		if p.Host == host && p.Port == port {
			return nil // duplicate, no-op
		}
	}
	c.Peers = append(c.Peers, UDPPeer{Host: host, Port: port})
	return nil
}

// RemoveHost removes a previously-added host; a missing host is a no-op.
func (c *UDPConfig) RemoveHost(hostport string) error {
	host, port, err := splitHostPort(hostport, c.LocalPort)
	if err != nil {
		return err
	}
	for i, p := range c.Peers {
		if p.Host == host && p.Port == port {
			c.Peers = append(c.Peers[:i], c.Peers[i+1:]...)
			return nil
		}
	}
	return nil
}

func splitHostPort(hostport string, defaultPort uint16) (string, uint16, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			host := hostport[:i]
			var port uint16
			if _, err := fmt.Sscanf(hostport[i+1:], "%d", &port); err != nil {
				return "", 0, fmt.Errorf("invalid host format %q: %w", hostport, err)
			}
			return host, port, nil
		}
	}
	return hostport, defaultPort, nil
}

// LinkConfig is the shared contract both variants satisfy.
type LinkConfig interface {
	Kind() Kind
}

// RoleOf returns cfg's reserved-name role, used by the registry's role
// lookups and the pipeline's ingress routing.
func RoleOf(cfg LinkConfig) Role {
	switch c := cfg.(type) {
	case *SerialConfig:
		return c.Role
	case *UDPConfig:
		return c.Role
	default:
		return RoleNone
	}
}

// NameOf returns cfg's display name, the stable key the registry indexes
// live links by.
func NameOf(cfg LinkConfig) string {
	switch c := cfg.(type) {
	case *SerialConfig:
		return c.Name
	case *UDPConfig:
		return c.Name
	default:
		return ""
	}
}

// IsDynamic reports whether cfg is excluded from persistence.
func IsDynamic(cfg LinkConfig) bool {
	switch c := cfg.(type) {
	case *SerialConfig:
		return c.Dynamic
	case *UDPConfig:
		return c.Dynamic
	default:
		return false
	}
}
