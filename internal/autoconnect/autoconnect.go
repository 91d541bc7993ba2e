// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package autoconnect implements the serial autoconnect probe: a
// periodic scan that filters composite USB devices, classifies
// survivors, debounces new boards before dialing them, and tracks
// (without ever opening) an RTK GPS port purely to notice when it
// disappears.
package autoconnect

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mavbridge/internal/config"
	"mavbridge/internal/registry"
	"mavbridge/internal/transport"
)

const probePeriod = 1000 * time.Millisecond

// BoardKind is the result of board identification, treated as a pure
// function from port info to board kind so it composes cleanly with the
// debounce logic below. ClassifyBoard is a minimal heuristic sufficient
// to drive baud selection and the USB-direct flag, not a faithful
// per-vendor board table.
type BoardKind int

const (
	BoardUnknown BoardKind = iota
	BoardPixhawk
	BoardSiKRadio
	BoardRTKGPS
)

func (k BoardKind) String() string {
	switch k {
	case BoardPixhawk:
		return "Pixhawk"
	case BoardSiKRadio:
		return "SiK Radio"
	case BoardRTKGPS:
		return "RTK GPS"
	default:
		return "Unknown"
	}
}

// ClassifyBoard identifies a board kind from its enumerated USB identity.
func ClassifyBoard(info transport.SerialPortInfo) BoardKind {
	product := strings.ToLower(info.Product)
	switch {
	case strings.Contains(product, "sik"):
		return BoardSiKRadio
	case strings.Contains(product, "rtk"), strings.Contains(product, "gps"):
		return BoardRTKGPS
	case info.IsUSB:
		return BoardPixhawk
	default:
		return BoardUnknown
	}
}

func baudFor(kind BoardKind) int {
	if kind == BoardSiKRadio {
		return 57600
	}
	return 115200
}

// filterComposite handles composite USB devices that enumerate as
// several ports: within ports sharing a (vendor, product, serial number)
// identity, keep only the first seen unless a later one's description
// contains "NMEA".
func filterComposite(ports []transport.SerialPortInfo) []transport.SerialPortInfo {
	type key struct{ vid, pid, serial string }
	seen := make(map[key]bool, len(ports))
	out := make([]transport.SerialPortInfo, 0, len(ports))
	for _, p := range ports {
		k := key{p.VID, p.PID, p.SerialNumber}
		if seen[k] {
			if strings.Contains(strings.ToUpper(p.Product), "NMEA") {
				out = append(out, p)
			}
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

// Probe runs the autoconnect scan on its own ticker, issuing
// CreateConnectedLink against reg once a board has been seen stable for
// debounce.
type Probe struct {
	reg      *registry.Registry
	debounce time.Duration

	mu             sync.Mutex
	waitlist       map[string]int
	connectedPorts map[string]bool
	rtkPort        string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a probe that dials a newly seen board once it has survived
// debounce worth of 1000ms ticks.
func New(reg *registry.Registry, debounce time.Duration) *Probe {
	return &Probe{
		reg:            reg,
		debounce:       debounce,
		waitlist:       make(map[string]int),
		connectedPorts: make(map[string]bool),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the probe's ticker goroutine.
func (p *Probe) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop halts the probe and waits for its goroutine to exit.
func (p *Probe) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Probe) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(probePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Probe) tick() {
	ports, err := transport.EnumeratePorts()
	if err != nil {
		slog.Warn("autoconnect: enumeration failed", "error", err)
		return
	}

	survivors := filterComposite(ports)
	seenRTK := false
	for _, port := range survivors {
		kind := ClassifyBoard(port)
		if kind == BoardRTKGPS {
			seenRTK = true
			p.mu.Lock()
			p.rtkPort = port.Name
			p.mu.Unlock()
			continue // watched for presence only, never dialed
		}
		if port.IsBootloader() {
			continue
		}
		if p.isConnected(port.Name) {
			continue
		}
		p.bump(port, kind)
	}

	// Step 6: a previously-tracked RTK port that vanished from this pass's
	// enumeration clears the slot.
	if !seenRTK {
		p.mu.Lock()
		p.rtkPort = ""
		p.mu.Unlock()
	}
}

func (p *Probe) isConnected(portName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedPorts[portName]
}

func (p *Probe) bump(port transport.SerialPortInfo, kind BoardKind) {
	p.mu.Lock()
	p.waitlist[port.Name]++
	count := p.waitlist[port.Name]
	p.mu.Unlock()

	if time.Duration(count)*probePeriod <= p.debounce {
		return
	}

	p.mu.Lock()
	delete(p.waitlist, port.Name)
	p.mu.Unlock()

	p.connect(port, kind)
}

// connect builds a dynamic autoconnect serial config and registers it as
// the autopilot link.
func (p *Probe) connect(port transport.SerialPortInfo, kind BoardKind) {
	cfg := &config.SerialConfig{
		Common: config.Common{
			Name:        fmt.Sprintf("%s on %s (AutoConnect)", kind, port.Name),
			Role:        config.RoleAutopilot,
			AutoConnect: true,
			Dynamic:     true,
		},
		PortName:        port.Name,
		PortDisplayName: port.Name,
		Baud:            baudFor(kind),
		DataBits:        8,
		Parity:          config.ParityNone,
		StopBits:        1,
		USBDirect:       kind == BoardPixhawk,
	}

	h, err := p.reg.CreateConnectedLink(cfg)
	if err != nil {
		slog.Warn("autoconnect: failed to create link", "port", port.Name, "error", err)
		return
	}

	p.mu.Lock()
	p.connectedPorts[port.Name] = true
	p.mu.Unlock()
	slog.Info("autoconnected to board", "port", port.Name, "kind", kind, "channel", h.Channel)
}

// RTKPort reports the currently tracked RTK GPS port name, or "" if none
// is currently seen.
func (p *Probe) RTKPort() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtkPort
}
