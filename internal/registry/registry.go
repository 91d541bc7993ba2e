// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry implements the link registry: the
// single place configurations become connected links, channel ids are
// allocated and freed in lockstep with a link's lifetime, and the bridge
// and pipeline look links up by role without reaching into transport
// details.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"mavbridge/internal/chanalloc"
	"mavbridge/internal/config"
	"mavbridge/internal/linkhandle"
	"mavbridge/internal/mavlink"
	"mavbridge/internal/transport"
)

// Registry owns every connected link's Handle, keyed by configuration
// name.
type Registry struct {
	mu    sync.RWMutex
	alloc *chanalloc.Allocator
	codec *mavlink.Codec

	handles map[string]*linkhandle.Handle
	live    map[string]*atomic.Int32 // per-handle weak-ref liveness flag, lock-free for readers
}

// New builds an empty registry sharing alloc and codec with the rest of
// the bridge's wiring.
func New(alloc *chanalloc.Allocator, codec *mavlink.Codec) *Registry {
	return &Registry{
		alloc:   alloc,
		codec:   codec,
		handles: make(map[string]*linkhandle.Handle),
		live:    make(map[string]*atomic.Int32),
	}
}

func nameOf(cfg config.LinkConfig) string {
	if n := config.NameOf(cfg); n != "" {
		return n
	}
	return fmt.Sprintf("%p", cfg)
}

// CreateConnectedLink allocates a channel, builds the matching transport
// worker for cfg's kind, wraps it in a Handle, and issues Connect. The returned Handle is registered under
// cfg's name; a second call with the same name tears down the prior entry
// first, freeing its channel id.
func (r *Registry) CreateConnectedLink(cfg config.LinkConfig) (*linkhandle.Handle, error) {
	name := nameOf(cfg)

	r.mu.Lock()
	if prior, ok := r.handles[name]; ok {
		r.mu.Unlock()
		r.teardown(name, prior)
		r.mu.Lock()
	}
	r.mu.Unlock()

	worker, err := buildWorker(cfg)
	if err != nil {
		return nil, err
	}

	id := r.alloc.Allocate(r.codec.ResetChannel)
	if id == chanalloc.Invalid {
		return nil, fmt.Errorf("registry: channel allocator exhausted, cannot open %q", name)
	}

	h := linkhandle.New(cfg, id, worker)
	live := new(atomic.Int32)
	live.Store(1)

	r.mu.Lock()
	r.handles[name] = h
	r.live[name] = live
	r.mu.Unlock()

	go forwardEvents(name, cfg, h, worker)

	h.Connect()
	slog.Info("link created", "name", name, "kind", cfg.Kind(), "channel", id)
	return h, nil
}

// forwardEvents is the single reader of worker's event channel: it
// republishes every event on h's own feed for downstream consumers (the
// frame pipeline, link-state logging) and, on EventError, translates the
// bare message into a titled (title, detail) communicationError matching
// UDPLink::_onErrorOccurred / SerialLink::_onErrorOccurred.
func forwardEvents(name string, cfg config.LinkConfig, h *linkhandle.Handle, worker transport.Worker) {
	for ev := range worker.Events() {
		h.DeliverEvent(ev)
		if ev.Kind != transport.EventError {
			continue
		}
		title, detail := communicationError(name, cfg, ev.Err)
		slog.Warn("communication error", "title", title, "detail", detail)
		h.ReportCommunicationError(title, detail)
	}
}

// communicationError builds the (title, detail) pair for a link's error,
// mirroring UDPLink/SerialLink's tr("... Link Error")/"Link %1: ..." format.
func communicationError(name string, cfg config.LinkConfig, errMsg string) (title, detail string) {
	switch c := cfg.(type) {
	case *config.SerialConfig:
		return "Serial Link Error", fmt.Sprintf("Link %s: (Port: %s) %s", name, c.PortName, errMsg)
	default:
		return "UDP Link Error", fmt.Sprintf("Link %s: %s", name, errMsg)
	}
}

// buildWorker constructs the transport.Worker for cfg's variant, translating
// the config's wire-format parity/stop-bit fields into the go.bug.st/serial
// constants SerialParams expects.
func buildWorker(cfg config.LinkConfig) (transport.Worker, error) {
	switch c := cfg.(type) {
	case *config.SerialConfig:
		parity, err := toSerialParity(c.Parity)
		if err != nil {
			return nil, err
		}
		stopBits, err := toSerialStopBits(c.StopBits)
		if err != nil {
			return nil, err
		}
		return transport.NewSerialWorker(transport.SerialParams{
			PortPath:    c.PortName,
			Baud:        c.Baud,
			DataBits:    c.DataBits,
			Parity:      parity,
			StopBits:    stopBits,
			FlowControl: c.FlowControl,
			AutoConnect: c.AutoConnect,
		}), nil
	case *config.UDPConfig:
		peers := make([]transport.UDPPeerAddr, 0, len(c.Peers))
		for _, p := range c.Peers {
			peers = append(peers, transport.UDPPeerAddr{Host: p.Host, Port: p.Port})
		}
		return transport.NewUDPWorker(transport.UDPParams{
			LocalPort:       c.LocalPort,
			ConfiguredPeers: peers,
		}), nil
	default:
		return nil, fmt.Errorf("registry: unknown config kind %T", cfg)
	}
}

func toSerialParity(p config.Parity) (serial.Parity, error) {
	switch p {
	case config.ParityNone, "":
		return serial.NoParity, nil
	case config.ParityEven:
		return serial.EvenParity, nil
	case config.ParityOdd:
		return serial.OddParity, nil
	case config.ParityMark:
		return serial.MarkParity, nil
	case config.ParitySpace:
		return serial.SpaceParity, nil
	default:
		return 0, fmt.Errorf("registry: unknown parity %q", p)
	}
}

func toSerialStopBits(sb float64) (serial.StopBits, error) {
	switch sb {
	case 0, 1:
		return serial.OneStopBit, nil
	case 1.5:
		return serial.OnePointFiveStopBits, nil
	case 2:
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("registry: unknown stop bits %v", sb)
	}
}

// ByRole returns the currently registered link filling role, or nil if no
// link currently claims it.
func (r *Registry) ByRole(role config.Role) *linkhandle.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if config.RoleOf(h.Config) == role {
			return h
		}
	}
	return nil
}

// All returns every currently registered handle.
func (r *Registry) All() []*linkhandle.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*linkhandle.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// WeakRef returns a non-owning reference to h, suitable for the bridge's
// elected-primary slot.
func (r *Registry) WeakRef(h *linkhandle.Handle) linkhandle.WeakRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live := r.live[nameOf(h.Config)]
	return linkhandle.NewWeakRef(h, live)
}

// Remove tears down and forgets the named link, freeing its channel id.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.teardown(name, h)
}

func (r *Registry) teardown(name string, h *linkhandle.Handle) {
	h.DisconnectWait(2 * time.Second)
	r.alloc.Free(h.Channel)

	r.mu.Lock()
	if live, ok := r.live[name]; ok {
		live.Store(0)
	}
	delete(r.handles, name)
	delete(r.live, name)
	r.mu.Unlock()
}

// DisconnectAll tears down every registered link, for process shutdown.
func (r *Registry) DisconnectAll(timeout time.Duration) {
	r.mu.RLock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.mu.RLock()
		h := r.handles[name]
		r.mu.RUnlock()
		if h == nil {
			continue
		}
		h.DisconnectWait(timeout)
		r.alloc.Free(h.Channel)
		r.mu.Lock()
		if live, ok := r.live[name]; ok {
			live.Store(0)
		}
		delete(r.handles, name)
		delete(r.live, name)
		r.mu.Unlock()
	}
}

// SaveableConfigs returns the LinkConfig of every registered link that
// should survive a persistence round-trip: dynamic configs are never
// saved.
func (r *Registry) SaveableConfigs() []config.LinkConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.LinkConfig, 0, len(r.handles))
	for _, h := range r.handles {
		if config.IsDynamic(h.Config) {
			continue
		}
		out = append(out, h.Config)
	}
	return out
}

// AddDynamicForwardLink builds and connects an ephemeral UDP link
// forwarding to target: the resulting config has Dynamic set so it is
// excluded from persistence.
func (r *Registry) AddDynamicForwardLink(namePrefix string, localPort uint16, target config.UDPPeer) (*linkhandle.Handle, error) {
	cfg := &config.UDPConfig{
		Common: config.Common{
			Name:    fmt.Sprintf("%s-%d", namePrefix, localPort),
			Role:    config.RoleForwarding,
			Dynamic: true,
		},
		LocalPort: localPort,
		Peers:     []config.UDPPeer{target},
	}
	return r.CreateConnectedLink(cfg)
}
