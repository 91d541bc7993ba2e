// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package linkhandle implements LinkHandle: a link's
// stable identity, independent of its worker goroutine, carrying its
// allocated channel id and exposing thread-safe connect/disconnect/write.
package linkhandle

import (
	"sync"
	"sync/atomic"
	"time"

	"mavbridge/internal/chanalloc"
	"mavbridge/internal/config"
	"mavbridge/internal/transport"
)

// CommunicationError is a titled, link-attributed error, matching the
// (title, detail) shape QGroundControl's LinkInterface::communicationError
// signal carries: a short category for display plus a detail string
// naming the offending link.
type CommunicationError struct {
	Title  string
	Detail string
}

// Handle is the registry's unit of ownership for a live link. The
// registry owns Handles; the frame pipeline and bridge hold non-owning
// references (plain *Handle pointers obtained from the registry) that may
// outlive the transport worker but never the Handle itself.
type Handle struct {
	Config  config.LinkConfig
	Channel uint8 // chanalloc.Invalid until opened

	mu     sync.RWMutex
	worker transport.Worker

	events   chan transport.Event
	commErrs chan CommunicationError
}

// New wraps worker under a Handle for cfg, with the already-allocated
// channel id.
func New(cfg config.LinkConfig, channel uint8, worker transport.Worker) *Handle {
	return &Handle{
		Config:   cfg,
		Channel:  channel,
		worker:   worker,
		events:   make(chan transport.Event, 256),
		commErrs: make(chan CommunicationError, 16),
	}
}

// Events returns the handle's own event feed: a passthrough of the
// underlying worker's events, republished by the registry so the worker's
// channel itself has exactly one reader.
func (h *Handle) Events() <-chan transport.Event { return h.events }

// CommunicationErrors returns the handle's titled-error feed, populated by
// the registry translating the worker's bare EventError occurrences.
func (h *Handle) CommunicationErrors() <-chan CommunicationError { return h.commErrs }

// DeliverEvent republishes ev on the handle's own event channel. Called
// only by the registry's per-link forwarding goroutine.
func (h *Handle) DeliverEvent(ev transport.Event) {
	select {
	case h.events <- ev:
	default:
	}
}

// ReportCommunicationError delivers a titled error on the handle's
// CommunicationErrors feed. Called only by the registry's per-link
// forwarding goroutine.
func (h *Handle) ReportCommunicationError(title, detail string) {
	select {
	case h.commErrs <- CommunicationError{Title: title, Detail: detail}:
	default:
	}
}

// Worker returns the underlying transport worker. Non-nil for the
// lifetime of the Handle once constructed; the registry removes a Handle
// from its live set rather than clearing this field, so callers racing a
// teardown observe either a fully-live worker or find the Handle absent
// from Registry lookups — never a half-torn-down one.
func (h *Handle) Worker() transport.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.worker
}

// Connect requests the underlying worker open its endpoint.
func (h *Handle) Connect() { h.Worker().Connect() }

// Disconnect requests the underlying worker close its endpoint. Safe to
// call multiple times.
func (h *Handle) Disconnect() { h.Worker().Disconnect() }

// DisconnectWait blocks for the worker to actually exit, for shutdown.
func (h *Handle) DisconnectWait(timeout time.Duration) bool {
	return h.Worker().DisconnectWait(timeout)
}

// Write queues bytes on the handle's worker.
func (h *Handle) Write(data []byte) error { return h.Worker().Write(data) }

// Connected reports the worker's last known connection state.
func (h *Handle) Connected() bool { return h.Worker().Connected() }

// ChannelValid reports whether Channel holds a real allocation.
func (h *Handle) ChannelValid() bool { return h.Channel != chanalloc.Invalid }

// WeakRef is the non-owning reference convention used for the bridge's
// elected-primary slot: it holds the Handle pointer directly (Go's GC
// makes a true weak pointer meaningless for keeping the Handle alive) but
// tracks a liveness flag set by the registry on teardown, so a stale
// WeakRef reliably reports itself as vacated instead of silently
// resolving to a handle the registry has already removed.
type WeakRef struct {
	handle *Handle
	live   *atomic.Int32 // shared with the registry; loads/stores are lock-free
}

// NewWeakRef builds a WeakRef for h, tying its liveness to live — the same
// flag the registry flips to 0 when h is torn down. live must be readable
// without locking from the frame pipeline's goroutines, which never take
// the registry's lock.
func NewWeakRef(h *Handle, live *atomic.Int32) WeakRef {
	return WeakRef{handle: h, live: live}
}

// Get upgrades the WeakRef to a live *Handle for the duration of a single
// caller operation (e.g. one forwarded frame), or returns (nil, false) if
// the link has since been torn down.
func (w WeakRef) Get() (*Handle, bool) {
	if w.handle == nil || w.live == nil {
		return nil, false
	}
	if w.live.Load() == 0 {
		return nil, false
	}
	return w.handle, true
}
