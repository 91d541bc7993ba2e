// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline implements the frame pipeline: byte ingestion into the
// per-link codec state, ingress-based routing to the opposite leg, and
// publication of parsed frames to subscribers (the bridge, principally).
package pipeline

import (
	"log/slog"
	"sync"

	"mavbridge/internal/config"
	"mavbridge/internal/linkhandle"
	"mavbridge/internal/mavlink"
	"mavbridge/internal/registry"
)

// PrimaryLookup resolves the bridge's currently elected primary UDP leg.
// It is the pipeline's only dependency on the bridge, kept behind a
// function value so pipeline never imports bridge directly.
type PrimaryLookup func() (*linkhandle.Handle, bool)

// Subscriber receives every frame the pipeline successfully parses,
// after routing.
type Subscriber func(link *linkhandle.Handle, frame *mavlink.Frame)

// Pipeline holds immutable references to the registry, the shared codec
// and the bridge's primary lookup, plus its subscriber list; per-link
// parser state lives in the shared *mavlink.Codec.
type Pipeline struct {
	reg     *registry.Registry
	codec   *mavlink.Codec
	primary PrimaryLookup

	mu          sync.RWMutex
	subscribers []Subscriber
}

// New builds a pipeline wired to reg's live links and codec's per-channel
// parser state, resolving the primary UDP leg through primary.
func New(reg *registry.Registry, codec *mavlink.Codec, primary PrimaryLookup) *Pipeline {
	return &Pipeline{reg: reg, codec: codec, primary: primary}
}

// Subscribe registers s to receive every future parsed frame.
func (p *Pipeline) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

// FeedByte advances link's channel parser by one byte. On a complete frame it routes, then publishes.
func (p *Pipeline) FeedByte(link *linkhandle.Handle, b byte) {
	frame, ok := p.codec.Feed(link.Channel, b)
	if !ok {
		return
	}
	p.route(link, frame)
	p.publish(link, frame)
}

// route forwards frame to the opposite leg: serial ingress goes to the
// elected primary UDP leg; UDP ingress (either leg) goes to the
// registered autopilot serial link.
func (p *Pipeline) route(link *linkhandle.Handle, frame *mavlink.Frame) {
	switch config.RoleOf(link.Config) {
	case config.RoleAutopilot:
		target, ok := p.primary()
		if !ok {
			return
		}
		if err := target.Write(frame.Raw); err != nil {
			slog.Warn("forward to primary UDP leg failed", "error", err)
		}
	case config.RolePrimaryUDP, config.RoleSecondaryUDP:
		target := p.reg.ByRole(config.RoleAutopilot)
		if target == nil {
			return
		}
		if err := target.Write(frame.Raw); err != nil {
			slog.Warn("forward to autopilot link failed", "error", err)
		}
	}
}

func (p *Pipeline) publish(link *linkhandle.Handle, frame *mavlink.Frame) {
	p.mu.RLock()
	subs := make([]Subscriber, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.RUnlock()
	for _, s := range subs {
		s(link, frame)
	}
}
