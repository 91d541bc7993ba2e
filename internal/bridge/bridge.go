// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bridge implements the failover controller:
// tracks heartbeat freshness on each UDP leg, elects the active leg, and
// emits periodic local heartbeats on both legs regardless of election
// state so the peer can recover.
package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mavbridge/internal/config"
	"mavbridge/internal/linkhandle"
	"mavbridge/internal/mavlink"
	"mavbridge/internal/registry"
)

const (
	freshnessPeriod   = 1000 * time.Millisecond
	heartbeatPeriod   = 1000 * time.Millisecond
	commLostThreshold = 3500 * time.Millisecond

	bridgeSysID  = 1
	bridgeCompID = 2
)

type electedSlot int32

const (
	electedUnset electedSlot = iota
	electedPrimary
	electedSecondary
)

// leg is the bridge-internal per-UDP-leg state.
type leg struct {
	mu           sync.Mutex
	ref          linkhandle.WeakRef
	commLost     bool
	lastActivity time.Time
	seq          uint8
}

func newLeg() *leg {
	return &leg{commLost: true} // initial true until first frame seen
}

func (l *leg) alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.commLost
}

// touch records activity at now and returns whether commLost had been
// set.
func (l *leg) touch(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastActivity = now
	wasLost := l.commLost
	l.commLost = false
	return wasLost
}

func (l *leg) checkFreshness(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.commLost && now.Sub(l.lastActivity) > commLostThreshold {
		l.commLost = true
	}
}

func (l *leg) nextSeq() byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.seq
	l.seq++
	return s
}

// Controller is the failover controller.
type Controller struct {
	primaryLeg   *leg
	secondaryLeg *leg
	elected      atomic.Int32

	// PreferPrimaryOnRecovery controls tie-breaking on recovery: when true
	// (the default), a healthy primary always reclaims election from a
	// live secondary; when false, election is sticky and stays on a
	// healthy secondary.
	PreferPrimaryOnRecovery bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a controller tracking primaryHandle/secondaryHandle through
// weak references obtained from reg, starting unset and commLost on both
// legs.
func New(reg *registry.Registry, primaryHandle, secondaryHandle *linkhandle.Handle) *Controller {
	c := &Controller{
		primaryLeg:              newLeg(),
		secondaryLeg:            newLeg(),
		PreferPrimaryOnRecovery: true,
		stopCh:                  make(chan struct{}),
	}
	c.primaryLeg.ref = reg.WeakRef(primaryHandle)
	c.secondaryLeg.ref = reg.WeakRef(secondaryHandle)
	c.elected.Store(int32(electedUnset))
	return c
}

// Start launches the freshness and heartbeat timers on the control
// context.
func (c *Controller) Start() {
	c.wg.Add(2)
	go c.freshnessLoop()
	go c.heartbeatLoop()
}

// Stop halts both timers and waits for them to exit.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) freshnessLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(freshnessPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.primaryLeg.checkFreshness(now)
			c.secondaryLeg.checkFreshness(now)
			c.elect()
		}
	}
}

func (c *Controller) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.emitHeartbeat(c.primaryLeg)
			c.emitHeartbeat(c.secondaryLeg)
		}
	}
}

// emitHeartbeat builds and writes a heartbeat on leg's own channel,
// regardless of commLost, so the peer can recover. Each leg always uses
// its own channel for its own heartbeat, never borrowing the other leg's.
func (c *Controller) emitHeartbeat(l *leg) {
	h, ok := l.ref.Get()
	if !ok {
		return
	}
	frame := mavlink.BuildHeartbeatV1(bridgeSysID, bridgeCompID, l.nextSeq())
	if err := h.Write(frame); err != nil {
		slog.Warn("heartbeat emission failed", "error", err)
	}
}

// MessageReceived is the pipeline subscriber hook. RADIO_STATUS frames
// never count toward liveness.
func (c *Controller) MessageReceived(link *linkhandle.Handle, frame *mavlink.Frame) {
	if frame.MsgID == mavlink.MsgIDRadioStatus {
		return
	}

	var l *leg
	switch config.RoleOf(link.Config) {
	case config.RolePrimaryUDP:
		l = c.primaryLeg
	case config.RoleSecondaryUDP:
		l = c.secondaryLeg
	default:
		return
	}

	if wasLost := l.touch(time.Now()); wasLost {
		c.elect()
	}
}

// elect recomputes the elected slot via electNext, a pure function of
// (current slot, commLost[primary], commLost[secondary]).
func (c *Controller) elect() {
	current := electedSlot(c.elected.Load())
	next := electNext(current, c.primaryLeg.alive(), c.secondaryLeg.alive(), c.PreferPrimaryOnRecovery)
	if next != current {
		c.elected.Store(int32(next))
	}
}

func electNext(current electedSlot, primaryAlive, secondaryAlive, preferPrimaryOnRecovery bool) electedSlot {
	switch current {
	case electedPrimary:
		if primaryAlive {
			return electedPrimary
		}
		if secondaryAlive {
			return electedSecondary
		}
		return electedPrimary // kept as "best guess"

	case electedSecondary:
		if primaryAlive {
			if preferPrimaryOnRecovery {
				return electedPrimary
			}
			return electedSecondary
		}
		if secondaryAlive {
			return electedSecondary
		}
		return electedPrimary // fallback

	default: // electedUnset
		if primaryAlive {
			return electedPrimary
		}
		if secondaryAlive {
			return electedSecondary
		}
		return electedPrimary
	}
}

// Primary resolves the pipeline's elected-primary lookup: it upgrades the
// currently elected leg's weak reference to a strong handle for the
// caller's immediate use only, never extending the link's lifetime past
// its declared disconnect.
func (c *Controller) Primary() (*linkhandle.Handle, bool) {
	switch electedSlot(c.elected.Load()) {
	case electedPrimary:
		return c.primaryLeg.ref.Get()
	case electedSecondary:
		return c.secondaryLeg.ref.Get()
	default:
		return nil, false
	}
}
