// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package bridge

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"mavbridge/internal/chanalloc"
	"mavbridge/internal/config"
	"mavbridge/internal/mavlink"
	"mavbridge/internal/registry"
)

func newTestController(t *testing.T) (*Controller, *registry.Registry) {
	t.Helper()
	reg := registry.New(chanalloc.New(), mavlink.NewCodec())
	primaryCfg := &config.UDPConfig{Common: config.Common{Name: "primary", Role: config.RolePrimaryUDP}, LocalPort: 0}
	secondaryCfg := &config.UDPConfig{Common: config.Common{Name: "secondary", Role: config.RoleSecondaryUDP}, LocalPort: 0}

	primaryHandle, err := reg.CreateConnectedLink(primaryCfg)
	if err != nil {
		t.Fatalf("create primary: %v", err)
	}
	secondaryHandle, err := reg.CreateConnectedLink(secondaryCfg)
	if err != nil {
		t.Fatalf("create secondary: %v", err)
	}

	c := New(reg, primaryHandle, secondaryHandle)
	return c, reg
}

// TestElectNextMatchesElectionTable directly checks every row of the
// election rule table against its expected outcome.
func TestElectNextMatchesElectionTable(t *testing.T) {
	cases := []struct {
		name                    string
		current                 electedSlot
		primaryAlive            bool
		secondaryAlive          bool
		preferPrimaryOnRecovery bool
		want                    electedSlot
	}{
		{"primary/alive", electedPrimary, true, false, true, electedPrimary},
		{"primary/dead-secondary-alive", electedPrimary, false, true, true, electedSecondary},
		{"primary/both-dead", electedPrimary, false, false, true, electedPrimary},
		{"secondary/primary-recovers", electedSecondary, true, true, true, electedPrimary},
		{"secondary/primary-recovers-sticky", electedSecondary, true, true, false, electedSecondary},
		{"secondary/primary-dead-secondary-alive", electedSecondary, false, true, true, electedSecondary},
		{"secondary/both-dead", electedSecondary, false, false, true, electedPrimary},
		{"unset/primary-alive", electedUnset, true, false, true, electedPrimary},
		{"unset/secondary-alive", electedUnset, false, true, true, electedSecondary},
		{"unset/both-dead", electedUnset, false, false, true, electedPrimary},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := electNext(c.current, c.primaryAlive, c.secondaryAlive, c.preferPrimaryOnRecovery)
			if got != c.want {
				t.Errorf("electNext(%v,%v,%v,%v) = %v, want %v", c.current, c.primaryAlive, c.secondaryAlive, c.preferPrimaryOnRecovery, got, c.want)
			}
		})
	}
}

// TestElectNextIsPureFunction is a rapid property: the result depends
// only on the four inputs, never on call history.
func TestElectNextIsPureFunction(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		current := electedSlot(rapid.IntRange(0, 2).Draw(rt, "current"))
		primaryAlive := rapid.Bool().Draw(rt, "primaryAlive")
		secondaryAlive := rapid.Bool().Draw(rt, "secondaryAlive")
		prefer := rapid.Bool().Draw(rt, "prefer")

		a := electNext(current, primaryAlive, secondaryAlive, prefer)
		b := electNext(current, primaryAlive, secondaryAlive, prefer)
		if a != b {
			rt.Fatalf("electNext not deterministic: %v != %v", a, b)
		}
		if a != electedPrimary && a != electedSecondary {
			rt.Fatalf("electNext returned an invalid slot: %v", a)
		}
	})
}

// TestRadioStatusIgnoredForLiveness: RADIO_STATUS frames never clear
// commLost or trigger re-election.
func TestRadioStatusIgnoredForLiveness(t *testing.T) {
	c, reg := newTestController(t)
	defer reg.DisconnectAll(2 * time.Second)

	primaryHandle := reg.ByRole(config.RolePrimaryUDP)
	radioStatus := &mavlink.Frame{MsgID: mavlink.MsgIDRadioStatus}
	c.MessageReceived(primaryHandle, radioStatus)

	if c.primaryLeg.alive() {
		t.Fatalf("RADIO_STATUS must not clear commLost")
	}
}

// TestFailoverAndRecovery: silence past the threshold trips commLost and
// re-elects secondary; a later heartbeat on primary recovers election.
func TestFailoverAndRecovery(t *testing.T) {
	c, reg := newTestController(t)
	defer reg.DisconnectAll(2 * time.Second)

	primaryHandle := reg.ByRole(config.RolePrimaryUDP)
	secondaryHandle := reg.ByRole(config.RoleSecondaryUDP)
	heartbeat := &mavlink.Frame{MsgID: mavlink.MsgIDHeartbeat}

	// Both legs see initial activity; primary is elected.
	c.MessageReceived(primaryHandle, heartbeat)
	c.MessageReceived(secondaryHandle, heartbeat)
	c.elect()
	if _, ok := c.Primary(); !ok {
		t.Fatalf("expected an elected primary after initial activity")
	}

	// Force primary stale, secondary fresh: freshness tick should fail
	// primary over to secondary.
	c.primaryLeg.lastActivity = time.Now().Add(-4 * time.Second)
	c.primaryLeg.checkFreshness(time.Now())
	c.secondaryLeg.checkFreshness(time.Now())
	c.elect()
	if c.primaryLeg.alive() {
		t.Fatalf("primary should be commLost after exceeding threshold")
	}
	if electedSlot(c.elected.Load()) != electedSecondary {
		t.Fatalf("expected election to fail over to secondary")
	}

	// Recovery: a fresh heartbeat on primary clears commLost and re-elects.
	c.MessageReceived(primaryHandle, heartbeat)
	if electedSlot(c.elected.Load()) != electedPrimary {
		t.Fatalf("expected election to return to primary on recovery")
	}
}
