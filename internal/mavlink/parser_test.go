// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package mavlink

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestParseHeartbeatRoundTrip(t *testing.T) {
	raw := BuildHeartbeatV1(1, 2, 7)

	c := NewCodec()
	var got *Frame
	for _, b := range raw {
		f, ok := c.Feed(3, b)
		if ok {
			got = f
		}
	}
	if got == nil {
		t.Fatalf("expected a complete frame after feeding %d bytes", len(raw))
	}
	if got.MsgID != MsgIDHeartbeat {
		t.Errorf("MsgID = %d, want %d", got.MsgID, MsgIDHeartbeat)
	}
	if got.SysID != 1 || got.CompID != 2 {
		t.Errorf("SysID/CompID = %d/%d, want 1/2", got.SysID, got.CompID)
	}
	if got.Channel != 3 {
		t.Errorf("Channel = %d, want 3", got.Channel)
	}
	if !bytes.Equal(got.Raw, raw) {
		t.Errorf("Raw = %x, want %x", got.Raw, raw)
	}
}

// TestParseConcatenatedFramesInOrder: parsing the concatenation of
// several valid frames on a fresh channel yields exactly those frames,
// in order.
func TestParseConcatenatedFramesInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		var all []byte
		var seqs []byte
		for i := 0; i < n; i++ {
			seq := byte(rapid.IntRange(0, 255).Draw(t, "seq"))
			seqs = append(seqs, seq)
			all = append(all, BuildHeartbeatV1(1, 2, seq)...)
		}

		c := NewCodec()
		var frames []*Frame
		for _, b := range all {
			if f, ok := c.Feed(0, b); ok {
				frames = append(frames, f)
			}
		}

		if len(frames) != n {
			t.Fatalf("got %d frames, want %d", len(frames), n)
		}
		for i, f := range frames {
			wantSeq := seqs[i]
			gotSeq := f.Raw[2] // header: STX,LEN,SEQ,...
			if gotSeq != wantSeq {
				t.Fatalf("frame %d seq = %d, want %d", i, gotSeq, wantSeq)
			}
		}
	})
}

func TestFramingErrorsDroppedSilently(t *testing.T) {
	c := NewCodec()
	junk := []byte{0x00, 0x01, 0xAA, 0xFF, 0x00}
	for _, b := range junk {
		if _, ok := c.Feed(0, b); ok {
			t.Fatalf("unexpected frame parsed from junk bytes")
		}
	}
	// The channel must still be usable afterwards.
	raw := BuildHeartbeatV1(9, 9, 1)
	var got *Frame
	for _, b := range raw {
		if f, ok := c.Feed(0, b); ok {
			got = f
		}
	}
	if got == nil {
		t.Fatalf("channel did not recover after junk bytes")
	}
}

func TestBadChecksumDroppedSilently(t *testing.T) {
	c := NewCodec()
	raw := BuildHeartbeatV1(1, 2, 7)
	raw[len(raw)-1] ^= 0xFF // corrupt the checksum's high byte

	var got *Frame
	for _, b := range raw {
		if f, ok := c.Feed(0, b); ok {
			got = f
		}
	}
	if got != nil {
		t.Fatalf("expected a bad-checksum frame to be dropped, got %v", got)
	}

	// The channel must still be usable afterwards.
	good := BuildHeartbeatV1(1, 2, 8)
	for _, b := range good {
		if f, ok := c.Feed(0, b); ok {
			got = f
		}
	}
	if got == nil {
		t.Fatalf("channel did not recover after a bad-checksum frame")
	}
}

func TestResetChannelClearsPartialFrame(t *testing.T) {
	c := NewCodec()
	raw := BuildHeartbeatV1(1, 1, 1)
	// Feed only the header, then reset mid-frame.
	for _, b := range raw[:3] {
		c.Feed(5, b)
	}
	c.ResetChannel(5)
	// Feeding the remainder of the original frame's bytes now must not
	// produce a frame, since the parser restarted its state machine.
	var got *Frame
	for _, b := range raw[3:] {
		if f, ok := c.Feed(5, b); ok {
			got = f
		}
	}
	if got != nil {
		t.Fatalf("expected no frame after mid-frame reset, got %v", got)
	}
}
