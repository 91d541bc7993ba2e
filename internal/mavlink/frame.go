// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mavlink implements the byte-stream framing half of the MAVLink
// wire protocol that the bridge needs: per-channel stateful parsing of a
// raw byte stream into complete v1/v2 frames, and serialization of the
// handful of messages the bridge originates itself (HEARTBEAT). The full
// per-message dialect field layouts and their CRC_EXTRA table are
// deliberately not reproduced; only the constants the bridge core
// touches (HEARTBEAT, RADIO_STATUS) are named.
package mavlink

import "fmt"

// Message ids the bridge core cares about.
const (
	MsgIDHeartbeat    = 0
	MsgIDRadioStatus  = 109
	heartbeatCRCExtra = 50
)

// MAVLink HEARTBEAT.base_mode flags and enums the bridge emits.
const (
	MavTypeGeneric      = 0
	MavAutopilotInvalid = 8
	// base_mode MAV_MODE_MANUAL_ARMED: manual input enabled + safety armed.
	BaseModeManualArmed = 0b11000000
	MavStateActive      = 4
)

// Frame is the bridge's opaque view of a parsed MAVLink message: enough to
// filter on MsgID and to forward the exact bytes it arrived as.
type Frame struct {
	Channel uint8
	Version uint8 // 1 or 2
	SysID   uint8
	CompID  uint8
	MsgID   uint32
	Payload []byte
	Raw     []byte // exact serialized bytes, reused verbatim for forwarding
}

func (f *Frame) String() string {
	return fmt.Sprintf("mavlink.Frame{chan=%d v=%d sys=%d comp=%d msg=%d len=%d}",
		f.Channel, f.Version, f.SysID, f.CompID, f.MsgID, len(f.Payload))
}

// crc16Accumulate is the MAVLink X.25 CRC-16 used for both the wire
// checksum and, seeded with a message's CRC_EXTRA byte, to guard against
// dialect mismatch. Ported from the reference C `crc_accumulate`.
func crc16Accumulate(b byte, crc uint16) uint16 {
	tmp := b ^ byte(crc&0xFF)
	tmp ^= tmp << 4
	return (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
}

func crc16(data []byte, extra byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc16Accumulate(b, crc)
	}
	crc = crc16Accumulate(extra, crc)
	return crc
}

// crcExtraFor returns the CRC_EXTRA seed for the messages this package
// names and reports true, or (0, false) for any other message id: the full
// per-message dialect table isn't reproduced here, so frames for
// unrecognized message ids pass the parser's checksum gate unvalidated
// rather than being rejected on an unknown seed.
func crcExtraFor(msgID uint32) (byte, bool) {
	if msgID == MsgIDHeartbeat {
		return heartbeatCRCExtra, true
	}
	return 0, false
}

// BuildHeartbeatV1 serializes a MAVLink 1 HEARTBEAT message with the given
// identity and sequence number. The field layout (custom_mode, type,
// autopilot, base_mode, system_status, mavlink_version) is the fixed
// HEARTBEAT payload from the common dialect in wire order, where the
// uint32 custom_mode precedes the single-byte fields.
func BuildHeartbeatV1(sysID, compID, seq byte) []byte {
	payload := []byte{
		0, 0, 0, 0,          // custom_mode (uint32, unused)
		MavTypeGeneric,      // type
		MavAutopilotInvalid, // autopilot
		BaseModeManualArmed, // base_mode
		MavStateActive, // system_status
		3,              // mavlink_version
	}

	header := []byte{byte(len(payload)), seq, sysID, compID, MsgIDHeartbeat}
	checksummed := append(append([]byte(nil), header...), payload...)
	crc := crc16(checksummed, heartbeatCRCExtra)

	frame := make([]byte, 0, 1+len(header)+len(payload)+2)
	frame = append(frame, 0xFE)
	frame = append(frame, header...)
	frame = append(frame, payload...)
	frame = append(frame, byte(crc&0xFF), byte(crc>>8))
	return frame
}
