// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package transport

import (
	"errors"
	"testing"
)

func TestSerialPortInfoIsBootloader(t *testing.T) {
	cases := []struct {
		name string
		info SerialPortInfo
		want bool
	}{
		{"vid pid match", SerialPortInfo{VID: "26ac", PID: "0010"}, true},
		{"vid pid match upper", SerialPortInfo{VID: "26AC", PID: "0011"}, true},
		{"wrong pid", SerialPortInfo{VID: "26AC", PID: "0099"}, false},
		{"wrong vid", SerialPortInfo{VID: "0483", PID: "0010"}, false},
		{"product name match", SerialPortInfo{Product: "STM32 Bootloader"}, true},
		{"plain usb serial", SerialPortInfo{VID: "0483", PID: "5740", Product: "PX4 FMU v5"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.info.IsBootloader(); got != c.want {
				t.Errorf("IsBootloader() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestSerialWorkerWriteRejectsEmptyAndDisconnected(t *testing.T) {
	w := NewSerialWorker(SerialParams{PortPath: "/dev/ttyDOESNOTEXIST"})
	if err := w.Write(nil); err != ErrInvalidArgument {
		t.Errorf("Write(nil) = %v, want ErrInvalidArgument", err)
	}
	if err := w.Write([]byte("x")); err != ErrNotConnected {
		t.Errorf("Write before connect = %v, want ErrNotConnected", err)
	}
}

func TestSerialWorkerDisconnectIsIdempotent(t *testing.T) {
	w := NewSerialWorker(SerialParams{PortPath: "/dev/ttyDOESNOTEXIST"})
	w.Disconnect()
	w.Disconnect()
	if ok := w.DisconnectWait(0); !ok {
		// With a zero timeout the worker may not have processed the exit
		// request yet, so DisconnectWait(0) can report a timeout; either way
		// it must return promptly rather than hang.
	}
}

func TestIsPermissionOrResourceError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("Permission denied"), true},
		{errors.New("device or resource busy"), true},
		{errors.New("Access is denied."), true},
		{errors.New("no such file or directory"), false},
	}
	for _, c := range cases {
		if got := isPermissionOrResourceError(c.err); got != c.want {
			t.Errorf("isPermissionOrResourceError(%q) = %v, want %v", c.err, got, c.want)
		}
	}
}
