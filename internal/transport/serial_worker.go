// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package transport

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// bootloaderVendorID / bootloaderProductIDs fingerprint a device that has
// temporarily enumerated in DFU/bootloader mode: the USB VID/PID pair
// QGroundControl's isBootloader() checks for the common STM32-based
// bootloader.
const bootloaderVendorID = "26AC"

var bootloaderProductIDs = map[string]bool{"0010": true, "0011": true}

// SerialPortInfo carries the detail the bootloader guard and autoconnect
// probe need, mirroring enumerator.PortDetails.
type SerialPortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string // human-readable description
}

// IsBootloader reports whether info's identity matches the bootloader
// fingerprint.
func (info SerialPortInfo) IsBootloader() bool {
	if strings.EqualFold(info.VID, bootloaderVendorID) && bootloaderProductIDs[strings.ToUpper(info.PID)] {
		return true
	}
	return strings.Contains(strings.ToLower(info.Product), "bootloader")
}

// EnumeratePorts lists currently available serial ports with USB detail,
// used by both the bootloader guard and the autoconnect probe.
func EnumeratePorts() ([]SerialPortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]SerialPortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, SerialPortInfo{
			Name: d.Name, IsUSB: d.IsUSB, VID: d.VID, PID: d.PID,
			SerialNumber: d.SerialNumber, Product: d.Product,
		})
	}
	return out, nil
}

// SerialParams configures a SerialWorker's endpoint.
type SerialParams struct {
	PortPath    string
	Baud        int
	DataBits    int
	Parity      serial.Parity
	StopBits    serial.StopBits
	FlowControl bool
	// AutoConnect mirrors the owning LinkConfig's auto-connect flag:
	// Permission/Resource errors are suppressed for such links since "a
	// cable will reappear".
	AutoConnect bool
}

type serialCommand struct {
	kind int // 0=connect, 1=disconnect, 2=write, 3=exit
	data []byte
}

const (
	serialCmdConnect = iota
	serialCmdDisconnect
	serialCmdWrite
	serialCmdExit
)

// SerialWorker owns one serial endpoint on a dedicated goroutine.
type SerialWorker struct {
	eventSink

	params SerialParams
	cmdCh  chan serialCommand
	doneCh chan struct{} // closed when the worker goroutine exits

	connected atomic.Bool
	mu        sync.Mutex
	port      serial.Port
}

// NewSerialWorker constructs a worker and starts its goroutine. Connect
// must still be called to actually open the port.
func NewSerialWorker(params SerialParams) *SerialWorker {
	w := &SerialWorker{
		eventSink: newEventSink(),
		params:    params,
		cmdCh:     make(chan serialCommand, 16),
		doneCh:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *SerialWorker) Connected() bool { return w.connected.Load() }

func (w *SerialWorker) Connect() {
	w.cmdCh <- serialCommand{kind: serialCmdConnect}
}

func (w *SerialWorker) Disconnect() {
	w.cmdCh <- serialCommand{kind: serialCmdDisconnect}
}

func (w *SerialWorker) DisconnectWait(timeout time.Duration) bool {
	w.cmdCh <- serialCommand{kind: serialCmdExit}
	select {
	case <-w.doneCh:
		return true
	case <-time.After(timeout):
		slog.Warn("serial worker did not exit within timeout", "port", w.params.PortPath, "timeout", timeout)
		return false
	}
}

func (w *SerialWorker) Write(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidArgument
	}
	if !w.Connected() {
		return ErrNotConnected
	}
	w.cmdCh <- serialCommand{kind: serialCmdWrite, data: data}
	return nil
}

// run is the worker's dedicated goroutine: it owns the port,
// processes queued commands between read batches, and exits only after a
// disconnect has fully released the endpoint.
func (w *SerialWorker) run() {
	defer close(w.doneCh)

	var readDone chan struct{}
	stopRead := make(chan struct{})

	openPort := func() {
		if w.port != nil {
			return
		}
		if bootGuardTripped(w.params.PortPath) {
			slog.Info("refusing to open bootloader-fingerprinted port", "port", w.params.PortPath)
			return
		}

		mode := &serial.Mode{
			BaudRate: w.params.Baud,
			DataBits: w.params.DataBits,
			Parity:   w.params.Parity,
			StopBits: w.params.StopBits,
		}
		port, err := serial.Open(w.params.PortPath, mode)
		if err != nil {
			w.reportOpenError(err)
			return
		}
		if w.params.FlowControl {
			_ = port.SetRTS(true)
		}
		_ = port.SetDTR(true)

		w.mu.Lock()
		w.port = port
		w.mu.Unlock()
		w.connected.Store(true)
		w.emitConnected()

		stopRead = make(chan struct{})
		readDone = make(chan struct{})
		go w.readLoop(port, stopRead, readDone)
		go w.availabilityWatchdog(stopRead)
	}

	closePort := func() {
		w.mu.Lock()
		port := w.port
		w.port = nil
		w.mu.Unlock()
		if port == nil {
			return
		}
		close(stopRead)
		port.Close()
		if readDone != nil {
			<-readDone
		}
		w.connected.Store(false)
		w.emitDisconnected()
	}

	for cmd := range w.cmdCh {
		switch cmd.kind {
		case serialCmdConnect:
			openPort()
		case serialCmdDisconnect:
			closePort()
		case serialCmdWrite:
			w.writeAll(cmd.data)
		case serialCmdExit:
			closePort()
			return
		}
	}
	closePort()
}

func bootGuardTripped(portPath string) bool {
	ports, err := EnumeratePorts()
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p.Name == portPath {
			return p.IsBootloader()
		}
	}
	return false
}

func (w *SerialWorker) reportOpenError(err error) {
	if w.params.AutoConnect && isPermissionOrResourceError(err) {
		slog.Debug("suppressing open error on auto-connect link", "port", w.params.PortPath, "error", err)
		return
	}
	w.emitError(err.Error())
}

// isPermissionOrResourceError approximates a PermissionError/
// ResourceError distinction. go.bug.st/serial reports OS-level open
// failures as plain wrapped errors rather than a typed enum, so
// classification is done on the message text.
func isPermissionOrResourceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission") || strings.Contains(msg, "busy") || strings.Contains(msg, "resource") || strings.Contains(msg, "access is denied")
}

func (w *SerialWorker) writeAll(data []byte) {
	w.mu.Lock()
	port := w.port
	w.mu.Unlock()
	if port == nil {
		return
	}

	remaining := data
	for len(remaining) > 0 {
		n, err := port.Write(remaining)
		if n > 0 {
			w.emitBytesSent(remaining[:n])
			remaining = remaining[n:]
		}
		if err != nil {
			w.emitError(err.Error())
			return
		}
		if n == 0 {
			w.emitError("short write with no progress")
			return
		}
	}
}

func (w *SerialWorker) readLoop(port serial.Port, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	_ = port.SetReadTimeout(200 * time.Millisecond)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			w.emitBytesReceived(chunk)
		}
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			w.emitError(err.Error())
			return
		}
	}
}

// availabilityWatchdog force-closes the link if the port stops appearing
// in the host's enumeration while the handle believes it open.
func (w *SerialWorker) availabilityWatchdog(stop <-chan struct{}) {
	ticker := time.NewTicker(1000 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !w.Connected() {
				return
			}
			ports, err := EnumeratePorts()
			if err != nil {
				continue
			}
			found := false
			for _, p := range ports {
				if p.Name == w.params.PortPath {
					found = true
					break
				}
			}
			if !found {
				slog.Warn("serial port vanished from enumeration, forcing disconnect", "port", w.params.PortPath)
				w.Disconnect()
				return
			}
		}
	}
}
