// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// multicastGroup is joined on bind; failure to join is logged, not fatal.
var multicastGroup = net.ParseIP("224.0.0.1")

// UDPPeerAddr is one destination a UDP worker fans writes out to.
type UDPPeerAddr struct {
	Host string
	Port uint16
}

func (p UDPPeerAddr) key() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

func (p UDPPeerAddr) udpAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", p.key())
}

// UDPParams configures a UDPWorker's endpoint.
type UDPParams struct {
	LocalPort       uint16
	ConfiguredPeers []UDPPeerAddr
}

type udpCommand struct {
	kind int
	data []byte
}

const (
	udpCmdConnect = iota
	udpCmdDisconnect
	udpCmdWrite
	udpCmdExit
)

// UDPWorker owns one UDP endpoint bound to a local port, tracking session
// peers discovered from received datagrams.
type UDPWorker struct {
	eventSink

	params UDPParams
	cmdCh  chan udpCommand
	doneCh chan struct{}

	connected atomic.Bool
	mu        sync.Mutex
	conn      *net.UDPConn

	sessionMu    sync.Mutex
	sessionPeers []UDPPeerAddr
	localAddrs   map[string]bool
}

// NewUDPWorker constructs a worker and starts its goroutine. Connect must
// still be called to bind the socket.
func NewUDPWorker(params UDPParams) *UDPWorker {
	w := &UDPWorker{
		eventSink: newEventSink(),
		params:    params,
		cmdCh:     make(chan udpCommand, 16),
		doneCh:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *UDPWorker) Connected() bool { return w.connected.Load() }

func (w *UDPWorker) Connect()    { w.cmdCh <- udpCommand{kind: udpCmdConnect} }
func (w *UDPWorker) Disconnect() { w.cmdCh <- udpCommand{kind: udpCmdDisconnect} }

func (w *UDPWorker) DisconnectWait(timeout time.Duration) bool {
	w.cmdCh <- udpCommand{kind: udpCmdExit}
	select {
	case <-w.doneCh:
		return true
	case <-time.After(timeout):
		slog.Warn("udp worker did not exit within timeout", "port", w.params.LocalPort, "timeout", timeout)
		return false
	}
}

func (w *UDPWorker) Write(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidArgument
	}
	if !w.Connected() {
		return ErrNotConnected
	}
	w.cmdCh <- udpCommand{kind: udpCmdWrite, data: data}
	return nil
}

// LocalAddr returns the bound socket address, or nil if not connected.
// Exposed chiefly so tests can bind an ephemeral port (LocalPort: 0) and
// discover what the OS actually assigned.
func (w *UDPWorker) LocalAddr() *net.UDPAddr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	return w.conn.LocalAddr().(*net.UDPAddr)
}

// SessionPeers returns a snapshot of the discovered session-peer set, for
// tests asserting the reply-to-sender behavior.
func (w *UDPWorker) SessionPeers() []UDPPeerAddr {
	w.sessionMu.Lock()
	defer w.sessionMu.Unlock()
	out := make([]UDPPeerAddr, len(w.sessionPeers))
	copy(out, w.sessionPeers)
	return out
}

func (w *UDPWorker) run() {
	defer close(w.doneCh)

	var readDone chan struct{}
	stopRead := make(chan struct{})

	openSocket := func() {
		if w.conn != nil {
			return
		}
		w.localAddrs = localMachineAddrs()

		lc := reuseAddrListenConfig()
		pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", w.params.LocalPort))
		if err != nil {
			w.emitError(fmt.Sprintf("failed to bind UDP socket to port %d: %v", w.params.LocalPort, err))
			return
		}
		conn := pc.(*net.UDPConn)
		joinMulticast(conn, multicastGroup)

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		w.connected.Store(true)
		w.emitConnected()

		stopRead = make(chan struct{})
		readDone = make(chan struct{})
		go w.readLoop(conn, stopRead, readDone)
	}

	closeSocket := func() {
		w.mu.Lock()
		conn := w.conn
		w.conn = nil
		w.mu.Unlock()
		if conn == nil {
			return
		}
		close(stopRead)
		conn.Close()
		if readDone != nil {
			<-readDone
		}
		w.sessionMu.Lock()
		w.sessionPeers = nil
		w.sessionMu.Unlock()
		w.connected.Store(false)
		w.emitDisconnected()
	}

	for cmd := range w.cmdCh {
		switch cmd.kind {
		case udpCmdConnect:
			openSocket()
		case udpCmdDisconnect:
			closeSocket()
		case udpCmdWrite:
			w.writeFanOut(cmd.data)
		case udpCmdExit:
			closeSocket()
			return
		}
	}
	closeSocket()
}

// writeFanOut sends data as one datagram to each configured peer and each
// session peer. A per-datagram send failure
// is logged but does not abort the rest of the fan-out.
func (w *UDPWorker) writeFanOut(data []byte) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}

	w.sessionMu.Lock()
	targets := make([]UDPPeerAddr, 0, len(w.params.ConfiguredPeers)+len(w.sessionPeers))
	targets = append(targets, w.params.ConfiguredPeers...)
	targets = append(targets, w.sessionPeers...)
	w.sessionMu.Unlock()

	anySent := false
	for _, t := range targets {
		addr, err := t.udpAddr()
		if err != nil {
			slog.Warn("could not resolve UDP peer, skipping", "peer", t, "error", err)
			continue
		}
		if _, err := conn.WriteToUDP(data, addr); err != nil {
			if isConnectionRefused(err) {
				continue // benign: ICMP unreachable observed, not a real error
			}
			slog.Warn("UDP send failed for one peer, continuing fan-out", "peer", t, "error", err)
			continue
		}
		anySent = true
	}
	if anySent {
		w.emitBytesSent(data)
	}
}

func (w *UDPWorker) readLoop(conn *net.UDPConn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 65535)

	for {
		select {
		case <-stop:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			if isConnectionRefused(err) {
				continue
			}
			w.emitError(err.Error())
			return
		}
		if n == 0 {
			continue
		}

		datagram := append([]byte(nil), buf[:n]...)
		w.emitBytesReceived(datagram)
		w.recordSessionPeer(from)
	}
}

// recordSessionPeer appends from to the session set if new, normalizing a
// sender on the local machine to the loopback address so replies do not
// echo out a public interface.
func (w *UDPWorker) recordSessionPeer(from *net.UDPAddr) {
	host := from.IP.String()
	if from.IP.IsLoopback() || w.localAddrs[host] {
		host = "127.0.0.1"
	}
	peer := UDPPeerAddr{Host: host, Port: uint16(from.Port)}

	w.sessionMu.Lock()
	defer w.sessionMu.Unlock()
	for _, p := range w.sessionPeers {
		if p == peer {
			return
		}
	}
	w.sessionPeers = append(w.sessionPeers, peer)
	slog.Debug("UDP session peer added", "peer", peer)
}

func localMachineAddrs() map[string]bool {
	out := make(map[string]bool)
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range ifaces {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil {
			out[ip.String()] = true
		}
	}
	return out
}

// reuseAddrListenConfig builds a ListenConfig that sets SO_REUSEADDR and
// SO_REUSEPORT on the socket before bind, so more than one worker (or more
// than one process) can share a local port, matching the
// ShareAddress|ReuseAddressHint Qt passes when binding its UDP sockets.
func reuseAddrListenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// joinMulticast joins group on every usable interface. net.UDPConn has no
// direct group-join method; ipv4.PacketConn wraps the socket to expose
// IP_ADD_MEMBERSHIP. Failure to join is logged but not fatal.
func joinMulticast(conn *net.UDPConn, group net.IP) {
	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("failed to enumerate interfaces for multicast join", "error", err)
		return
	}

	joined := false
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err == nil {
			joined = true
		}
	}
	if !joined {
		slog.Warn("failed to join multicast group on any interface", "group", group)
	}
}

func isConnectionRefused(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "refused")
}
