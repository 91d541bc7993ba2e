// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package transport

import (
	"testing"
	"time"
)

func waitForEvent(t *testing.T, w Worker, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-w.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", kind)
		}
	}
}

func TestUDPWorkerSessionPeerDiscovery(t *testing.T) {
	// server: the worker under test
	server := NewUDPWorker(UDPParams{LocalPort: 0})
	server.Connect()
	waitForEvent(t, server, EventConnected, 2*time.Second)
	serverAddr := server.LocalAddr()
	if serverAddr == nil {
		t.Fatalf("server did not bind")
	}

	// client: a second worker standing in for the remote peer
	client := NewUDPWorker(UDPParams{LocalPort: 0})
	client.Connect()
	waitForEvent(t, client, EventConnected, 2*time.Second)
	clientAddr := client.LocalAddr()

	// Point the client at the server as a configured peer and send once.
	client2 := NewUDPWorker(UDPParams{
		LocalPort:       0,
		ConfiguredPeers: []UDPPeerAddr{{Host: "127.0.0.1", Port: uint16(serverAddr.Port)}},
	})
	client2.Connect()
	waitForEvent(t, client2, EventConnected, 2*time.Second)
	if err := client2.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	recv := waitForEvent(t, server, EventBytesReceived, 2*time.Second)
	if string(recv.Data) != "hello" {
		t.Fatalf("got %q, want %q", recv.Data, "hello")
	}

	// The sender must now appear in the server's session set.
	deadline := time.Now().Add(2 * time.Second)
	for {
		peers := server.SessionPeers()
		if len(peers) == 1 && peers[0].Host == "127.0.0.1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sender never appeared in session set: %v", peers)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = clientAddr
	server.Disconnect()
	client.Disconnect()
	client2.Disconnect()
}

func TestUDPWorkerWriteRejectsEmptyAndDisconnected(t *testing.T) {
	w := NewUDPWorker(UDPParams{LocalPort: 0})
	if err := w.Write(nil); err != ErrInvalidArgument {
		t.Errorf("Write(nil) = %v, want ErrInvalidArgument", err)
	}
	if err := w.Write([]byte("x")); err != ErrNotConnected {
		t.Errorf("Write before connect = %v, want ErrNotConnected", err)
	}
}

func TestUDPWorkerDisconnectIsIdempotent(t *testing.T) {
	w := NewUDPWorker(UDPParams{LocalPort: 0})
	w.Connect()
	waitForEvent(t, w, EventConnected, 2*time.Second)
	ok := w.DisconnectWait(2 * time.Second)
	if !ok {
		t.Fatalf("DisconnectWait timed out")
	}
	// A second disconnect on an already-disconnected worker must not hang
	// or panic.
	w2 := NewUDPWorker(UDPParams{LocalPort: 0})
	w2.Disconnect()
	w2.Disconnect()
}
