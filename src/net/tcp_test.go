package net

import (
	"net"
	"testing"

	"github.com/mosaicnetworks/stxt/src/common"
)

func TestTCPTransport_BadAddr(t *testing.T) {
	_, err := NewTCPTransport("0.0.0.0:0", "", 1, 0, common.NewTestEntry(t, common.TestLogLevel))
	if err != errNotAdvertisable {
		t.Fatalf("err: %v", err)
	}
}

func TestTCPTransport_WithAdvertise(t *testing.T) {
	trans, err := NewTCPTransport("0.0.0.0:0", "127.0.0.1:12345", 1, 0, common.NewTestEntry(t, common.TestLogLevel))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans.Close()
	if trans.AdvertiseAddr() != "127.0.0.1:12345" {
		t.Fatalf("bad: %v", trans.AdvertiseAddr())
	}
}

func TestTCPTransport_AdvertisesBoundAddr(t *testing.T) {
	trans, err := NewTCPTransport("127.0.0.1:0", "", 1, 0, common.NewTestEntry(t, common.TestLogLevel))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans.Close()
	if trans.AdvertiseAddr() != trans.LocalAddr() {
		t.Fatalf("advertise %s, local %s", trans.AdvertiseAddr(), trans.LocalAddr())
	}
	if err := trans.Close(); err != nil {
		t.Fatal(err)
	}
	args := testRequest()
	var out SyncGroupResponse
	if err := trans.SyncGroup("127.0.0.1:1", &args, &out); err != ErrTransportShutdown {
		t.Fatalf("expected shutdown error, got %v", err)
	}
}

func TestConnPool(t *testing.T) {
	pool := newConnPool(1)

	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a2.Close()
	defer b2.Close()

	if pool.get("x") != nil {
		t.Fatal("empty pool returned a connection")
	}

	first := newNetConn("x", a1)
	second := newNetConn("x", b1)
	pool.put(first)
	pool.put(second) // over capacity, closed

	if got := pool.get("x"); got != first {
		t.Fatal("expected the pooled connection back")
	}
	if pool.get("x") != nil {
		t.Fatal("pool kept more than its capacity")
	}
	if _, err := b1.Write([]byte{0}); err == nil {
		t.Fatal("connection over capacity should be closed")
	}

	pool.put(first)
	pool.close()
	if pool.get("x") != nil {
		t.Fatal("closed pool returned a connection")
	}
}
