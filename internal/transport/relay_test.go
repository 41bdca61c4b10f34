package transport

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestRelayOpenerDialsTarget(t *testing.T) {
	var gotNetwork, gotAddr string
	var gotTimeout time.Duration
	o := NewRelayOpener()
	o.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		gotNetwork, gotAddr, gotTimeout = network, addr, timeout
		return nil, errors.New("dial stub")
	}

	_, err := o.Open("localhost:8765")
	if err == nil {
		t.Fatal("expected stubbed dial error")
	}
	if gotNetwork != "tcp" || gotAddr != "localhost:8765" {
		t.Errorf("dialed %s %s, want tcp localhost:8765", gotNetwork, gotAddr)
	}
	if gotTimeout != defaultDialTimeout {
		t.Errorf("timeout = %v, want %v", gotTimeout, defaultDialTimeout)
	}
	if o.Kind() != "relay" {
		t.Errorf("Kind = %q", o.Kind())
	}
}

func TestRelayChannelOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	// Echo a canned reply when the peer sends anything.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte("SPD3303X\n"))
	}()

	ch := NewRelayChannel(nil)
	_, events := ch.Subscribe()
	defer ch.Close()

	if err := ch.Connect(ln.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, events, EventConnected)

	if err := ch.Send("*IDN?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ev := waitEvent(t, events, EventLine)
	if ev.Payload != "SPD3303X" {
		t.Errorf("line = %q, want SPD3303X", ev.Payload)
	}
}
