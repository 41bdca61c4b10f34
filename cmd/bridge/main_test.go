package main

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort behaves like a serial port opened with a read timeout: Read
// returns pending bytes when there are any and (0, nil) after a short idle
// wait otherwise.
type fakePort struct {
	mu      sync.Mutex
	pending []byte
	written bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(20 * time.Millisecond)
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			n := copy(b, p.pending)
			p.pending = p.pending[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) feed(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, s...)
}

func (p *fakePort) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestServeClientForwardsBothDirections(t *testing.T) {
	port := &fakePort{}
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		serveClient(server, port)
		close(done)
	}()

	_, err := client.Write([]byte("MEASure:VOLTage? CH1\n"))
	require.NoError(t, err)

	port.feed("5.000\n")
	buf := make([]byte, 64)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "5.000\n", string(buf[:n]))

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveClient did not return after client disconnect")
	}
	assert.Equal(t, "MEASure:VOLTage? CH1\n", port.writtenString())
}

func TestSerialReaderDoesNotOutliveSession(t *testing.T) {
	port := &fakePort{}

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		serveClient(server, port)
		close(done)
	}()
	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveClient did not return after client disconnect")
	}

	// A byte arriving between sessions must reach the next client; a reader
	// left over from the previous session would swallow it.
	port.feed("1.234\n")

	client2, server2 := net.Pipe()
	go serveClient(server2, port)
	defer client2.Close()

	buf := make([]byte, 64)
	require.NoError(t, client2.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client2.Read(buf)
	require.NoError(t, err, "next session's first read must see the byte")
	assert.Equal(t, "1.234\n", string(buf[:n]))
}
