// Package transport owns the byte channel to the power supply. It frames the
// incoming stream into trimmed text lines, writes outbound commands with a
// line terminator, and rides out transient read failures inside a bounded
// grace window before declaring the session dead.
//
// Two interchangeable variants exist — a local USB serial port and a relayed
// TCP byte channel — differing only in how the underlying stream is opened.
// Both emit the same event vocabulary (connected, disconnected, line, log,
// error) so the layers above never need to know which one is active.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/power.bench/internal/timeutil"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrWriteFailed  = errors.New("failed to write full command to transport")
)

const (
	// GraceWindow bounds how long read failures are tolerated before the
	// session is declared dead.
	GraceWindow = 5000 * time.Millisecond

	// RetryInterval is the pause between read attempts inside the grace
	// window.
	RetryInterval = 500 * time.Millisecond

	readBufferSize = 256
)

// Opener acquires the underlying byte stream for one transport variant.
type Opener interface {
	// Open acquires the stream for the given target (a device path or a
	// relay address).
	Open(target string) (io.ReadWriteCloser, error)

	// Kind names the variant for log messages ("serial" or "relay").
	Kind() string
}

// Channel is the shared transport implementation. The variant-specific part
// is confined to the Opener; framing, send, and the retry policy are
// identical for both.
type Channel struct {
	Emitter

	opener Opener
	clock  timeutil.Clock

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	closing bool
	done    chan struct{}

	sendMu sync.Mutex
}

// NewChannel creates a transport over the given opener. The clock is
// injectable so tests can drive the retry grace window.
func NewChannel(opener Opener, clock timeutil.Clock) *Channel {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Channel{opener: opener, clock: clock}
}

// Kind reports which transport variant this channel uses.
func (c *Channel) Kind() string {
	return c.opener.Kind()
}

// Connected reports whether a session is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect acquires the channel and starts the read loop. On failure an error
// event is emitted and no session is left open.
func (c *Channel) Connect(target string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		err := fmt.Errorf("%s transport already connected", c.opener.Kind())
		c.Emit(EventError, err.Error())
		return err
	}
	c.mu.Unlock()

	conn, err := c.opener.Open(target)
	if err != nil {
		err = fmt.Errorf("failed to open %s transport: %w", c.opener.Kind(), err)
		c.Emit(EventError, err.Error())
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.Emit(EventConnected, fmt.Sprintf("%s:%s", c.opener.Kind(), target))
	go c.readLoop(conn, done)
	return nil
}

// Disconnect stops the read loop and releases the channel. It is idempotent
// and always emits a disconnected event.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.Emit(EventDisconnected, c.opener.Kind())
	return err
}

// Close disconnects and tears down all subscriber channels. The channel must
// not be reused afterwards.
func (c *Channel) Close() error {
	err := c.Disconnect()
	c.CloseAll()
	return err
}

// Send writes the command plus a line terminator to the channel. A send on a
// closed channel emits an error event and returns ErrNotConnected instead of
// panicking.
func (c *Channel) Send(command string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	closing := c.closing
	c.mu.Unlock()

	if conn == nil || closing {
		c.Emit(EventError, fmt.Sprintf("cannot send %q: transport not connected", command))
		return ErrNotConnected
	}

	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := conn.Write([]byte(command))
	if err != nil {
		c.Emit(EventError, fmt.Sprintf("write failed: %v", err))
		return err
	}
	if n != len(command) {
		c.Emit(EventError, ErrWriteFailed.Error())
		return ErrWriteFailed
	}
	return nil
}

func (c *Channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// readLoop reads bytes, frames them into lines, and emits a line event per
// complete, non-empty line. Partial trailing bytes persist across reads.
//
// On a read failure the loop does not fail the session immediately: it
// retries every RetryInterval inside the GraceWindow, and only when the
// window elapses without a successful read does it emit a single error event
// and tear the session down. A successful read (not a successful line) resets
// the window, treating the prior failure as transient noise.
func (c *Channel) readLoop(conn io.ReadWriteCloser, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufferSize)
	var pending []byte
	var graceStart time.Time

	for {
		if c.isClosing() {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = c.drainLines(pending)
		}
		if err != nil {
			if c.isClosing() {
				return
			}
			if graceStart.IsZero() {
				graceStart = c.clock.Now()
				c.Emit(EventLog, fmt.Sprintf("read hiccup on %s transport, retrying: %v", c.opener.Kind(), err))
			}
			if c.clock.Since(graceStart) >= GraceWindow {
				c.Emit(EventError, fmt.Sprintf("read failed for %v on %s transport: %v", GraceWindow, c.opener.Kind(), err))
				c.Disconnect()
				return
			}
			<-c.clock.After(RetryInterval)
			continue
		}

		// Any successful read clears the grace window.
		graceStart = time.Time{}
	}
}

// drainLines emits an event per complete line in pending and returns the
// unterminated remainder.
func (c *Channel) drainLines(pending []byte) []byte {
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			return pending
		}
		line := strings.TrimSpace(string(pending[:i]))
		pending = pending[i+1:]
		if line != "" {
			c.Emit(EventLine, line)
		}
	}
}
