package transport

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

var errPortClosed = errors.New("port closed")

// TestPort implements io.ReadWriteCloser with configurable behaviour for
// exercising the transport without hardware. Reads block until data or an
// error is queued, mimicking a serial port waiting for bytes. An optional
// responder can script instrument replies to written command lines.
type TestPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	queuedErrs []error // one-shot read errors, returned before data
	stickyErr  error   // persistent read error until cleared

	writeErr   error
	shortWrite bool
	closed     bool

	// Responder, if set, is invoked with each complete line written to the
	// port; its return values are queued as incoming lines.
	Responder func(command string) []string

	partialWrite []byte
}

// NewTestPort creates a TestPort with empty buffers.
func NewTestPort() *TestPort {
	p := &TestPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data, a queued error, or Close.
func (p *TestPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return 0, errPortClosed
		}
		if len(p.queuedErrs) > 0 {
			err := p.queuedErrs[0]
			p.queuedErrs = p.queuedErrs[1:]
			return 0, err
		}
		if p.stickyErr != nil {
			return 0, p.stickyErr
		}
		if p.readBuf.Len() > 0 {
			return p.readBuf.Read(buf)
		}
		p.readCond.Wait()
	}
}

// Write captures outbound bytes and feeds complete lines to the responder.
func (p *TestPort) Write(data []byte) (int, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	if p.shortWrite {
		n := len(data) / 2
		p.writeBuf.Write(data[:n])
		p.mu.Unlock()
		return n, nil
	}

	p.writeBuf.Write(data)
	responder := p.Responder
	var lines []string
	if responder != nil {
		p.partialWrite = append(p.partialWrite, data...)
		for {
			i := bytes.IndexByte(p.partialWrite, '\n')
			if i < 0 {
				break
			}
			lines = append(lines, strings.TrimSpace(string(p.partialWrite[:i])))
			p.partialWrite = p.partialWrite[i+1:]
		}
	}
	p.mu.Unlock()

	for _, line := range lines {
		for _, reply := range responder(line) {
			p.FeedLine(reply)
		}
	}
	return len(data), nil
}

// Close marks the port closed and wakes blocked readers.
func (p *TestPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// FeedData queues raw incoming bytes.
func (p *TestPort) FeedData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// FeedLine queues one incoming line with its terminator.
func (p *TestPort) FeedLine(line string) {
	p.FeedData([]byte(line + "\n"))
}

// FailNextRead queues a one-shot read error.
func (p *TestPort) FailNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queuedErrs = append(p.queuedErrs, err)
	p.readCond.Broadcast()
}

// SetReadError installs a persistent read error returned by every Read until
// cleared.
func (p *TestPort) SetReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stickyErr = err
	p.readCond.Broadcast()
}

// ClearReadError removes the persistent read error.
func (p *TestPort) ClearReadError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stickyErr = nil
	p.readCond.Broadcast()
}

// SetWriteError makes subsequent writes fail with err.
func (p *TestPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// SetShortWrite makes subsequent writes report fewer bytes than requested.
func (p *TestPort) SetShortWrite(short bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shortWrite = short
}

// Written returns all bytes written to the port.
func (p *TestPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}

// WrittenLines returns the complete lines written to the port.
func (p *TestPort) WrittenLines() []string {
	text := strings.TrimSuffix(p.Written(), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// TestOpener implements Opener around a fixed port, recording open calls.
type TestOpener struct {
	mu      sync.Mutex
	Port    io.ReadWriteCloser
	Err     error
	Variant string
	opened  []string
}

// NewTestOpener creates an opener that hands out port.
func NewTestOpener(port io.ReadWriteCloser) *TestOpener {
	return &TestOpener{Port: port, Variant: "test"}
}

func (o *TestOpener) Kind() string {
	return o.Variant
}

// Open records the target and returns the configured port or error.
func (o *TestOpener) Open(target string) (io.ReadWriteCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, target)
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Port, nil
}

// OpenCalls returns the targets passed to Open so far.
func (o *TestOpener) OpenCalls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}
