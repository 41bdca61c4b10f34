package transport

import (
	"io"
	"net"
	"time"

	"github.com/banshee-data/power.bench/internal/timeutil"
)

// defaultDialTimeout bounds how long a relay connection attempt may take.
const defaultDialTimeout = 5 * time.Second

// RelayOpener opens a TCP connection to a bridge process that forwards bytes
// transparently to the instrument's native channel. The relay speaks the same
// LF-terminated ASCII protocol, so the rest of the transport is unchanged.
type RelayOpener struct {
	DialTimeout time.Duration

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewRelayOpener creates the relayed transport variant.
func NewRelayOpener() *RelayOpener {
	return &RelayOpener{DialTimeout: defaultDialTimeout, dial: net.DialTimeout}
}

func (o *RelayOpener) Kind() string { return "relay" }

// Open dials the relay at addr (host:port).
func (o *RelayOpener) Open(addr string) (io.ReadWriteCloser, error) {
	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return o.dial("tcp", addr, timeout)
}

// NewRelayChannel is a convenience constructor for the relayed transport
// variant. A nil clock uses the real one.
func NewRelayChannel(clock timeutil.Clock) *Channel {
	return NewChannel(NewRelayOpener(), clock)
}
