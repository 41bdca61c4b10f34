package transport

import (
	"io"

	"go.bug.st/serial"

	"github.com/banshee-data/power.bench/internal/timeutil"
)

// SerialOpener opens the local USB virtual serial port presented by the
// supply. The open function is injectable so tests can run without hardware.
type SerialOpener struct {
	Options PortOptions

	open func(path string, mode *serial.Mode) (serial.Port, error)
}

// NewSerialOpener creates the serial transport variant with the given port
// options.
func NewSerialOpener(opts PortOptions) *SerialOpener {
	return &SerialOpener{Options: opts, open: serial.Open}
}

func (o *SerialOpener) Kind() string { return "serial" }

// Open opens the serial port at path with the configured mode.
func (o *SerialOpener) Open(path string) (io.ReadWriteCloser, error) {
	mode, err := o.Options.SerialMode()
	if err != nil {
		return nil, err
	}
	return o.open(path, mode)
}

// NewSerialChannel is a convenience constructor for the serial transport
// variant. A nil clock uses the real one.
func NewSerialChannel(opts PortOptions, clock timeutil.Clock) *Channel {
	return NewChannel(NewSerialOpener(opts), clock)
}
