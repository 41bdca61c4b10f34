// Package scpi builds and decodes the line-oriented SCPI subset spoken by the
// SPD3303X dual-channel bench supply. Commands are plain ASCII lines; a
// command containing a '?' is a query and produces exactly one reply line,
// anything else is a directive with no reply.
package scpi

import (
	"fmt"
	"strings"
)

// Command is one outbound protocol line, without the terminator.
type Command string

// IsQuery reports whether the command expects a reply line.
func (c Command) IsQuery() bool {
	return strings.Contains(string(c), "?")
}

func (c Command) String() string {
	return string(c)
}

// Channel identifies one of the two output channels.
type Channel int

const (
	CH1 Channel = 1
	CH2 Channel = 2
)

// Valid reports whether ch names a real output channel.
func (ch Channel) Valid() bool {
	return ch == CH1 || ch == CH2
}

func (ch Channel) String() string {
	return fmt.Sprintf("CH%d", int(ch))
}

// MeasureVoltage returns the query for the measured output voltage of ch.
func MeasureVoltage(ch Channel) Command {
	return Command(fmt.Sprintf("MEASure:VOLTage? CH%d", int(ch)))
}

// MeasureCurrent returns the query for the measured output current of ch.
func MeasureCurrent(ch Channel) Command {
	return Command(fmt.Sprintf("MEASure:CURRent? CH%d", int(ch)))
}

// SetVoltage returns the directive that programs the voltage setpoint of ch.
// The instrument accepts at most millivolt resolution, so the value is
// formatted to three decimal places.
func SetVoltage(ch Channel, volts float64) Command {
	return Command(fmt.Sprintf("CH%d:VOLTage %.3f", int(ch), volts))
}

// SetCurrent returns the directive that programs the current limit of ch.
func SetCurrent(ch Channel, amps float64) Command {
	return Command(fmt.Sprintf("CH%d:CURRent %.3f", int(ch), amps))
}

// SetOutput returns the directive that switches the output of ch on or off.
func SetOutput(ch Channel, on bool) Command {
	state := "OFF"
	if on {
		state = "ON"
	}
	return Command(fmt.Sprintf("OUTPut CH%d,%s", int(ch), state))
}

// QueryStatus returns the query for the bit-encoded system status word.
func QueryStatus() Command {
	return Command("SYSTem:STATus?")
}

// Identify returns the standard identification query.
func Identify() Command {
	return Command("*IDN?")
}
