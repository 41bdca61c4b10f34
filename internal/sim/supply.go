// Package sim implements an SPD3303X-compatible bench supply over TCP, for
// exercising the full stack without hardware. It speaks the same
// line-oriented SCPI subset the real instrument does and answers queries in
// strict arrival order, which is what the FIFO reply matching upstream
// depends on.
package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/power.bench/internal/monitoring"
)

// DefaultIdentity mimics the real instrument's *IDN? reply shape.
const DefaultIdentity = "Siglent Technologies,SPD3303X,SPD3XSIM0000001,1.01.01.02.05,V3.0"

// DefaultLoadOhms is the simulated resistive load on each channel, used to
// derive a measured current from the voltage setpoint.
const DefaultLoadOhms = 8.0

type channelState struct {
	setVoltage float64
	setCurrent float64
	output     bool
}

// Supply holds the simulated instrument state. Safe for concurrent
// connections; command handling is serialized.
type Supply struct {
	mu       sync.Mutex
	channels [2]channelState
	loadOhms float64
	identity string
}

// NewSupply creates a powered-on supply with outputs off and a 3.2 A current
// limit per channel, matching the instrument's factory state.
func NewSupply() *Supply {
	s := &Supply{
		loadOhms: DefaultLoadOhms,
		identity: DefaultIdentity,
	}
	for i := range s.channels {
		s.channels[i].setCurrent = 3.2
	}
	return s
}

// SetLoadOhms changes the simulated per-channel load.
func (s *Supply) SetLoadOhms(ohms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ohms > 0 {
		s.loadOhms = ohms
	}
}

// measure derives the channel's terminal voltage and current from its
// setpoints and the simulated load. The supply is in CC when the load would
// draw more than the current limit allows.
func (s *Supply) measure(ch int) (volts, amps float64, cc bool) {
	state := s.channels[ch]
	if !state.output {
		return 0, 0, false
	}
	demand := state.setVoltage / s.loadOhms
	if demand > state.setCurrent {
		return state.setCurrent * s.loadOhms, state.setCurrent, true
	}
	return state.setVoltage, demand, false
}

// statusWord encodes the instrument status register: bit0/bit1 channel CV/CC
// mode, bits 2-3 tracking (always independent here), bit4/bit5 output state.
func (s *Supply) statusWord() uint16 {
	var word uint16
	for i := range s.channels {
		if _, _, cc := s.measure(i); cc {
			word |= 1 << i
		}
		if s.channels[i].output {
			word |= 1 << (4 + i)
		}
	}
	word |= 1 << 2 // independent tracking
	return word
}

// Handle processes one command line and returns the reply lines (none for
// directives). Unknown commands are ignored, like the real instrument.
func (s *Supply) Handle(line string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	line = strings.TrimSpace(line)
	switch {
	case line == "*IDN?":
		return []string{s.identity}

	case line == "SYSTem:STATus?":
		return []string{fmt.Sprintf("0x%04X", s.statusWord())}

	case strings.HasPrefix(line, "MEASure:VOLTage? "):
		ch, ok := parseChannelArg(strings.TrimPrefix(line, "MEASure:VOLTage? "))
		if !ok {
			return nil
		}
		volts, _, _ := s.measure(ch)
		return []string{fmt.Sprintf("%.3f", volts)}

	case strings.HasPrefix(line, "MEASure:CURRent? "):
		ch, ok := parseChannelArg(strings.TrimPrefix(line, "MEASure:CURRent? "))
		if !ok {
			return nil
		}
		_, amps, _ := s.measure(ch)
		return []string{fmt.Sprintf("%.3f", amps)}

	case strings.HasPrefix(line, "OUTPut "):
		s.handleOutput(strings.TrimPrefix(line, "OUTPut "))
		return nil

	default:
		s.handleSetpoint(line)
		return nil
	}
}

// handleOutput parses "CHn,ON" / "CHn,OFF".
func (s *Supply) handleOutput(arg string) {
	channel, state, ok := strings.Cut(arg, ",")
	if !ok {
		return
	}
	ch, chOK := parseChannelArg(channel)
	if !chOK {
		return
	}
	switch strings.TrimSpace(state) {
	case "ON":
		s.channels[ch].output = true
	case "OFF":
		s.channels[ch].output = false
	}
}

// handleSetpoint parses "CHn:VOLTage v" / "CHn:CURRent v".
func (s *Supply) handleSetpoint(line string) {
	channel, rest, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	ch, chOK := parseChannelArg(channel)
	if !chOK {
		return
	}
	field, arg, ok := strings.Cut(rest, " ")
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil || value < 0 {
		return
	}
	switch field {
	case "VOLTage":
		s.channels[ch].setVoltage = value
	case "CURRent":
		s.channels[ch].setCurrent = value
	}
}

// parseChannelArg maps "CH1"/"CH2" to a channel index.
func parseChannelArg(arg string) (int, bool) {
	switch strings.TrimSpace(arg) {
	case "CH1":
		return 0, true
	case "CH2":
		return 1, true
	default:
		return 0, false
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each connection is handled on its own goroutine.
func (s *Supply) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		monitoring.Logf("sim: client connected from %s", conn.RemoteAddr())
		go s.serveConn(conn)
	}
}

func (s *Supply) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		for _, reply := range s.Handle(scanner.Text()) {
			if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
				return
			}
		}
	}
	monitoring.Logf("sim: client %s disconnected", conn.RemoteAddr())
}
