// Package psu exposes device-level operations for the dual-channel supply:
// atomic multi-channel readings, status queries, and setpoint writes, all
// expressed through the command queue.
package psu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/power.bench/internal/cmdq"
	"github.com/banshee-data/power.bench/internal/scpi"
)

// ErrBadStatus reports a status reply that did not decode as a hex word. It
// is never fatal: callers should skip the update and keep prior state.
var ErrBadStatus = errors.New("undecodable status word")

// ErrBadChannel reports a channel outside CH1/CH2.
var ErrBadChannel = errors.New("invalid channel")

// ChannelReading holds one channel's measured values. A nil field marks a
// sample that arrived but did not parse as a number.
type ChannelReading struct {
	Voltage *float64 `json:"voltage"`
	Current *float64 `json:"current"`
}

// Reading is one atomic snapshot of both channels.
type Reading struct {
	Timestamp time.Time      `json:"timestamp"`
	CH1       ChannelReading `json:"ch1"`
	CH2       ChannelReading `json:"ch2"`
}

// Querier is the queue-facing contract the operations need.
type Querier interface {
	Query(cmd scpi.Command) *cmdq.Pending
	Send(cmd scpi.Command) error
}

// RequestReading issues the four measurement queries — CH1 voltage, CH2
// voltage, CH1 current, CH2 current — all before awaiting any result, so the
// sends reach the transport back-to-back and hold consecutive FIFO positions.
// If any query fails the aggregate fails as a whole: a partial reading is no
// reading, and the caller should clear the queue to resynchronize.
func RequestReading(ctx context.Context, q Querier) (Reading, error) {
	v1 := q.Query(scpi.MeasureVoltage(scpi.CH1))
	v2 := q.Query(scpi.MeasureVoltage(scpi.CH2))
	i1 := q.Query(scpi.MeasureCurrent(scpi.CH1))
	i2 := q.Query(scpi.MeasureCurrent(scpi.CH2))

	values := make([]*float64, 4)
	for i, p := range []*cmdq.Pending{v1, v2, i1, i2} {
		line, err := p.Wait(ctx)
		if err != nil {
			return Reading{}, fmt.Errorf("reading aborted: %w", err)
		}
		if v, ok := scpi.ParseMeasurement(line); ok {
			values[i] = &v
		}
	}

	return Reading{
		Timestamp: time.Now(),
		CH1:       ChannelReading{Voltage: values[0], Current: values[2]},
		CH2:       ChannelReading{Voltage: values[1], Current: values[3]},
	}, nil
}

// RequestStatus queries and decodes the system status word. A reply that
// fails to decode returns ErrBadStatus so callers can skip the update without
// treating the channel as desynchronized.
func RequestStatus(ctx context.Context, q Querier) (scpi.Status, error) {
	line, err := q.Query(scpi.QueryStatus()).Wait(ctx)
	if err != nil {
		return scpi.Status{}, fmt.Errorf("status query failed: %w", err)
	}
	status, ok := scpi.ParseStatus(line)
	if !ok {
		return scpi.Status{}, fmt.Errorf("%w: %q", ErrBadStatus, line)
	}
	return status, nil
}

// Identify returns the instrument identification string.
func Identify(ctx context.Context, q Querier) (string, error) {
	line, err := q.Query(scpi.Identify()).Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("identify failed: %w", err)
	}
	return line, nil
}

// SetVoltage programs the voltage setpoint of ch.
func SetVoltage(q Querier, ch scpi.Channel, volts float64) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %d", ErrBadChannel, int(ch))
	}
	return q.Send(scpi.SetVoltage(ch, volts))
}

// SetCurrent programs the current limit of ch.
func SetCurrent(q Querier, ch scpi.Channel, amps float64) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %d", ErrBadChannel, int(ch))
	}
	return q.Send(scpi.SetCurrent(ch, amps))
}

// SetOutput switches the output of ch on or off.
func SetOutput(q Querier, ch scpi.Channel, on bool) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %d", ErrBadChannel, int(ch))
	}
	return q.Send(scpi.SetOutput(ch, on))
}
