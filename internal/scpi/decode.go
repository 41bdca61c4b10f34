package scpi

import (
	"strconv"
	"strings"
)

// ParseMeasurement parses a measurement reply line as a decimal number. The
// boolean result is false for unparsable text so a bad sample can be treated
// as missing instead of aborting a whole reading.
func ParseMeasurement(line string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// RegulationMode is the per-channel regulation state.
type RegulationMode int

const (
	ConstantVoltage RegulationMode = iota
	ConstantCurrent
)

func (m RegulationMode) String() string {
	if m == ConstantCurrent {
		return "CC"
	}
	return "CV"
}

// TrackingMode is the channel tracking configuration of the supply.
type TrackingMode int

const (
	TrackingUnknown TrackingMode = iota
	TrackingIndependent
	TrackingSeries
	TrackingParallel
)

func (m TrackingMode) String() string {
	switch m {
	case TrackingIndependent:
		return "independent"
	case TrackingSeries:
		return "series"
	case TrackingParallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// Status is the decoded instrument state from SYSTem:STATus?.
type Status struct {
	CH1Mode   RegulationMode `json:"ch1_mode"`
	CH2Mode   RegulationMode `json:"ch2_mode"`
	Tracking  TrackingMode   `json:"tracking"`
	CH1Output bool           `json:"ch1_output"`
	CH2Output bool           `json:"ch2_output"`
}

// ParseStatus decodes the hexadecimal status word replied to SYSTem:STATus?.
// Bit assignments: bit0 CH1 mode, bit1 CH2 mode (0=CV, 1=CC), bits 2-3
// tracking mode (1 independent, 3 series, 2 parallel), bit4 CH1 output,
// bit5 CH2 output. The boolean result is false when the line is not a valid
// hex word; callers should skip the update rather than clear prior state.
func ParseStatus(line string) (Status, bool) {
	text := strings.TrimSpace(line)
	text = strings.TrimPrefix(text, "0x")
	word, err := strconv.ParseUint(text, 16, 32)
	if err != nil {
		return Status{}, false
	}

	var s Status
	if word&0x01 != 0 {
		s.CH1Mode = ConstantCurrent
	}
	if word&0x02 != 0 {
		s.CH2Mode = ConstantCurrent
	}
	switch (word >> 2) & 0x03 {
	case 1:
		s.Tracking = TrackingIndependent
	case 3:
		s.Tracking = TrackingSeries
	case 2:
		s.Tracking = TrackingParallel
	default:
		s.Tracking = TrackingUnknown
	}
	s.CH1Output = word&0x10 != 0
	s.CH2Output = word&0x20 != 0
	return s, true
}
