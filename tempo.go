package bpmlink

import (
	"fmt"
	"strconv"
	"strings"
)

// Tempo limits in beats per minute. User-entered tempos are clamped to
// [MinTempo, MaxTempo]; the wire format is a single unsigned byte.
const (
	MinTempo     = 20
	MaxTempo     = 200
	DefaultTempo = 170

	maxWireValue = 255
)

// ClampTempo limits bpm to [MinTempo, MaxTempo].
func ClampTempo(bpm int) int {
	if bpm < MinTempo {
		return MinTempo
	}
	if bpm > MaxTempo {
		return MaxTempo
	}
	return bpm
}

// EncodeTempo converts bpm to the byte sent to the peripheral. Values that do
// not fit the wire byte are rejected with ErrInvalidValue; anything else is
// clamped to the accepted tempo range.
func EncodeTempo(bpm int) (byte, error) {
	if err := checkWireValue(bpm); err != nil {
		return 0, err
	}
	return byte(ClampTempo(bpm)), nil
}

// ParseTempo interprets free-text tempo input. Blank or non-numeric input
// yields DefaultTempo; numbers are clamped.
func ParseTempo(s string) int {
	bpm, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return DefaultTempo
	}
	return ClampTempo(bpm)
}

func checkWireValue(v int) error {
	if v < 0 || v > maxWireValue {
		return fmt.Errorf("%w: %d not in [0,%d]", ErrInvalidValue, v, maxWireValue)
	}
	return nil
}
