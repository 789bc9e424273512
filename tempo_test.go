package bpmlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTempo(t *testing.T) {
	tests := []struct {
		bpm  int
		want byte
	}{
		{0, MinTempo},
		{10, MinTempo},
		{20, 20},
		{120, 120},
		{170, 170},
		{200, 200},
		{201, MaxTempo},
		{250, MaxTempo},
		{255, MaxTempo},
	}
	for _, tc := range tests {
		got, err := EncodeTempo(tc.bpm)
		require.NoError(t, err, "bpm %d", tc.bpm)
		assert.Equal(t, tc.want, got, "bpm %d", tc.bpm)
	}
}

func TestEncodeTempoOutOfRange(t *testing.T) {
	for _, bpm := range []int{-1, -500, 256, 400, 1 << 20} {
		_, err := EncodeTempo(bpm)
		assert.ErrorIs(t, err, ErrInvalidValue, "bpm %d", bpm)
	}
}

func TestParseTempo(t *testing.T) {
	tests := map[string]int{
		"":     DefaultTempo,
		"   ":  DefaultTempo,
		"fast": DefaultTempo,
		"12.5": DefaultTempo,
		"120":  120,
		" 96 ": 96,
		"5":    MinTempo,
		"-40":  MinTempo,
		"999":  MaxTempo,
		"0200": 200,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseTempo(in), "input %q", in)
	}
}
