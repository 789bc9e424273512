package bpmlink

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDString(t *testing.T) {
	checkUUID(t, New16BitUUID(0x1234), "00001234-0000-1000-8000-00805f9b34fb")
	checkUUID(t, CharacteristicUUIDTempo, "00005678-0000-1000-8000-00805f9b34fb")
}

func checkUUID(t *testing.T, uuid UUID, check string) {
	if uuid.String() != check {
		t.Errorf("expected UUID %s but got %s", check, uuid.String())
	}
}

func TestParseUUIDTooSmall(t *testing.T) {
	_, e := ParseUUID("00001234-0000-1000-8000-00805f9b34f")
	if e != errInvalidUUID {
		t.Errorf("expected errInvalidUUID but got %v", e)
	}
}

func TestParseUUIDTooLarge(t *testing.T) {
	_, e := ParseUUID("00001234-0000-1000-8000-00805F9B34FB0")
	if e != errInvalidUUID {
		t.Errorf("expected errInvalidUUID but got %v", e)
	}
}

func TestParseUUIDMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"12345",
		"zzzz",
		"00001234x0000-1000-8000-00805f9b34fb",
		"0000123g-0000-1000-8000-00805f9b34fb",
	} {
		_, err := ParseUUID(s)
		assert.ErrorIs(t, err, errInvalidUUID, "input %q", s)
	}
}

func TestParseUUIDShortForm(t *testing.T) {
	u, err := ParseUUID("5678")
	require.NoError(t, err)
	assert.Equal(t, CharacteristicUUIDTempo, u)
	assert.True(t, u.Is16Bit())

	u, err = ParseUUID("ABCD")
	require.NoError(t, err)
	assert.Equal(t, New16BitUUID(0xabcd), u)
}

func TestStringUUID(t *testing.T) {
	uuidString := "00001234-0000-1000-8000-00805f9b34fb"
	u, e := ParseUUID(uuidString)
	if e != nil {
		t.Errorf("expected nil but got %v", e)
	}
	if u.String() != uuidString {
		t.Errorf("expected %s but got %s", uuidString, u.String())
	}
}

func TestStringUUIDUpperCase(t *testing.T) {
	uuidString := strings.ToUpper("00001234-0000-1000-8000-00805f9b34fb")
	u, e := ParseUUID(uuidString)
	if e != nil {
		t.Errorf("expected nil but got %v", e)
	}
	if u.String() != strings.ToLower(uuidString) {
		t.Errorf("expected lowercase %s but got %s", strings.ToLower(uuidString), u.String())
	}
}

func TestUUIDIs16Bit(t *testing.T) {
	assert.True(t, ServiceUUIDTempo.Is16Bit())

	u, err := ParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	require.NoError(t, err)
	assert.False(t, u.Is16Bit())
	assert.False(t, u.Is32Bit())
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", u.String())
}

func BenchmarkUUIDToString(b *testing.B) {
	uuid, e := ParseUUID("00001234-0000-1000-8000-00805f9b34fb")
	if e != nil {
		b.Errorf("expected nil but got %v", e)
	}
	for i := 0; i < b.N; i++ {
		_ = uuid.String()
	}
}
