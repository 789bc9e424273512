package bpmlink

// This file implements 16-bit and 128-bit UUIDs as assigned by the Bluetooth
// SIG.

import (
	"errors"
	"strconv"
)

// UUID is a single UUID as used in the Bluetooth stack. It is represented as a
// [4]uint32 instead of a [16]byte for efficiency, with the most significant
// word last.
type UUID [4]uint32

var errInvalidUUID = errors.New("bpmlink: failed to parse UUID")

// New16BitUUID returns a new 128-bit UUID based on a 16-bit UUID.
func New16BitUUID(shortUUID uint16) UUID {
	// https://stackoverflow.com/questions/36212020/how-can-i-convert-a-bluetooth-16-bit-service-uuid-into-a-128-bit-uuid
	var uuid UUID
	uuid[0] = 0x5F9B34FB
	uuid[1] = 0x80000080
	uuid[2] = 0x00001000
	uuid[3] = uint32(shortUUID)
	return uuid
}

// Is16Bit returns whether this UUID is a 16-bit BLE UUID.
func (uuid UUID) Is16Bit() bool {
	return uuid.Is32Bit() && uuid[3] == uint32(uint16(uuid[3]))
}

// Is32Bit returns whether this UUID is a 32-bit BLE UUID.
func (uuid UUID) Is32Bit() bool {
	return uuid[0] == 0x5F9B34FB && uuid[1] == 0x80000080 && uuid[2] == 0x00001000
}

// ParseUUID parses a UUID in the 00001234-0000-1000-8000-00805f9b34fb form,
// in either case. The short 4-digit form used by CoreBluetooth for registered
// UUIDs ("1234") is accepted as well.
func ParseUUID(s string) (uuid UUID, err error) {
	switch len(s) {
	case 4:
		short, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return uuid, errInvalidUUID
		}
		return New16BitUUID(uint16(short)), nil
	case 36:
	default:
		return uuid, errInvalidUUID
	}
	if s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return uuid, errInvalidUUID
	}
	hex := s[0:8] + s[9:13] + s[14:18] + s[19:23] + s[24:36]
	for i := 0; i < 4; i++ {
		word, err := strconv.ParseUint(hex[i*8:i*8+8], 16, 32)
		if err != nil {
			return UUID{}, errInvalidUUID
		}
		uuid[3-i] = uint32(word)
	}
	return uuid, nil
}

// String returns the lowercase 128-bit form of this UUID, for example
// 00001234-0000-1000-8000-00805f9b34fb.
func (uuid UUID) String() string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 0, 36)
	for i := 3; i >= 0; i-- {
		word := uuid[i]
		for shift := 28; shift >= 0; shift -= 4 {
			switch len(buf) {
			case 8, 13, 18, 23:
				buf = append(buf, '-')
			}
			buf = append(buf, digits[(word>>uint(shift))&0xf])
		}
	}
	return string(buf)
}
