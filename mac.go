package bpmlink

import "errors"

// MAC represents a MAC address, in little endian format.
type MAC [6]byte

var errInvalidMAC = errors.New("bpmlink: failed to parse MAC address")

// ParseMAC parses the given MAC address, which must be in 11:22:33:AA:BB:CC
// format. Hex digits may be in either case. If it cannot be parsed, an error
// is returned.
func ParseMAC(s string) (mac MAC, err error) {
	if len(s) != 17 {
		return mac, errInvalidMAC
	}
	macIndex := 11
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != ':' {
				return MAC{}, errInvalidMAC
			}
			continue
		}
		var nibble byte
		switch {
		case c >= '0' && c <= '9':
			nibble = c - '0'
		case c >= 'A' && c <= 'F':
			nibble = c - 'A' + 0xA
		case c >= 'a' && c <= 'f':
			nibble = c - 'a' + 0xA
		default:
			return MAC{}, errInvalidMAC
		}
		if macIndex%2 == 0 {
			mac[macIndex/2] |= nibble
		} else {
			mac[macIndex/2] |= nibble << 4
		}
		macIndex--
	}
	return mac, nil
}

// String returns a human-readable version of this MAC address, such as
// 11:22:33:AA:BB:CC.
func (mac MAC) String() string {
	const digits = "0123456789ABCDEF"
	buf := make([]byte, 0, 17)
	for i := 5; i >= 0; i-- {
		if i != 5 {
			buf = append(buf, ':')
		}
		buf = append(buf, digits[mac[i]>>4], digits[mac[i]&0x0f])
	}
	return string(buf)
}

// pathElement returns the address in the form BlueZ uses for device object
// paths: dev_11_22_33_AA_BB_CC.
func (mac MAC) pathElement() string {
	s := []byte("dev_" + mac.String())
	for i := range s {
		if s[i] == ':' {
			s[i] = '_'
		}
	}
	return string(s)
}
