// Package hpack implements the HPACK integer and literal-header codec
// (RFC 7541) used to emit and parse this transport's HEADERS frames.
package hpack

import "github.com/rpctransport/rpctransport/pkg/errors"

// EncodeInteger encodes value using HPACK integer encoding with the given
// prefix width (1-7 bits available in the first byte). It mirrors RFC 7541
// §5.1: values that fit in the prefix are emitted directly; larger values
// spill into 7-bit continuation bytes with the high bit set on every byte
// but the last.
func EncodeInteger(value uint64, prefixBits uint8) ([]byte, error) {
	if prefixBits == 0 || prefixBits > 7 {
		return nil, errors.NewHPACKError("encode_integer", nil)
	}

	maxPrefix := uint64(1)<<prefixBits - 1
	if value < maxPrefix {
		return []byte{byte(value)}, nil
	}

	out := []byte{byte(maxPrefix)}
	value -= maxPrefix
	for value >= 128 {
		out = append(out, byte(value&0x7F)|0x80)
		value >>= 7
	}
	out = append(out, byte(value))
	return out, nil
}

// DecodeInteger decodes an HPACK integer from input using the given prefix
// width, returning the value and the number of bytes consumed. It rejects
// continuations whose shift exponent would exceed 28, guarding against
// overflow on the 32-bit values HPACK integers are defined over.
func DecodeInteger(input []byte, prefixBits uint8) (value uint64, consumed int, err error) {
	if len(input) == 0 || prefixBits == 0 || prefixBits > 7 {
		return 0, 0, errors.NewHPACKError("decode_integer", nil)
	}

	maxPrefix := uint64(1)<<prefixBits - 1
	value = uint64(input[0]) & maxPrefix
	if value < maxPrefix {
		return value, 1, nil
	}

	pos := 1
	var m uint
	for pos < len(input) {
		b := input[pos]
		pos++
		value += uint64(b&0x7F) << m
		m += 7

		if b&0x80 == 0 {
			return value, pos, nil
		}
		if m > 28 {
			return 0, 0, errors.NewHPACKError("decode_integer_overflow", nil)
		}
	}

	return 0, 0, errors.NewHPACKError("decode_integer_incomplete", nil)
}
