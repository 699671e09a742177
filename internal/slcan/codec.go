// Package slcan implements the SLCAN (LAWICEL) ASCII serial protocol:
// the de facto standard used by canable/CANtact-class USB-to-CAN
// adapters. Every command is a line of printable hex terminated by
// carriage return (0x0D); a bell (0x07) answers an unrecognized
// command.
package slcan

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cannelloni-go/cannelloni/internal/can"
)

// ErrShortLine and ErrBadHex classify a malformed data-frame line so the
// scanner can count it and resynchronize instead of panicking on a
// short slice.
var (
	ErrShortLine    = errors.New("slcan: line too short for its id width")
	ErrBadHex       = errors.New("slcan: invalid hex digit")
	ErrBadLength    = errors.New("slcan: length digit out of range 0-8")
	ErrNotDataFrame = errors.New("slcan: not a 't' or 'T' data frame line")
)

// Encode renders a classic CAN frame as an SLCAN data-frame command,
// without the trailing carriage return (the caller appends it, since
// Close and bitrate-setup commands share the same writer but aren't
// frames).
//
//	standard: t I I I L D D ... (3 hex id digits, 1 length digit)
//	extended: T I I I I I I I I L D D ... (8 hex id digits)
func Encode(fr can.Frame) []byte {
	ext := fr.CANID&can.CAN_EFF_FLAG != 0
	id := fr.CANID &^ (can.CAN_EFF_FLAG | can.CAN_RTR_FLAG | can.CAN_ERR_FLAG)

	idDigits := 3
	letter := byte('t')
	if ext {
		idDigits = 8
		letter = 'T'
	}

	out := make([]byte, 0, 1+idDigits+1+2*int(fr.Len))
	out = append(out, letter)
	out = appendHexDigits(out, uint64(id), idDigits)
	out = append(out, "0123456789ABCDEF"[fr.Len])
	out = append(out, []byte(hex.EncodeToString(fr.Data[:fr.Len]))...)
	return upper(out)
}

func appendHexDigits(dst []byte, v uint64, digits int) []byte {
	buf := make([]byte, digits)
	for i := digits - 1; i >= 0; i-- {
		buf[i] = "0123456789ABCDEF"[v&0xF]
		v >>= 4
	}
	return append(dst, buf...)
}

func upper(b []byte) []byte {
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return b
}

// Decode parses one complete line (without its trailing \r) as a
// standard or extended data-frame command. Status frames ('F...'),
// the bell byte, and anything else recognized by the scanner never
// reach here.
func Decode(line []byte) (can.Frame, error) {
	var fr can.Frame
	if len(line) == 0 {
		return fr, ErrNotDataFrame
	}

	var idDigits int
	switch line[0] {
	case 't':
		idDigits = 3
	case 'T':
		idDigits = 8
	default:
		return fr, ErrNotDataFrame
	}

	if len(line) < 1+idDigits+1 {
		return fr, ErrShortLine
	}
	id, err := parseHex(line[1 : 1+idDigits])
	if err != nil {
		return fr, err
	}
	lnDigit := line[1+idDigits]
	if lnDigit < '0' || lnDigit > '8' {
		return fr, ErrBadLength
	}
	n := int(lnDigit - '0')

	dataStart := 1 + idDigits + 1
	if len(line) < dataStart+2*n {
		return fr, ErrShortLine
	}
	payload, err := hex.DecodeString(string(line[dataStart : dataStart+2*n]))
	if err != nil {
		return fr, fmt.Errorf("%w: %v", ErrBadHex, err)
	}

	fr.CANID = uint32(id)
	if idDigits == 8 {
		fr.CANID |= can.CAN_EFF_FLAG
	}
	fr.Len = uint8(n)
	copy(fr.Data[:], payload)
	return fr, nil
}

func parseHex(digits []byte) (uint32, error) {
	var v uint32
	for _, c := range digits {
		var d uint32
		switch {
		case c >= '0' && c <= '9':
			d = uint32(c - '0')
		case c >= 'A' && c <= 'F':
			d = uint32(c-'A') + 10
		case c >= 'a' && c <= 'f':
			d = uint32(c-'a') + 10
		default:
			return 0, ErrBadHex
		}
		v = v<<4 | d
	}
	return v, nil
}
