package protocol

import (
	"strings"
	"unicode/utf8"
)

// Text types carried in message frames.
const (
	TxtTypePlain  uint8 = 0
	TxtTypeCLI    uint8 = 1
	TxtTypeSigned uint8 = 2
)

// DecodeText converts wire bytes to a string: cut at the first NUL,
// UTF-8 when valid, Latin-1 fallback otherwise.
func DecodeText(b []byte) string {
	if i := indexNul(b); i >= 0 {
		b = b[:i]
	}
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// normalizeTxtType maps a wire text-type byte to plain or CLI, accepting
// both the raw value and the flag-shifted encoding older firmware sends.
func normalizeTxtType(b uint8) (uint8, bool) {
	if b == TxtTypePlain || b == TxtTypeCLI {
		return b, true
	}
	if s := b >> 2; s == TxtTypePlain || s == TxtTypeCLI {
		return s, true
	}
	return 0, false
}

// putPadded writes s into dst, NUL-padded, truncating at the field width.
func putPadded(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// microDegrees converts decimal degrees to the device's fixed-point
// representation.
func microDegrees(deg float64) int32 {
	return int32(deg * 1e6)
}

func degrees(micro int32) float64 {
	return float64(micro) / 1e6
}
