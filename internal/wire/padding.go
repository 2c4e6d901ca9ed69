package wire

import (
	"errors"
	"fmt"
)

// paddedBlockSize is the transport padding granularity. Padded length leaks
// only the message size bucket, not the exact size.
const paddedBlockSize = 160

// ErrBadPadding is returned for corrupt transport padding.
var ErrBadPadding = errors.New("wire: bad transport padding")

// Pad appends the 0x80 boundary marker and zero-fills to the next block.
func Pad(msg []byte) []byte {
	total := ((len(msg) + 1 + paddedBlockSize - 1) / paddedBlockSize) * paddedBlockSize
	padded := make([]byte, total)
	copy(padded, msg)
	padded[len(msg)] = 0x80
	return padded
}

// StripPadding removes transport padding. The trailing 0x80 marks the
// boundary; only zero bytes may follow it. A non-zero byte where padding is
// expected is a corruption error, not a recoverable condition.
func StripPadding(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, fmt.Errorf("%w: byte 0x%02x at offset %d", ErrBadPadding, data[i], i)
		}
	}
	return nil, fmt.Errorf("%w: no boundary marker", ErrBadPadding)
}
