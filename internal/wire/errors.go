package wire

import "errors"

var (
	// ErrTooLong reports that a DATA payload exceeds the 16-bit frame length cap.
	ErrTooLong = errors.New("wire: payload exceeds 65535 bytes")

	// ErrShort reports that a byte slice passed to DecodeFrame did not contain a
	// complete frame.
	ErrShort = errors.New("wire: short buffer")

	// ErrUnknownType reports a frame type byte outside the fixed BEGIN/DATA/
	// END/ABORT/RESET/WINDOW set.
	ErrUnknownType = errors.New("wire: unknown frame type")

	// ErrMalformed reports a structurally invalid frame body for its type.
	ErrMalformed = errors.New("wire: malformed frame")
)
