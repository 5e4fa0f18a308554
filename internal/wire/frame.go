// Package wire encodes and decodes the fixed set of control frames that
// flow between this adapter and the downstream message fabric: BEGIN,
// DATA, END, ABORT, RESET, and WINDOW.
//
// The wire format is a self-describing envelope (body length, type byte,
// body) around a fixed per-type body layout. Byte order is the machine's
// native order (see internal/wire/bo): the fabric connection is always a
// same-host IPC channel standing in for the shared-memory ring buffer the
// spec assumes is given, so there is no cross-host byte-order negotiation
// to do. DATA payloads are capped at 2^16-1 bytes, matching the frame
// surface's 16-bit length field.
package wire

import (
	"code.hybscloud.com/tcpnukleus/internal/wire/bo"
)

// Type identifies a frame's kind on the wire.
type Type uint8

const (
	TypeBegin Type = iota + 1
	TypeData
	TypeEnd
	TypeAbort
	TypeReset
	TypeWindow
)

func (t Type) String() string {
	switch t {
	case TypeBegin:
		return "BEGIN"
	case TypeData:
		return "DATA"
	case TypeEnd:
		return "END"
	case TypeAbort:
		return "ABORT"
	case TypeReset:
		return "RESET"
	case TypeWindow:
		return "WINDOW"
	default:
		return "UNKNOWN"
	}
}

// MaxPayload is the largest DATA payload a single frame may carry.
const MaxPayload = 1<<16 - 1

// envelopeHeaderLen is the byte length of [bodyLen uint32][type byte].
const envelopeHeaderLen = 5

// byteOrder is the wire byte order for this process (native order: see
// package doc).
var byteOrder = bo.Native()

// Frame is implemented by all six frame types.
type Frame interface {
	FrameType() Type
	StreamID() uint64
}

// Begin opens a logical stream. It carries the correlation id used to pair
// a server-side accept's outbound BEGIN with its downstream reply, and the
// socket addresses observed at accept/connect time.
type Begin struct {
	StreamId      uint64
	ReferenceId   uint64
	CorrelationId uint64
	LocalAddress  string
	RemoteAddress string
}

func (b *Begin) FrameType() Type  { return TypeBegin }
func (b *Begin) StreamID() uint64 { return b.StreamId }

// Data carries up to MaxPayload bytes read from, or to be written to, a
// bridged TCP socket.
type Data struct {
	StreamId uint64
	Payload  []byte
}

func (d *Data) FrameType() Type  { return TypeData }
func (d *Data) StreamID() uint64 { return d.StreamId }

// End cleanly terminates a stream (half-close / graceful EOF).
type End struct{ StreamId uint64 }

func (e *End) FrameType() Type  { return TypeEnd }
func (e *End) StreamID() uint64 { return e.StreamId }

// Abort terminates a stream abnormally, without a graceful half-close.
type Abort struct{ StreamId uint64 }

func (a *Abort) FrameType() Type  { return TypeAbort }
func (a *Abort) StreamID() uint64 { return a.StreamId }

// Reset flows on a stream's throttle to abortively tear it down.
type Reset struct{ StreamId uint64 }

func (r *Reset) FrameType() Type  { return TypeReset }
func (r *Reset) StreamID() uint64 { return r.StreamId }

// Window flows on a stream's throttle, granting additional send credit.
// A negative Credit is a protocol error (see spec §9 open questions); Decode
// does not reject it, callers must (internal/stream does, by resetting the
// stream).
type Window struct {
	StreamId uint64
	Credit   int32
}

func (w *Window) FrameType() Type  { return TypeWindow }
func (w *Window) StreamID() uint64 { return w.StreamId }

// AppendFrame serializes f onto dst and returns the extended slice.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	body, err := appendBody(nil, f)
	if err != nil {
		return dst, err
	}
	hdr := make([]byte, envelopeHeaderLen)
	byteOrder.PutUint32(hdr[:4], uint32(len(body)))
	hdr[4] = byte(f.FrameType())
	dst = append(dst, hdr...)
	dst = append(dst, body...)
	return dst, nil
}

func appendBody(dst []byte, f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case *Begin:
		dst = appendUint64(dst, fr.StreamId)
		dst = appendUint64(dst, fr.ReferenceId)
		dst = appendUint64(dst, fr.CorrelationId)
		dst = appendAddr(dst, fr.LocalAddress)
		dst = appendAddr(dst, fr.RemoteAddress)
		return dst, nil
	case *Data:
		if len(fr.Payload) > MaxPayload {
			return dst, ErrTooLong
		}
		dst = appendUint64(dst, fr.StreamId)
		lenBuf := make([]byte, 2)
		byteOrder.PutUint16(lenBuf, uint16(len(fr.Payload)))
		dst = append(dst, lenBuf...)
		dst = append(dst, fr.Payload...)
		return dst, nil
	case *End:
		return appendUint64(dst, fr.StreamId), nil
	case *Abort:
		return appendUint64(dst, fr.StreamId), nil
	case *Reset:
		return appendUint64(dst, fr.StreamId), nil
	case *Window:
		dst = appendUint64(dst, fr.StreamId)
		creditBuf := make([]byte, 4)
		byteOrder.PutUint32(creditBuf, uint32(fr.Credit))
		return append(dst, creditBuf...), nil
	default:
		return dst, ErrUnknownType
	}
}

func appendUint64(dst []byte, v uint64) []byte {
	buf := make([]byte, 8)
	byteOrder.PutUint64(buf, v)
	return append(dst, buf...)
}

func appendAddr(dst []byte, addr string) []byte {
	lenBuf := make([]byte, 2)
	byteOrder.PutUint16(lenBuf, uint16(len(addr)))
	dst = append(dst, lenBuf...)
	return append(dst, addr...)
}

// DecodeFrame parses exactly one frame from the front of buf.
//
// On success it returns the frame and the number of bytes consumed. If buf
// does not yet contain a whole frame, it returns ErrShort and the caller
// must retry once more bytes have arrived (buf is never mutated).
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < envelopeHeaderLen {
		return nil, 0, ErrShort
	}
	bodyLen := int(byteOrder.Uint32(buf[:4]))
	typ := Type(buf[4])
	total := envelopeHeaderLen + bodyLen
	if len(buf) < total {
		return nil, 0, ErrShort
	}
	body := buf[envelopeHeaderLen:total]
	f, err := decodeBody(typ, body)
	if err != nil {
		return nil, 0, err
	}
	return f, total, nil
}

func decodeBody(typ Type, body []byte) (Frame, error) {
	switch typ {
	case TypeBegin:
		if len(body) < 24+2 {
			return nil, ErrMalformed
		}
		streamID := byteOrder.Uint64(body[0:8])
		refID := byteOrder.Uint64(body[8:16])
		corrID := byteOrder.Uint64(body[16:24])
		local, rest, err := readAddr(body[24:])
		if err != nil {
			return nil, err
		}
		remote, _, err := readAddr(rest)
		if err != nil {
			return nil, err
		}
		return &Begin{StreamId: streamID, ReferenceId: refID, CorrelationId: corrID, LocalAddress: local, RemoteAddress: remote}, nil
	case TypeData:
		if len(body) < 10 {
			return nil, ErrMalformed
		}
		streamID := byteOrder.Uint64(body[0:8])
		plen := int(byteOrder.Uint16(body[8:10]))
		if len(body) != 10+plen {
			return nil, ErrMalformed
		}
		payload := make([]byte, plen)
		copy(payload, body[10:10+plen])
		return &Data{StreamId: streamID, Payload: payload}, nil
	case TypeEnd:
		if len(body) != 8 {
			return nil, ErrMalformed
		}
		return &End{StreamId: byteOrder.Uint64(body)}, nil
	case TypeAbort:
		if len(body) != 8 {
			return nil, ErrMalformed
		}
		return &Abort{StreamId: byteOrder.Uint64(body)}, nil
	case TypeReset:
		if len(body) != 8 {
			return nil, ErrMalformed
		}
		return &Reset{StreamId: byteOrder.Uint64(body)}, nil
	case TypeWindow:
		if len(body) != 12 {
			return nil, ErrMalformed
		}
		return &Window{StreamId: byteOrder.Uint64(body[0:8]), Credit: int32(byteOrder.Uint32(body[8:12]))}, nil
	default:
		return nil, ErrUnknownType
	}
}

func readAddr(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrMalformed
	}
	n := int(byteOrder.Uint16(b[:2]))
	if len(b) < 2+n {
		return "", nil, ErrMalformed
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}
