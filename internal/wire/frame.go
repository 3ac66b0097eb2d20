// Package wire implements the ndserver binary frame format: a fixed
// 10-byte header followed by a sequence of NUL-terminated argument
// strings. It mirrors the original ndConnection.c/tcpPacket.c framing
// exactly, using encoding/binary in place of manual ntohs/htonl calls.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLength is the number of bytes preceding the first
	// argument string: length, protocol, request code, forward
	// address.
	HeaderLength = 10

	// Protocol is the only protocol version this server accepts.
	Protocol = 1

	// RequestCode is the only request code this server accepts.
	RequestCode = 10

	// MaxFrameLength bounds a single frame, including the header.
	// It matches the original's ND_RECEIVE_BUFFER_LENGTH - 1, since
	// the assembly buffer must hold the frame plus room to detect
	// overflow.
	MaxFrameLength = 8*1024 - 1
)

// ErrProtocolViolation is returned by Parse when a frame is shorter
// than the header or its header fields don't match the single
// protocol/request code this server understands, and by
// Assembler.Feed when a frame does not fit the assembly buffer.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// Frame is a fully decoded packet: header fields plus the argument
// strings that followed the header, with the trailing NUL stripped
// from each.
type Frame struct {
	ForwardIP   uint32
	ForwardPort uint16
	Args        []string
}

// Encode serializes a frame: header plus NUL-terminated args, with the
// 2-byte length prefix backfilled once the total size is known. It
// mirrors ndConnectionSendArguments's two-pass "reserve then backfill"
// approach rather than pre-computing the length, since callers build
// argument lists incrementally. Per the wire format, the length prefix
// counts only the bytes that follow it, not itself
// (original_source/src/ndConnection.c:397's bytesExpected = 2 + len).
func Encode(forwardIP uint32, forwardPort uint16, args ...string) ([]byte, error) {
	buf := make([]byte, HeaderLength, HeaderLength+64)
	buf[2] = Protocol
	buf[3] = RequestCode
	binary.BigEndian.PutUint32(buf[4:8], forwardIP)
	binary.BigEndian.PutUint16(buf[8:10], forwardPort)
	for _, a := range args {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	if len(buf) > MaxFrameLength {
		return nil, fmt.Errorf("wire: encoded frame too large (%d bytes)", len(buf))
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)-2))
	return buf, nil
}

// ParseHeader reads the length prefix out of the first two bytes of a
// header: the number of bytes following the prefix itself, not the
// total frame length. Callers computing a total byte count must add
// back the 2 prefix bytes.
func ParseHeader(b []byte) (length int) {
	return int(binary.BigEndian.Uint16(b[0:2]))
}

// Parse decodes a complete frame, length prefix included, into a
// Frame. b is expected to hold exactly 2 + ParseHeader(b) bytes, as
// Assembler.Take returns them; Parse itself does not compare the
// length prefix with len(b).
func Parse(b []byte) (Frame, error) {
	if len(b) < HeaderLength {
		return Frame{}, fmt.Errorf("%w: frame shorter than header", ErrProtocolViolation)
	}
	if b[2] != Protocol || b[3] != RequestCode {
		return Frame{}, fmt.Errorf("%w: protocol=%d requestCode=%d", ErrProtocolViolation, b[2], b[3])
	}
	f := Frame{
		ForwardIP:   binary.BigEndian.Uint32(b[4:8]),
		ForwardPort: binary.BigEndian.Uint16(b[8:10]),
	}
	f.Args = splitArgs(b[HeaderLength:])
	return f, nil
}

// splitArgs splits a NUL-terminated sequence of strings. A dangling
// final segment with no terminating NUL is dropped, matching the
// original's ndConnectionParseArguments, which only ever appends a
// fully-terminated argument to its list.
func splitArgs(b []byte) []string {
	var args []string
	start := 0
	for i, c := range b {
		if c == 0 {
			args = append(args, string(b[start:i]))
			start = i + 1
		}
	}
	return args
}
