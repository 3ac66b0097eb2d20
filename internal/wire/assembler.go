package wire

import "fmt"

// Assembler reassembles frames out of a stream of partial reads. It
// mirrors ndConnectionReadPacket/ndConnectionRead: reads accumulate
// into a fixed buffer until the 2-byte length prefix is available,
// then until the full frame declared by that length is available, at
// which point Take returns the frame bytes and resets the assembler
// to accept the next one.
type Assembler struct {
	buf       []byte
	filled    int
	expected  int // 0 until the length header has been parsed
}

// NewAssembler allocates an Assembler with the given buffer capacity.
// Capacity should be at least MaxFrameLength+1, since a frame's total
// length may be at most capacity-1; the original used 8192.
func NewAssembler(capacity int) *Assembler {
	return &Assembler{buf: make([]byte, capacity)}
}

// Feed appends freshly-read bytes into the assembly buffer. It
// returns ErrProtocolViolation if the frame would overflow the
// buffer, and also once the length prefix declares a total frame
// length below HeaderLength or above capacity-1.
func (a *Assembler) Feed(p []byte) error {
	if a.filled+len(p) > len(a.buf) {
		return fmt.Errorf("%w: frame exceeds buffer capacity", ErrProtocolViolation)
	}
	copy(a.buf[a.filled:], p)
	a.filled += len(p)

	if a.expected == 0 && a.filled >= 2 {
		total, err := totalFrameLength(a.buf[:2], len(a.buf))
		if err != nil {
			return err
		}
		a.expected = total
	}
	return nil
}

// totalFrameLength derives the full byte count of a frame (prefix
// included) from its 2-byte length field, which per the wire format
// counts only the bytes after itself
// (original_source/src/ndConnection.c:397's bytesExpected = 2 + len).
func totalFrameLength(prefix []byte, bufCap int) (int, error) {
	n := ParseHeader(prefix)
	total := 2 + n
	if total < HeaderLength || total > bufCap-1 {
		return 0, fmt.Errorf("%w: frame length %d out of range", ErrProtocolViolation, n)
	}
	return total, nil
}

// Take returns a complete frame and resets the assembler for the
// next one, or ok=false if a full frame has not yet been fed.
func (a *Assembler) Take() (frame []byte, ok bool) {
	if a.expected == 0 || a.filled < a.expected {
		return nil, false
	}
	frame = make([]byte, a.expected)
	copy(frame, a.buf[:a.expected])

	remaining := a.filled - a.expected
	copy(a.buf, a.buf[a.expected:a.filled])
	a.filled = remaining
	a.expected = 0

	if a.filled >= 2 {
		// A second frame arrived in the same read; immediately
		// re-derive its expected length so Take can be called
		// again without an intervening Feed.
		if total, err := totalFrameLength(a.buf[:2], len(a.buf)); err == nil {
			a.expected = total
		}
	}
	return frame, true
}

// Pending reports how many bytes are buffered waiting for completion,
// for diagnostics only.
func (a *Assembler) Pending() int {
	return a.filled
}
