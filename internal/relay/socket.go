package relay

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrFatal wraps a non-recoverable socket error; callers must close
// the connection when they receive it.
type ErrFatal struct {
	Op  string
	Err error
}

func (e *ErrFatal) Error() string { return fmt.Sprintf("relay: %s: %v", e.Op, e.Err) }
func (e *ErrFatal) Unwrap() error { return e.Err }

// readSocket performs one non-blocking read. EINTR is retried, and
// EAGAIN/EWOULDBLOCK return (0, false, nil), treating them as
// zero-progress success exactly like tcpPacketRead. A zero-byte read
// signals peer close and returns (0, true, nil), which callers must
// translate to a connection close instead of a fatal error.
func readSocket(fd int, buf []byte) (n int, eof bool, err error) {
	for {
		n, err = unix.Read(fd, buf)
		if err == nil {
			if n == 0 {
				return 0, true, nil
			}
			return n, false, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, false, nil
		}
		return 0, false, &ErrFatal{Op: "read", Err: err}
	}
}

// writeSocket performs one non-blocking write attempt, returning the
// number of bytes actually written. EAGAIN/EWOULDBLOCK/EINTR report
// zero progress with a nil error, matching tcpPacketSend.
func writeSocket(fd int, buf []byte) (n int, err error) {
	for {
		n, err = unix.Write(fd, buf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, nil
		}
		return 0, &ErrFatal{Op: "write", Err: err}
	}
}

// send implements the three-arm send contract from SPEC_FULL.md §4.2:
//
//  1. Pending buffer present: try to drain it. A full drain clears
//     the buffer; a partial drain leaves the remaining tail in place.
//     Either way the new payload p is silently dropped (never
//     appended or sent).
//  2. No pending buffer: write p directly. A full write succeeds with
//     nothing buffered; a partial write retains the unwritten tail as
//     the new pending buffer.
//  3. A write error that isn't would-block/EINTR is fatal and is
//     returned for the caller to close the connection.
func (c *Connection) send(p []byte) error {
	if c.hasPending() {
		n, err := writeSocket(c.fd, c.sendBuf)
		if err != nil {
			return err
		}
		if n == len(c.sendBuf) {
			c.sendBuf = nil
		} else {
			c.sendBuf = c.sendBuf[n:]
		}
		return nil
	}

	n, err := writeSocket(c.fd, p)
	if err != nil {
		return err
	}
	if n < len(p) {
		tail := make([]byte, len(p)-n)
		copy(tail, p[n:])
		c.sendBuf = tail
	}
	return nil
}

// drainPending retries writing whatever is left in c.sendBuf, for use
// when the poller reports the socket writable.
func (c *Connection) drainPending() error {
	if !c.hasPending() {
		return nil
	}
	n, err := writeSocket(c.fd, c.sendBuf)
	if err != nil {
		return err
	}
	if n == len(c.sendBuf) {
		c.sendBuf = nil
	} else {
		c.sendBuf = c.sendBuf[n:]
	}
	return nil
}

// closeSocket closes fd with SO_LINGER set to discard unsent data
// immediately, matching tcpPacketCloseSocket's l_onoff=0 policy: a
// relay that is already shedding a back-pressured peer shouldn't
// then block the event loop waiting for that peer's TCP stack to
// acknowledge a graceful close.
func closeSocket(fd int) error {
	_ = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 0, Linger: 0})
	return unix.Close(fd)
}
