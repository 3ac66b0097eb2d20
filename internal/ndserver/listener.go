package ndserver

import (
	"fmt"
	"net"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
)

// acceptLoop accepts connections off ln (already wrapped in
// netutil.LimitListener by the caller, so this blocks once the
// configured connection cap is reached rather than accepting
// unboundedly) and hands each one's raw, non-blocking descriptor to
// accept for the single-threaded core to pick up. It returns once
// ln.Accept fails, which happens when ln is closed during shutdown.
func acceptLoop(ln net.Listener, accept func(fd int, ip uint32, port uint16)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		tc, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		fd, ip, port, err := detachFD(tc)
		if err != nil {
			tc.Close()
			continue
		}
		accept(fd, ip, port)
	}
}

// detachFD pulls the raw, non-blocking socket descriptor out of tc so
// the caller can hand it to the relay core's epoll loop, which drives
// raw descriptors directly rather than through net.Conn. It duplicates
// the descriptor first so tc's own Close (or finalizer) doesn't tear
// down the fd we just handed off.
func detachFD(tc *net.TCPConn) (fd int, ip uint32, port uint16, err error) {
	addr, _ := tc.RemoteAddr().(*net.TCPAddr)

	f, err := tc.File()
	if err != nil {
		return -1, 0, 0, fmt.Errorf("detach fd: %w", err)
	}
	dup, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return -1, 0, 0, fmt.Errorf("detach fd: dup: %w", err)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)
		return -1, 0, 0, fmt.Errorf("detach fd: set nonblocking: %w", err)
	}
	tc.Close()

	if addr == nil {
		return dup, 0, 0, nil
	}
	if a4 := addr.IP.To4(); a4 != nil {
		ip = uint32(a4[0])<<24 | uint32(a4[1])<<16 | uint32(a4[2])<<8 | uint32(a4[3])
	}
	port = uint16(addr.Port)
	return dup, ip, port, nil
}

// listenTCP opens a TCP listener on port and, if max > 0, wraps it in
// netutil.LimitListener so the accept loop in acceptLoop naturally
// backpressures once max connections are outstanding, instead of the
// relay core discovering the cap only after accept().
func listenTCP(port int, max int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	if max > 0 {
		ln = netutil.LimitListener(ln, max)
	}
	return ln, nil
}
