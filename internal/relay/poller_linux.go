//go:build linux

package relay

import (
	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance. It is the scale-up replacement for
// the original's select()-based ndConnectionPrepareSocketMask pair:
// select is bounded by FD_SETSIZE (1024) and rebuilds its fd_set from
// scratch every tick, while epoll tracks interest incrementally and
// has no practical descriptor-count ceiling. Readiness is still
// level-triggered, matching select's semantics exactly, and waits are
// still bounded to the same 100ms the original used so that periodic
// work (idle sweep, stats) runs promptly even under a fully idle
// socket set.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

// event bits mirror the readable/writable distinction the dispatch
// loop needs; EPOLLERR/EPOLLHUP are always implicitly reported by
// the kernel regardless of the requested mask.
const (
	eventReadable = unix.EPOLLIN
	eventWritable = unix.EPOLLOUT
)

func (p *poller) add(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (p *poller) modify(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (p *poller) remove(fd int) error {
	// the event argument is ignored for EPOLL_CTL_DEL on modern
	// kernels but older ones require a non-nil pointer
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

// wait blocks for up to timeoutMillis for readiness events, appending
// results into buf and returning the used prefix. EINTR is retried
// with no deadline adjustment, matching the original's handling of a
// signal-interrupted select().
func (p *poller) wait(buf []unix.EpollEvent, timeoutMillis int) ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(p.epfd, buf, timeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		return buf[:n], nil
	}
}
