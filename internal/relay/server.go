// Package relay implements the single-threaded, non-blocking TCP
// event loop at the core of ndserver: connection and scene
// membership, packet framing, request dispatch, idle eviction, and
// fan-out.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/arpoise/ndserver/internal/wire"
)

// Config tunes the relay core. Zero values are replaced with the
// defaults below by NewServer.
type Config struct {
	// IdleTimeout is T from SPEC_FULL.md §4.6; pings are injected at
	// T/4 and the connection is closed at T. Default 180s.
	IdleTimeout time.Duration

	// PeriodicInterval is how often the idle sweep and statistics
	// logging run, matching ND_PERIODIC_SECONDS. Default 60s.
	PeriodicInterval time.Duration

	// RecvBufferSize bounds a single frame's assembly buffer.
	// Default 8192, matching ND_RECEIVE_BUFFER_LENGTH.
	RecvBufferSize int

	// MaxPendingEvents bounds how many epoll events are drained per
	// wait() call. Default 256.
	MaxPendingEvents int

	// MaxConnections caps the number of simultaneously accepted
	// connections. internal/ndserver also enforces this at the
	// net.Listener level via netutil.LimitListener; this is a second,
	// cheap check in drainIncoming for descriptors handed in directly
	// (e.g. by tests). Zero means unlimited.
	MaxConnections int
}

func (c *Config) setDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 180 * time.Second
	}
	if c.PeriodicInterval == 0 {
		c.PeriodicInterval = 60 * time.Second
	}
	if c.RecvBufferSize == 0 {
		c.RecvBufferSize = 8 * 1024
	}
	if c.MaxPendingEvents == 0 {
		c.MaxPendingEvents = 256
	}
}

// acceptedConn is a connection handed off to the event loop by an
// external accept path (internal/ndserver's net.Listener wrapped in
// netutil.LimitListener). fd must already be non-blocking.
type acceptedConn struct {
	fd   int
	ip   uint32
	port uint16
}

// Server is the relay core: one epoll instance and the
// connection/scene registries it mutates. It is not safe for
// concurrent use — Run's goroutine is the sole owner of its state.
// It does not own a listen socket itself: new connections arrive via
// Accept, which may be called from any goroutine.
type Server struct {
	cfg Config
	log zerolog.Logger

	poll *poller

	registry   *Registry
	scenes     *SceneRegistry
	requestIDs *requestIDCounter
	stats      RollingStats
	metrics    *relayMetrics

	writeInterest map[int]bool

	incoming chan acceptedConn

	monitor *Monitor

	nowFn func() time.Time // overridable for tests
}

// NewServer creates an empty relay core. Connections are fed in via
// Accept once Run is underway.
func NewServer(cfg Config, log zerolog.Logger, metricsPrefix string) (*Server, error) {
	cfg.setDefaults()
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("relay: create poller: %w", err)
	}
	return &Server{
		cfg:           cfg,
		log:           log,
		poll:          p,
		registry:      newRegistry(),
		scenes:        newSceneRegistry(),
		requestIDs:    newRequestIDCounter(),
		metrics:       newRelayMetrics(metricsPrefix),
		writeInterest: make(map[int]bool),
		incoming:      make(chan acceptedConn, 256),
		nowFn:         time.Now,
	}, nil
}

// Accept hands off an already-accepted, already non-blocking
// connection descriptor to the event loop. Safe to call from any
// goroutine: the event loop is the only goroutine that ever touches
// the connection/scene registries, so handoff happens over a channel
// rather than a direct call into them. If the loop's intake queue is
// full, the connection is rejected and closed immediately.
func (s *Server) Accept(fd int, ip uint32, port uint16) {
	select {
	case s.incoming <- acceptedConn{fd: fd, ip: ip, port: port}:
	default:
		s.metrics.connectionsRejected.Inc()
		_ = closeSocket(fd)
	}
}

// MetricsSet returns the underlying *metrics.Set, for wiring into an
// HTTP /metrics handler by internal/ndserver.
func (s *Server) MetricsSet() *metrics.Set { return s.metrics.set }

// AttachMonitor wires a debug monitor that receives a copy of every
// frame sent or received, for SPEC_FULL.md §4.7's SSE debug surface.
func (s *Server) AttachMonitor(m *Monitor) { s.monitor = m }

func (s *Server) now() time.Time { return s.nowFn() }

// ConnectionCount reports the number of currently open connections,
// for status/health reporting.
func (s *Server) ConnectionCount() int { return s.registry.Len() }

// Run drives the event loop until ctx is cancelled. It always closes
// every open connection before returning; the listen socket itself is
// owned by the caller (internal/ndserver), not by the relay core.
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown()

	events := make([]unix.EpollEvent, s.cfg.MaxPendingEvents)
	nextPeriodic := s.now().Add(s.cfg.PeriodicInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.drainIncoming()

		ready, err := s.poll.wait(events, 100)
		if err != nil {
			return fmt.Errorf("relay: poll: %w", err)
		}

		for _, ev := range ready {
			fd := int(ev.Fd)
			switch {
			case ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0:
				if c, ok := s.registry.Get(fd); ok {
					s.closeConnection(c, "socket error")
				}
			default:
				if ev.Events&uint32(eventWritable) != 0 {
					if c, ok := s.registry.Get(fd); ok {
						if err := c.drainPending(); err != nil {
							s.closeConnection(c, "write error")
							continue
						}
						s.syncWriteInterest(c)
					}
				}
				if ev.Events&uint32(eventReadable) != 0 {
					if c, ok := s.registry.Get(fd); ok {
						s.readConnection(c)
					}
				}
			}
		}

		if now := s.now(); !now.Before(nextPeriodic) {
			s.runPeriodic(now)
			nextPeriodic = now.Add(s.cfg.PeriodicInterval)
		}
	}
}

// drainIncoming registers every connection queued on s.incoming since
// the last iteration, matching the original's "accept until
// EWOULDBLOCK" handling inside ndDispatchLoop's listen-socket branch,
// generalized to a channel since accept() itself now happens outside
// the event loop (see Accept).
func (s *Server) drainIncoming() {
	for {
		var ac acceptedConn
		select {
		case ac = <-s.incoming:
		default:
			return
		}
		if s.cfg.MaxConnections > 0 && s.registry.Len() >= s.cfg.MaxConnections {
			s.metrics.connectionsRejected.Inc()
			_ = closeSocket(ac.fd)
			continue
		}
		c := newConnection(ac.fd, ac.ip, ac.port, s.cfg.RecvBufferSize)
		if prev := s.registry.Add(c); prev != nil {
			s.log.Warn().Int("fd", ac.fd).Msg("descriptor reuse raced a prior connection's teardown, closing the stale one")
			s.closeConnection(prev, "descriptor reused")
		}
		if err := s.poll.add(ac.fd, eventReadable); err != nil {
			s.log.Warn().Err(err).Int("fd", ac.fd).Msg("failed to register new connection with poller")
			s.closeConnection(c, "poller registration failed")
			continue
		}
		s.metrics.connectionsAccepted.Inc()
		s.log.Debug().Str("conn", c.id).Msg("accepted")
	}
}

// readConnection drains every frame currently available on c,
// matching ndConnectionRead's "assemble then dispatch, repeat" loop.
func (s *Server) readConnection(c *Connection) {
	buf := make([]byte, 4096)
	for {
		n, eof, err := readSocket(c.fd, buf)
		if err != nil {
			s.closeConnection(c, "read error")
			return
		}
		if eof {
			s.closeConnection(c, "peer closed")
			return
		}
		if n == 0 {
			return
		}
		if err := c.asm.Feed(buf[:n]); err != nil {
			s.metrics.framing.failProtocolViolation.Inc()
			s.log.Debug().Str("conn", c.id).Err(err).Msg("framing violation, closing")
			s.closeConnection(c, "framing violation")
			return
		}
		now := s.now()
		c.lastReceiveTime = now
		c.pingSent = false

		for {
			raw, ok := c.asm.Take()
			if !ok {
				break
			}
			c.packetsRead++
			c.bytesRead += int64(len(raw))
			s.stats.RecordRead(now.Unix(), len(raw))
			s.publishMonitor(true, c, raw)

			f, err := wire.Parse(raw)
			if err != nil {
				s.metrics.framing.failProtocolViolation.Inc()
				s.log.Debug().Str("conn", c.id).Err(err).Msg("malformed frame, closing")
				s.closeConnection(c, "malformed frame")
				return
			}
			if err := s.handleFrame(c, f); err != nil {
				s.metrics.framing.failProtocolViolation.Inc()
				s.log.Debug().Str("conn", c.id).Err(err).Msg("request dispatch error, closing")
				s.closeConnection(c, "dispatch error")
				return
			}
		}

		if n < len(buf) {
			// short read: socket drained for now
			return
		}
	}
}

// syncWriteInterest adds or removes EPOLLOUT interest for c depending
// on whether it has a non-empty pending send buffer, matching
// ndConnectionPrepareWriteSocketMask's per-connection check.
func (s *Server) syncWriteInterest(c *Connection) {
	want := c.hasPending()
	have := s.writeInterest[c.fd]
	if want == have {
		return
	}
	events := uint32(eventReadable)
	if want {
		events |= uint32(eventWritable)
	}
	if err := s.poll.modify(c.fd, events); err != nil {
		s.log.Warn().Err(err).Str("conn", c.id).Msg("failed to update poller write interest")
		return
	}
	s.writeInterest[c.fd] = want
}

// closeConnection tears down c: removes it from its scene's
// membership (if any), the connection registry, and the poller, then
// closes the descriptor. It mirrors ndConnectionClose.
func (s *Server) closeConnection(c *Connection, reason string) {
	if c.memberSceneID != "" {
		if scene, ok := s.scenes.findByID(c.memberSceneID); ok {
			s.scenes.leave(scene, c.fd)
			if _, stillExists := s.scenes.findByID(scene.id); !stillExists {
				s.metrics.sceneClosed()
			}
		}
	}
	s.registry.Remove(c.fd)
	delete(s.writeInterest, c.fd)
	_ = s.poll.remove(c.fd)
	_ = closeSocket(c.fd)
	s.metrics.connectionsClosed.Inc()
	s.log.Debug().Str("conn", c.id).Str("reason", reason).Msg("closed")
}

// runPeriodic performs the 60-second periodic work described in
// SPEC_FULL.md §4.5/§4.6: idle ping/eviction sweep followed by a
// rolling-statistics log line, matching ndDispatchLoop's periodic
// branch.
func (s *Server) runPeriodic(now time.Time) {
	s.sweepIdleConnections(now)

	pr, br, ps, bs := s.stats.Window(now.Unix(), 60)
	s.log.Info().
		Int("connections", s.registry.Len()).
		Int64("packetsRead60s", pr).Int64("bytesRead60s", br).
		Int64("packetsSent60s", ps).Int64("bytesSent60s", bs).
		Msg("periodic statistics")
}

// shutdown closes every open connection and the poller, for use when
// Run's context is cancelled. The listen socket is the caller's to
// close.
func (s *Server) shutdown() {
	var fds []int
	s.registry.Each(func(c *Connection) { fds = append(fds, c.fd) })
	for _, fd := range fds {
		if c, ok := s.registry.Get(fd); ok {
			s.closeConnection(c, "server shutdown")
		}
	}
	_ = s.poll.close()
}

// publishMonitor forwards a copy of a sent/received frame to the
// debug monitor, if attached. It never blocks the event loop: see
// Monitor.publish.
func (s *Server) publishMonitor(in bool, c *Connection, frame []byte) {
	if s.monitor == nil {
		return
	}
	s.monitor.publish(MonitorPacket{
		In:     in,
		Conn:   c.id,
		LogID:  c.logID.String(),
		Length: len(frame),
		Data:   append([]byte(nil), frame...),
	})
}
