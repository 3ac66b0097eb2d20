package relay

import "time"

// sweepIdleConnections implements ndConnectionCheckIdleConnections:
// a connection idle for at least IdleTimeout/4 is sent a synthetic
// PING (once, until it next receives anything); one idle for the
// full IdleTimeout is closed. Candidates are collected first and
// acted on afterward so that closing one connection never disturbs
// the iteration over the rest, matching the original's
// collect-then-restart idiom without actually needing to restart.
func (s *Server) sweepIdleConnections(now time.Time) {
	pingThreshold := s.cfg.IdleTimeout / 4

	var toPing, toClose []int
	s.registry.Each(func(c *Connection) {
		recvIdle := now.Sub(c.lastReceiveTime)
		sendIdle := now.Sub(c.lastSendTime)
		switch {
		case recvIdle >= s.cfg.IdleTimeout:
			toClose = append(toClose, c.fd)
		case recvIdle >= pingThreshold && sendIdle >= pingThreshold && !c.pingSent:
			toPing = append(toPing, c.fd)
		}
	})

	for _, fd := range toPing {
		if c, ok := s.registry.Get(fd); ok {
			c.pingSent = true
			s.metrics.idlePings.Inc()
			s.sendRequest(c, "PING")
		}
	}
	for _, fd := range toClose {
		if c, ok := s.registry.Get(fd); ok {
			s.metrics.idleCloses.Inc()
			s.closeConnection(c, "idle timeout")
		}
	}
}
