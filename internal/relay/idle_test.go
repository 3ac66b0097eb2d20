package relay

import (
	"testing"
	"time"
)

func TestSweepIdleConnectionsPingsThenCloses(t *testing.T) {
	s := newTestServer(t)
	s.cfg.IdleTimeout = 4 * time.Second // threshold = 1s

	c, raw := newTestConnection(t, s)
	base := time.Now()
	c.lastReceiveTime = base

	s.nowFn = func() time.Time { return base.Add(1100 * time.Millisecond) }
	s.sweepIdleConnections(s.now())

	if !c.pingSent {
		t.Fatal("a connection idle past the quarter-timeout should be pinged")
	}
	if _, ok := s.registry.Get(c.fd); !ok {
		t.Fatal("a connection merely past the ping threshold must not be closed")
	}
	if got := readAll(t, raw); len(got) == 0 {
		t.Fatal("the idle sweep should have sent a PING frame")
	}

	s.nowFn = func() time.Time { return base.Add(5 * time.Second) }
	s.sweepIdleConnections(s.now())

	if _, ok := s.registry.Get(c.fd); ok {
		t.Fatal("a connection idle past the full timeout should be closed")
	}
}

func TestSweepIdleConnectionsDoesNotRepingBeforeActivity(t *testing.T) {
	s := newTestServer(t)
	s.cfg.IdleTimeout = 4 * time.Second

	c, _ := newTestConnection(t, s)
	base := time.Now()
	c.lastReceiveTime = base
	s.nowFn = func() time.Time { return base.Add(1100 * time.Millisecond) }
	s.sweepIdleConnections(s.now())
	if !c.pingSent {
		t.Fatal("expected a ping on first crossing the quarter-timeout")
	}

	// A later sweep before the full timeout, with no intervening
	// activity, must not re-ping.
	s.nowFn = func() time.Time { return base.Add(2 * time.Second) }
	s.sweepIdleConnections(s.now())
	if !c.pingSent {
		t.Fatal("pingSent should remain true until activity resets it")
	}
}
