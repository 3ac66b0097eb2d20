package relay

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/arpoise/ndserver/internal/wire"
)

func TestReadConnectionMalformedFrameCloses(t *testing.T) {
	s := newTestServer(t)
	c, raw := newTestConnection(t, s)

	// valid length header but a protocol byte the server rejects
	b, _ := wire.Encode(0, 0, "RQ", "1")
	b[2] = 9 // bad protocol number
	if _, err := unix.Write(raw, b); err != nil {
		t.Fatalf("write: %v", err)
	}

	s.readConnection(c)

	if _, ok := s.registry.Get(c.fd); ok {
		t.Fatal("a malformed frame must close the connection")
	}
}

func TestReadConnectionFullEnterRequestViaWireBytes(t *testing.T) {
	s := newTestServer(t)
	c, raw := newTestConnection(t, s)

	b, err := wire.Encode(0x7f000001, 9000, "RQ", "1", "1", "ENTER", "NNM", "alice", "SCN", "room", "SCU", "http://example/scene")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := unix.Write(raw, b); err != nil {
		t.Fatalf("write: %v", err)
	}

	s.readConnection(c)

	if !c.bound {
		t.Fatal("a well-formed ENTER frame should bind the connection to a scene")
	}
	if got := readAll(t, raw); len(got) == 0 {
		t.Fatal("expected a HI acknowledgment frame")
	}
}

func TestReadConnectionHandlesSplitFrameAcrossTwoReads(t *testing.T) {
	s := newTestServer(t)
	c, raw := newTestConnection(t, s)

	b, _ := wire.Encode(0, 0, "RQ", "1", "1", "PING")
	half := len(b) / 2
	if _, err := unix.Write(raw, b[:half]); err != nil {
		t.Fatalf("write first half: %v", err)
	}
	s.readConnection(c)
	if c.lastReceiveTime.IsZero() {
		t.Fatal("lastReceiveTime should be set even on a partial read")
	}

	if _, err := unix.Write(raw, b[half:]); err != nil {
		t.Fatalf("write second half: %v", err)
	}
	s.readConnection(c)

	if got := readAll(t, raw); len(got) == 0 {
		t.Fatal("a PING split across two reads should still be answered with PONG")
	}
}
