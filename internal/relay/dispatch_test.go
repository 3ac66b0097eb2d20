package relay

import (
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/arpoise/ndserver/internal/wire"
)

func TestParseSetArgsFirstSCIDWins(t *testing.T) {
	scid, key, value, ok := parseSetArgs([]string{"SCID", "00020002", "SCID", "ignored", "x", "1"}, "00020002")
	if !ok || scid != "00020002" || key != "x" || value != "1" {
		t.Fatalf("got scid=%q key=%q value=%q ok=%v", scid, key, value, ok)
	}
}

func TestParseSetArgsSkipsCHID(t *testing.T) {
	scid, key, value, ok := parseSetArgs([]string{"CHID", "somechannel", "SCID", "00020002", "pos", "1,2,3"}, "00020002")
	if !ok || scid != "00020002" || key != "pos" || value != "1,2,3" {
		t.Fatalf("got scid=%q key=%q value=%q ok=%v", scid, key, value, ok)
	}
}

func TestParseSetArgsRejectsMismatchedScene(t *testing.T) {
	if _, _, _, ok := parseSetArgs([]string{"SCID", "00020002", "x", "1"}, "00030003"); ok {
		t.Fatal("expected rejection for SCID not matching the connection's bound scene")
	}
}

func TestParseFieldsKeepsFirstOccurrence(t *testing.T) {
	f := parseFields([]string{"NNM", "alice", "SCN", "room", "NNM", "duplicate"})
	if f["NNM"] != "alice" || f["SCN"] != "room" {
		t.Fatalf("unexpected fields: %v", f)
	}
}

// newTestServer builds a bare Server; these tests drive
// readConnection/handleFrame directly against connection-only
// socketpairs rather than exercising Accept/drainIncoming.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(Config{}, zerolog.Nop(), "ndserver_test")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.shutdown() })
	return s
}

// newTestConnection returns a *Connection backed by one end of a
// fresh socketpair, registered in s's registry, plus the peer fd that
// a test can write to/read from to simulate a client.
func newTestConnection(t *testing.T, s *Server) (*Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	c := newConnection(fds[0], 0x7f000001, 9000, 8192)
	s.registry.Add(c)
	t.Cleanup(func() { unix.Close(fds[1]) })
	return c, fds[1]
}

func readAll(t *testing.T, fd int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
		if n < len(buf) {
			break
		}
	}
	return out
}

func TestEnterThenSetFanOutToSecondClient(t *testing.T) {
	s := newTestServer(t)

	alice, aliceRaw := newTestConnection(t, s)
	bob, bobRaw := newTestConnection(t, s)

	s.handleEnter(alice, []string{"NNM", "alice", "SCN", "room", "SCU", "http://example/scene"})
	if !alice.bound {
		t.Fatal("alice should be bound after a valid ENTER")
	}
	readAll(t, aliceRaw) // drain alice's HI ack

	s.handleEnter(bob, []string{"NNM", "bob", "SCN", "room", "SCU", "http://example/scene"})
	if bob.sceneID != alice.sceneID {
		t.Fatalf("bob joined a different scene: %s vs %s", bob.sceneID, alice.sceneID)
	}
	readAll(t, bobRaw) // drain bob's HI ack

	s.handleSet(alice, []string{"SCID", alice.sceneID, "pos", "1,2,3"})

	ackBytes := readAll(t, aliceRaw)
	ackFrame, err := wire.Parse(ackBytes)
	if err != nil {
		t.Fatalf("parse alice's ack: %v", err)
	}
	if ackFrame.Args[0] != "AN" {
		t.Fatalf("alice's own SET ack should be tagged AN, got %q", ackFrame.Args[0])
	}

	fanoutBytes := readAll(t, bobRaw)
	fanoutFrame, err := wire.Parse(fanoutBytes)
	if err != nil {
		t.Fatalf("parse bob's fanout: %v", err)
	}
	if fanoutFrame.Args[0] != "RQ" {
		t.Fatalf("fanned-out SET should be tagged RQ so bob's relay actually dispatches it, got %q", fanoutFrame.Args[0])
	}
	if len(fanoutFrame.Args) < 4 || fanoutFrame.Args[3] != "SET" {
		t.Fatalf("fanned-out frame should carry tag SET, got args %v", fanoutFrame.Args)
	}
}

func TestByeUnbindsWithoutClosingSocket(t *testing.T) {
	s := newTestServer(t)
	c, raw := newTestConnection(t, s)

	s.handleEnter(c, []string{"NNM", "alice", "SCN", "room", "SCU", "http://example/scene"})
	readAll(t, raw)
	clientID := c.clientID
	sceneID := c.memberSceneID

	s.handleBye(c, []string{"CLID", clientID})

	if c.bound {
		t.Fatal("BYE should clear the bound flag")
	}
	if c.sceneID != "" {
		t.Fatal("BYE should clear the connection's own scene binding")
	}
	if c.memberSceneID != sceneID {
		t.Fatal("BYE must not clear memberSceneID: the scene still carries this socket as a member until close")
	}
	if _, ok := s.registry.Get(c.fd); !ok {
		t.Fatal("BYE must not remove the connection from the registry")
	}
	if scene, ok := s.scenes.findByID(sceneID); !ok || !sceneHasMember(scene, c.fd) {
		t.Fatal("BYE must leave the connection's fd in the scene's membership set")
	}
}

func sceneHasMember(s *Scene, fd int) bool {
	_, ok := s.members[fd]
	return ok
}

func TestCloseConnectionRemovesSceneMembershipEvenAfterBye(t *testing.T) {
	s := newTestServer(t)
	c, _ := newTestConnection(t, s)

	s.handleEnter(c, []string{"NNM", "alice", "SCN", "room", "SCU", "http://example/scene"})
	sceneID := c.memberSceneID
	s.handleBye(c, []string{"CLID", c.clientID})

	s.closeConnection(c, "test teardown")

	if _, ok := s.scenes.findByID(sceneID); ok {
		t.Fatal("scene should be destroyed once its last member closes, including a member that already sent BYE")
	}
}
