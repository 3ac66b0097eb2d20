package relay

import (
	"fmt"
	"unicode"

	"github.com/arpoise/ndserver/internal/wire"
)

// handleFrame parses one complete frame's arguments and routes it to
// the matching request handler, mirroring ndRequestHandle's top-level
// dispatch: it requires at least 4 arguments. A peer's "AN" frame
// (an announcement/acknowledgment, e.g. another relay echoing its own
// fan-out) is logged and otherwise ignored, matching ndDispatch.c's
// handling of non-"RQ" frames; anything else that isn't "RQ" is a
// protocol violation. For "RQ" frames, packetId/connectionId/tag must
// all be non-empty.
func (s *Server) handleFrame(c *Connection, f wire.Frame) error {
	if len(f.Args) < 4 {
		return fmt.Errorf("%w: expected at least 4 arguments, got %d", wire.ErrProtocolViolation, len(f.Args))
	}
	// The forward address is taken from the connection's first frame
	// and kept for the rest of its lifetime.
	if c.packetsRead <= 1 {
		c.forwardIP, c.forwardPort = f.ForwardIP, f.ForwardPort
	}
	if f.Args[0] == "AN" {
		s.log.Debug().Str("conn", c.id).Strs("args", f.Args).Msg("received AN announcement, ignoring")
		return nil
	}
	if f.Args[0] != "RQ" {
		return fmt.Errorf("%w: first argument %q is not RQ", wire.ErrProtocolViolation, f.Args[0])
	}

	packetID, connID, tag := f.Args[1], f.Args[2], f.Args[3]
	if packetID == "" || connID == "" || tag == "" {
		return fmt.Errorf("%w: empty packetId/connectionId/tag", wire.ErrProtocolViolation)
	}

	switch tag {
	case "SET":
		s.handleSet(c, f.Args[4:])
	case "ENTER":
		s.handleEnter(c, f.Args[4:])
	case "PING":
		s.handlePing(c)
	case "BYE":
		s.handleBye(c, f.Args[4:])
	default:
		s.log.Debug().Str("conn", c.id).Str("tag", tag).Msg("unrecognized request tag, ignoring")
	}
	return nil
}

// handleEnter implements ndHandleEnter: a connection that is not yet
// bound to a scene supplies NNM/SCN/SCU; the server assigns a random
// clientId, finds-or-creates the named scene, and acknowledges with
// the assigned identifiers.
func (s *Server) handleEnter(c *Connection, args []string) {
	if c.bound {
		s.metrics.enter.rejected.Inc()
		s.log.Debug().Str("conn", c.id).Msg("ENTER rejected: already bound to a scene")
		return
	}

	fields := parseFields(args)
	nnm, scn, scu := fields["NNM"], fields["SCN"], fields["SCU"]
	if nnm == "" || scn == "" || scu == "" || !startsWithLetter(nnm) {
		s.metrics.enter.rejected.Inc()
		s.log.Debug().Str("conn", c.id).Msg("ENTER rejected: missing or invalid NNM/SCN/SCU")
		return
	}

	c.clientID = randomClientID()
	c.nickname, c.sceneName, c.sceneURL = nnm, scn, scu

	scene := s.scenes.getOrCreate(scu, scn, c.fd)
	if len(scene.members) == 1 {
		s.metrics.sceneCreated()
	}
	c.sceneID = scene.id
	c.memberSceneID = scene.id
	c.bound = true

	s.metrics.enter.success.Inc()
	s.log.Info().Str("conn", c.id).Str("clientId", c.clientID).Str("scene", scu).Msg("ENTER")

	s.reply(c, "HI", "CLID", c.clientID, "SCID", scene.id, "NNM", nnm)
}

// handleSet implements ndHandleSet and the resolved Open Question on
// duplicate SCID/CHID/key-value pairs (SPEC_FULL.md §4.3): the
// arguments are scanned left to right; the first SCID must match the
// connection's bound scene, CHID is recognized and skipped if
// present, and the first remaining pair becomes the broadcast
// key/value. Any further pairs are ignored, matching the single-pass
// loop in the original.
func (s *Server) handleSet(c *Connection, args []string) {
	if !c.bound {
		s.metrics.set_.rejected.Inc()
		s.log.Debug().Str("conn", c.id).Msg("SET rejected: not bound to a scene")
		return
	}

	scid, key, value, ok := parseSetArgs(args, c.sceneID)
	if !ok {
		s.metrics.set_.rejected.Inc()
		s.log.Debug().Str("conn", c.id).Msg("SET rejected: bad SCID or missing key/value")
		return
	}

	s.metrics.set_.success.Inc()
	s.reply(c, "OK")

	scene, ok := s.scenes.findByID(scid)
	if !ok {
		return
	}
	s.metrics.recordSceneSize(len(scene.members))

	for fd := range scene.members {
		if fd == c.fd {
			continue
		}
		peer, ok := s.registry.Get(fd)
		if !ok {
			continue
		}
		s.sendRequest(peer, "SET", "SCID", scid, key, value)
	}
}

// parseSetArgs scans args pair by pair for the broadcast key/value:
// the first SCID is kept (and validated against the connection's own
// scene), CHID pairs are skipped, and the first other pair is the key
// and value to fan out. It stops as soon as both are known; an empty
// key or value rejects the request.
func parseSetArgs(args []string, boundSceneID string) (scid, key, value string, ok bool) {
	havePair := false
	i := 0
	for i < len(args) {
		if i+1 >= len(args) {
			return "", "", "", false
		}
		switch args[i] {
		case "SCID":
			if scid == "" {
				scid = args[i+1]
			}
		case "CHID":
		default:
			if !havePair {
				key, value, havePair = args[i], args[i+1], true
			}
		}
		i += 2
		if scid != "" && havePair {
			if scid != boundSceneID || key == "" || value == "" {
				return "", "", "", false
			}
			return scid, key, value, true
		}
	}
	return "", "", "", false
}

// handlePing implements the inline PONG acknowledgment described in
// SPEC_FULL.md §4.3/§6.
func (s *Server) handlePing(c *Connection) {
	c.lastReceiveTime = s.now()
	c.pingSent = false
	s.metrics.ping.success.Inc()
	s.reply(c, "PONG")
}

// handleBye implements ndHandleBye, including the documented
// leaves-socket-open behavior: CLID must match the connection's own
// clientId, after which the connection's scene binding is cleared but
// the socket itself, and its entry in the scene's membership set, are
// left untouched until the connection eventually closes.
func (s *Server) handleBye(c *Connection, args []string) {
	fields := parseFields(args)
	if !c.bound || fields["CLID"] != c.clientID || c.clientID == "" {
		s.metrics.bye.rejected.Inc()
		s.log.Debug().Str("conn", c.id).Msg("BYE rejected: CLID mismatch or not bound")
		return
	}
	s.metrics.bye.success.Inc()
	s.log.Info().Str("conn", c.id).Str("clientId", c.clientID).Msg("BYE (socket remains open, membership retained)")
	c.unbind()
	s.reply(c, "OK")
}

// parseFields interprets args as alternating KEY/VALUE pairs, keeping
// only the first occurrence of each key, matching the original's
// linear argument scans.
func parseFields(args []string) map[string]string {
	f := make(map[string]string, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if _, exists := f[args[i]]; !exists {
			f[args[i]] = args[i+1]
		}
	}
	return f
}

func startsWithLetter(s string) bool {
	if s == "" {
		return false
	}
	r := rune(s[0])
	return unicode.IsLetter(r) && r < unicode.MaxASCII
}

// reply sends a direct "AN" acknowledgment to c itself (HI, OK, PONG,
// BYE's ack), per ndRequestHandle/ndHandleEnter/ndHandleBye's
// ndArguments[0] = "AN" convention: an AN frame is the server
// answering the connection that just spoke to it, as opposed to a
// server-initiated request addressed to some other connection.
func (s *Server) reply(c *Connection, args ...string) {
	s.sendTagged(c, "AN", args...)
}

// sendRequest sends a server-initiated "RQ" frame to c — fan-out SET
// and idle-timeout PING probes — per ndHandleSet's fan-out loop
// (ndArguments[0] = "RQ") and ndConnectionCheckIdleConnections's ping
// injection (arguments[0] = "RQ"). handleFrame only dispatches "RQ"
// frames; an "AN" frame is logged and otherwise ignored, so these must
// never be sent tagged "AN" or the receiving relay would never act on
// them.
func (s *Server) sendRequest(c *Connection, args ...string) {
	s.sendTagged(c, "RQ", args...)
}

// sendTagged encodes and sends a tag-prefixed frame to c, silently
// dropping it per the non-blocking three-arm send contract if c is
// back-pressured (fan-out never grows a peer's pending buffer).
func (s *Server) sendTagged(c *Connection, tag string, args ...string) {
	full := append([]string{tag, s.requestIDs.next8(), c.id}, args...)
	frame, err := wire.Encode(c.forwardIP, c.forwardPort, full...)
	if err != nil {
		s.log.Warn().Str("conn", c.id).Err(err).Msg("failed to encode outbound frame")
		return
	}
	hadPending := c.hasPending()
	if err := c.send(frame); err != nil {
		s.closeConnection(c, "send error")
		return
	}
	if hadPending {
		s.metrics.fanoutDropped.Inc()
		return
	}
	c.lastSendTime = s.now()
	c.packetsSent++
	c.bytesSent += int64(len(frame))
	s.stats.RecordSent(c.lastSendTime.Unix(), len(frame))
	s.publishMonitor(false, c, frame)
	s.syncWriteInterest(c)
}
