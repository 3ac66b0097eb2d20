package relay

import (
	"time"

	"github.com/rs/xid"

	"github.com/arpoise/ndserver/internal/wire"
)

// Connection is the per-peer state held by the relay core. None of
// its fields are touched by more than one goroutine: the event loop
// is the sole mutator, per the single-threaded dispatch model.
type Connection struct {
	fd int

	// id is the server-assigned connection identifier, derived from
	// fd at accept time and stable for the connection's lifetime.
	id string

	// clientID is assigned at ENTER from a random draw.
	clientID string

	// bound is true once ENTER has succeeded and the connection
	// belongs to a scene.
	bound     bool
	nickname  string // NNM
	sceneName string // SCN
	sceneURL  string // SCU
	sceneID   string

	// memberSceneID tracks which scene's membership set still
	// contains this connection's fd. It survives a BYE's unbind
	// (unlike sceneID, which a BYE clears) because the scene keeps
	// the socket as a member — per the documented leaves-socket-open
	// behavior — until the connection is actually closed.
	memberSceneID string

	clientIP   uint32
	clientPort uint16

	forwardIP   uint32
	forwardPort uint16

	asm     *wire.Assembler
	sendBuf []byte // nil unless a previous write was partial

	startTime       time.Time
	lastReceiveTime time.Time
	lastSendTime    time.Time
	pingSent        bool

	packetsRead int64
	bytesRead   int64
	packetsSent int64
	bytesSent   int64

	// logID is an internal-only correlation id, published with every
	// debug-monitor packet for this connection. It is never sent on
	// the wire, and log lines identify the connection by id instead.
	logID xid.ID

	// geo has room for a one-time country/ASN lookup. newConnection
	// leaves it nil and no code path sets it.
	geo *connGeo
}

type connGeo struct {
	Country string
	ASN     uint32
}

func newConnection(fd int, clientIP uint32, clientPort uint16, bufSize int) *Connection {
	now := time.Now()
	return &Connection{
		fd:              fd,
		id:              hexID(uint32(fd)),
		clientIP:        clientIP,
		clientPort:      clientPort,
		asm:             wire.NewAssembler(bufSize),
		startTime:       now,
		lastReceiveTime: now,
		lastSendTime:    now,
		logID:           xid.New(),
	}
}

// hasPending reports whether the connection has buffered send data
// that still needs to be drained before any new write can proceed.
func (c *Connection) hasPending() bool {
	return len(c.sendBuf) > 0
}

// unbind clears the connection's own scene binding without removing
// it from the scene's membership set. This is the explicit encoding
// of the BYE behavior documented in SPEC_FULL.md §4.3: the socket
// keeps receiving fan-out addressed to the scene until it is closed,
// but can no longer itself SET or BYE again.
func (c *Connection) unbind() {
	c.bound = false
	c.sceneURL = ""
	c.sceneName = ""
	c.sceneID = ""
}
