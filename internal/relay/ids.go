package relay

import (
	"fmt"

	"github.com/valyala/fastrand"
)

// hexID formats v as the 8 lowercase hex digit identifier used
// throughout the wire protocol for connection, client, request, and
// scene identifiers.
func hexID(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// requestIDCounter produces server-assigned request identifiers.
// Values start at 0x10000, matching ndConnectionUpdateRequestId, so
// that the low 16 bits stay free for a connection's own numbering
// without the two ever colliding in the traces the original left
// around for diagnostics.
type requestIDCounter struct {
	next uint32
}

func newRequestIDCounter() *requestIDCounter {
	return &requestIDCounter{next: 0x10000}
}

func (c *requestIDCounter) next8() string {
	id := c.next
	c.next++
	return hexID(id)
}

// sceneIDCounter produces scene identifiers starting at 0x20000,
// matching tcpSceneCreate's static _sceneId counter.
type sceneIDCounter struct {
	next uint32
}

func newSceneIDCounter() *sceneIDCounter {
	return &sceneIDCounter{next: 0x20000}
}

func (c *sceneIDCounter) next8() string {
	id := c.next
	c.next++
	return hexID(id)
}

// randomClientID draws a random client identifier at ENTER time,
// using fastrand in place of the original's pblRand().
func randomClientID() string {
	return hexID(fastrand.Uint32())
}
