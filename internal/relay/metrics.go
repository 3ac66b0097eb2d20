package relay

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/valyala/histogram"
)

// relayMetrics groups this relay instance's counters under its own
// *metrics.Set rather than the package-global default set, so that
// more than one Server can run in the same process (tests spin up
// several). This generalizes apiMetrics (pkg/atlas/metrics.go), which
// used the global set because Atlas only ever runs one instance per
// process.
type relayMetrics struct {
	set *metrics.Set

	connectionsAccepted *metrics.Counter
	connectionsClosed   *metrics.Counter
	connectionsRejected *metrics.Counter // reject_* : listener limit, bad accept

	enter struct {
		success  *metrics.Counter
		rejected *metrics.Counter // already bound, missing fields, bad nickname
	}
	set_ struct {
		success  *metrics.Counter
		rejected *metrics.Counter
	}
	bye struct {
		success  *metrics.Counter
		rejected *metrics.Counter
	}
	ping struct {
		success *metrics.Counter
	}
	framing struct {
		failProtocolViolation *metrics.Counter
	}

	idlePings   *metrics.Counter
	idleCloses  *metrics.Counter

	fanoutDropped *metrics.Counter // a peer's send buffer could not absorb a broadcast

	sceneMembers *histogram.Fast // distribution of per-scene member counts at SET time

	scenesActive *metrics.Counter // gauge-like counter: Inc on scene creation, Dec on scene destruction
}

func newRelayMetrics(prefix string) *relayMetrics {
	m := &relayMetrics{set: metrics.NewSet()}
	m.connectionsAccepted = m.set.NewCounter(fmt.Sprintf(`%s_connections_total{result="accepted"}`, prefix))
	m.connectionsClosed = m.set.NewCounter(fmt.Sprintf(`%s_connections_total{result="closed"}`, prefix))
	m.connectionsRejected = m.set.NewCounter(fmt.Sprintf(`%s_connections_total{result="rejected"}`, prefix))

	m.enter.success = m.set.NewCounter(fmt.Sprintf(`%s_requests_total{op="enter",result="success"}`, prefix))
	m.enter.rejected = m.set.NewCounter(fmt.Sprintf(`%s_requests_total{op="enter",result="reject"}`, prefix))
	m.set_.success = m.set.NewCounter(fmt.Sprintf(`%s_requests_total{op="set",result="success"}`, prefix))
	m.set_.rejected = m.set.NewCounter(fmt.Sprintf(`%s_requests_total{op="set",result="reject"}`, prefix))
	m.bye.success = m.set.NewCounter(fmt.Sprintf(`%s_requests_total{op="bye",result="success"}`, prefix))
	m.bye.rejected = m.set.NewCounter(fmt.Sprintf(`%s_requests_total{op="bye",result="reject"}`, prefix))
	m.ping.success = m.set.NewCounter(fmt.Sprintf(`%s_requests_total{op="ping",result="success"}`, prefix))
	m.framing.failProtocolViolation = m.set.NewCounter(fmt.Sprintf(`%s_frames_total{result="fail_protocol_violation"}`, prefix))

	m.idlePings = m.set.NewCounter(fmt.Sprintf(`%s_idle_total{action="ping"}`, prefix))
	m.idleCloses = m.set.NewCounter(fmt.Sprintf(`%s_idle_total{action="close"}`, prefix))

	m.fanoutDropped = m.set.NewCounter(fmt.Sprintf(`%s_fanout_dropped_total`, prefix))

	m.sceneMembers = histogram.NewFast()
	m.scenesActive = m.set.NewCounter(fmt.Sprintf(`%s_scenes_active`, prefix))
	return m
}

// recordSceneSize feeds a scene's member count into the sceneMembers
// distribution, called whenever a SET is fanned out.
func (m *relayMetrics) recordSceneSize(n int) {
	m.sceneMembers.Update(float64(n))
}

func (m *relayMetrics) sceneCreated() { m.scenesActive.Inc() }
func (m *relayMetrics) sceneClosed()  { m.scenesActive.Dec() }
