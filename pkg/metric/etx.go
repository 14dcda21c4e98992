package metric

import (
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// etxScale is the fixed-point scale for loss probabilities and ETX
// values (spec.md §4.4: "scaled by 4096").
const etxScale = 4096

// etxEntry is one neighbor's tally, mirroring the original EtxProbe
// Entry (from, outIf, inIf, received-count).
type etxEntry struct {
	from       common.Addr
	outIf      common.IfIndex
	inIf       common.IfIndex
	rcvd       uint32
}

// etxState is per-neighbor bookkeeping for the ETX engine: how many of
// our broadcast probes the neighbor has acknowledged hearing (reverse
// delivery, learned from their probes) and how many of their probes we
// have heard (forward delivery).
type etxState struct {
	heardTimestamps []common.Tick // arrival times of probes heard from this neighbor, trimmed to LossInterval
	lastRevDeliv    uint32        // last count of ours this neighbor reported hearing
	lastNumProbes   uint32
}

// ETXEngine estimates the Expected Transmission Count of a link from
// bidirectional broadcast-probe delivery ratios (spec.md §4.4 "ETX").
type ETXEngine struct {
	params Params
	mu     sync.Mutex
	states map[common.LinkKey]*etxState
	seq    uint32
}

func (e *ETXEngine) Type() Type { return TypeETX }

func (e *ETXEngine) IsInfinite(m LinkMetric) bool { return m >= etxScale }

// LinkToPathComponent converts a loss probability (scaled by 4096) into
// an ETX value: 4096*4096 / (4096 - loss) (spec.md §4.4).
func (e *ETXEngine) LinkToPathComponent(m LinkMetric) uint64 {
	if m >= etxScale {
		return ^uint64(0)
	}
	return uint64(etxScale) * uint64(etxScale) / uint64(etxScale-m)
}

func (e *ETXEngine) PathMetric(links []LinkMetric) uint64 {
	var sum uint64
	for _, m := range links {
		sum += e.LinkToPathComponent(m)
	}
	return sum
}

func (e *ETXEngine) InitLinkMetric(bool, common.Tick) LinkMetric { return 0 }

func (e *ETXEngine) Penalize(m LinkMetric) LinkMetric {
	remaining := etxScale - m
	if remaining == 0 {
		return etxScale - 1
	}
	remaining /= uint32(e.params.PenaltyFactor)
	if remaining == 0 {
		remaining = 1
	}
	newLoss := etxScale - remaining
	if newLoss > etxScale-1 {
		newLoss = etxScale - 1
	}
	return newLoss
}

func (e *ETXEngine) state(link common.LinkKey) *etxState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.states == nil {
		e.states = make(map[common.LinkKey]*etxState)
	}
	s, ok := e.states[link]
	if !ok {
		s = &etxState{}
		e.states[link] = s
	}
	return s
}

// numProbesExpected is how many broadcast probes we expect to have seen
// in one LossInterval, from either side.
func (e *ETXEngine) numProbesExpected() uint32 {
	if e.params.ProbePeriod == 0 {
		return 1
	}
	n := uint32(e.params.LossInterval / e.params.ProbePeriod)
	if n == 0 {
		n = 1
	}
	return n
}

// SendProbes broadcasts one ETX probe per neighbor interface, carrying
// our tally of probes heard from each neighbor over LossInterval.
func (e *ETXEngine) SendProbes(now common.Tick, neighbors []common.LinkKey) ([]ProbeOut, common.Tick) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	numExpected := e.numProbesExpected()
	var out []ProbeOut
	for _, link := range neighbors {
		s := e.state(link)
		e.mu.Lock()
		s.heardTimestamps = trimToWindow(s.heardTimestamps, now, e.params.LossInterval)
		heard := uint32(len(s.heardTimestamps))
		e.mu.Unlock()

		special := encodeEtxTally([]etxEntry{{from: link.To, outIf: link.OutIf, inIf: link.InIf, rcvd: heard}})
		out = append(out, ProbeOut{
			Link:      link,
			Broadcast: true,
			Probe: wire.Probe{
				MetricType: uint32(TypeETX),
				ProbeType:  uint32(TypeETX),
				Seq:        seq,
				Timestamp:  uint64(now),
				From:       link.From,
				To:         link.To,
				InIf:       uint8(link.InIf),
				OutIf:      uint8(link.OutIf),
				Metric:     numExpected,
				Special:    special,
			},
		})
	}
	return out, now + e.params.ProbePeriod
}

// ReceiveProbe records that a broadcast probe was heard from the sender,
// and extracts the sender's tally of how many of our probes it heard
// (the reverse-delivery count for our outgoing link to it). ETX has no
// unicast reply (spec.md §4.4: "not used by HOP, ETX").
func (e *ETXEngine) ReceiveProbe(p wire.Probe, inIf common.IfIndex, now common.Tick) *wire.ProbeReply {
	link := common.LinkKey{From: p.From, To: p.To, InIf: inIf, OutIf: common.IfIndex(p.OutIf)}
	s := e.state(link)

	e.mu.Lock()
	defer e.mu.Unlock()
	s.heardTimestamps = append(trimToWindow(s.heardTimestamps, now, e.params.LossInterval), now)

	entries := decodeEtxTally(p.Special)
	for _, ent := range entries {
		if ent.from == p.To { // the sender reporting how many of *our* probes it heard
			s.lastRevDeliv = ent.rcvd
			s.lastNumProbes = p.Metric
		}
	}
	return nil
}

// ReceiveProbeReply is unused by ETX; broadcast probes carry all the
// state needed in ReceiveProbe.
func (e *ETXEngine) ReceiveProbeReply(wire.ProbeReply, common.Tick) (common.LinkKey, LinkMetric, bool) {
	return common.LinkKey{}, 0, false
}

// ComputeLossProb computes the link loss probability from this node's
// observed forward-delivery count and the neighbor's last-reported
// reverse-delivery count, per spec.md §4.4 / the original etx.c formula:
// Prob = (4096*FwdDeliv*RevDeliv)/(NumProbes^2), capped at 4096,
// LossProb = 4096 - Prob.
func (e *ETXEngine) ComputeLossProb(link common.LinkKey) (LinkMetric, bool) {
	s := e.state(link)
	e.mu.Lock()
	defer e.mu.Unlock()

	numProbes := e.numProbesExpected()
	fwdDeliv := uint32(len(s.heardTimestamps))
	revDeliv := s.lastRevDeliv
	if s.lastNumProbes != 0 {
		numProbes = s.lastNumProbes
	}
	if numProbes == 0 {
		return 0, false
	}

	prob := uint64(etxScale) * uint64(fwdDeliv) * uint64(revDeliv) / (uint64(numProbes) * uint64(numProbes))
	if prob > etxScale {
		prob = etxScale
	}
	loss := uint32(etxScale) - uint32(prob)
	if loss >= etxScale {
		loss = etxScale - 1
	}
	return loss, true
}

func trimToWindow(ts []common.Tick, now common.Tick, window common.Tick) []common.Tick {
	cutoff := now - window
	out := ts[:0]
	for _, t := range ts {
		if t >= cutoff {
			out = append(out, t)
		}
	}
	return out
}

func encodeEtxTally(entries []etxEntry) []byte {
	buf := make([]byte, 4+len(entries)*14)
	putLE32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, ent := range entries {
		copy(buf[off:off+6], ent.from[:])
		buf[off+6] = byte(ent.outIf)
		buf[off+7] = byte(ent.inIf)
		putLE16(buf[off+8:off+10], uint16(ent.rcvd))
		off += 14
	}
	return buf
}

func decodeEtxTally(data []byte) []etxEntry {
	if len(data) < 4 {
		return nil
	}
	n := leUint32(data[0:4])
	var out []etxEntry
	off := 4
	for i := uint32(0); i < n && off+14 <= len(data); i++ {
		var ent etxEntry
		copy(ent.from[:], data[off:off+6])
		ent.outIf = common.IfIndex(data[off+6])
		ent.inIf = common.IfIndex(data[off+7])
		ent.rcvd = uint32(leUint16(data[off+8 : off+10]))
		out = append(out, ent)
		off += 14
	}
	return out
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
