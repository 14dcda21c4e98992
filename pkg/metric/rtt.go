package metric

import (
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// rttState is the per-link probing state for the RTT engine.
type rttState struct {
	seq          uint32
	sentAt       map[uint32]common.Tick
	ewma         uint32 // current metric estimate, in ticks
	lost         uint32
	lastSent     common.Tick
	lastChange   common.Tick // hysteresis timer
}

// RTTEngine estimates link quality from round-trip probe latency,
// EWMA-smoothed with alpha/MaxAlpha, penalizing lost probes
// (spec.md §4.4 "RTT").
type RTTEngine struct {
	params Params
	mu     sync.Mutex
	links  map[common.LinkKey]*rttState
}

func (e *RTTEngine) Type() Type { return TypeRTT }

func (e *RTTEngine) IsInfinite(m LinkMetric) bool { return m == 0xFFFFFFFF }

func (e *RTTEngine) LinkToPathComponent(m LinkMetric) uint64 { return uint64(m) }

func (e *RTTEngine) PathMetric(links []LinkMetric) uint64 {
	var sum uint64
	for _, m := range links {
		sum += uint64(m)
	}
	return sum
}

func (e *RTTEngine) InitLinkMetric(bool, common.Tick) LinkMetric {
	return uint32(common.FromDuration(1_000_000)) // arbitrary optimistic seed
}

func (e *RTTEngine) Penalize(m LinkMetric) LinkMetric {
	penalized := uint64(m) * uint64(e.params.PenaltyFactor)
	if penalized > 0xFFFFFFFE {
		return 0xFFFFFFFF
	}
	return uint32(penalized)
}

func (e *RTTEngine) state(link common.LinkKey) *rttState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.links == nil {
		e.links = make(map[common.LinkKey]*rttState)
	}
	s, ok := e.links[link]
	if !ok {
		s = &rttState{sentAt: make(map[uint32]common.Tick)}
		e.links[link] = s
	}
	return s
}

func (e *RTTEngine) SendProbes(now common.Tick, neighbors []common.LinkKey) ([]ProbeOut, common.Tick) {
	next := now + e.params.ProbePeriod
	var out []ProbeOut
	for _, link := range neighbors {
		s := e.state(link)
		e.mu.Lock()
		due := s.lastSent+e.params.ProbePeriod <= now
		if due {
			s.seq++
			seq := s.seq
			s.sentAt[seq] = now
			s.lastSent = now
		}
		e.mu.Unlock()
		if !due {
			continue
		}
		out = append(out, ProbeOut{
			Link: link,
			Probe: wire.Probe{
				MetricType: uint32(TypeRTT),
				ProbeType:  uint32(TypeRTT),
				Seq:        s.seq,
				Timestamp:  uint64(now),
				From:       link.From,
				To:         link.To,
				InIf:       uint8(link.InIf),
				OutIf:      uint8(link.OutIf),
			},
		})
	}
	return out, next
}

func (e *RTTEngine) ReceiveProbe(p wire.Probe, inIf common.IfIndex, now common.Tick) *wire.ProbeReply {
	return &wire.ProbeReply{
		MetricType: uint32(TypeRTT),
		ProbeType:  uint32(TypeRTT),
		Seq:        p.Seq,
		Timestamp:  p.Timestamp,
		From:       p.To,
		To:         p.From,
		InIf:       uint8(inIf),
		OutIf:      p.OutIf,
	}
}

func (e *RTTEngine) ReceiveProbeReply(p wire.ProbeReply, now common.Tick) (common.LinkKey, LinkMetric, bool) {
	link := common.LinkKey{From: p.To, To: p.From, InIf: common.IfIndex(p.OutIf), OutIf: common.IfIndex(p.InIf)}
	s := e.state(link)

	e.mu.Lock()
	defer e.mu.Unlock()

	sentAt, ok := s.sentAt[p.Seq]
	if !ok {
		return link, 0, false
	}
	delete(s.sentAt, p.Seq)

	sample := uint32(now - sentAt)
	if s.ewma == 0 {
		s.ewma = sample
	} else {
		alpha := uint64(e.params.Alpha)
		s.ewma = uint32((alpha*uint64(sample) + (uint64(MaxAlpha)-alpha)*uint64(s.ewma)) / uint64(MaxAlpha))
	}

	changed := s.lastChange+e.params.SweepPeriod <= now
	if changed {
		s.lastChange = now
		return link, s.ewma, true
	}
	return link, s.ewma, false
}
