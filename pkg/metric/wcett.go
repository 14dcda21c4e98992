package metric

import (
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// BetaScale is the fixed-point scale Params.Beta is expressed in (a
// channel-diversity weight of 0..BetaScale, mirroring MaxAlpha).
const BetaScale = 10

// cwMinTicks is the minimum contention window, expressed in 100ns
// ticks (spec.md §4.4: "CWmin = 320 μs" = 3200 ticks). The WCETT
// backoff term (wcettBackoff) runs on half of this.
const cwMinTicks common.Tick = 3200

// backoffIterations is the number of coefficient-2 fixed-point
// iterations spec.md §4.4 specifies for the WCETT backoff polynomial,
// applied before one final coefficient-1 iteration.
const backoffIterations = 6

// wcettFrameBits is the nominal frame size (bytes) used to convert an
// estimated link bandwidth into a transmission time.
const wcettFrameBits = 1500 * 8

// wcettState is per-link bandwidth-probing state, reusing the PktPair
// two-probe inter-arrival technique (spec.md §4.4: WCETT "embeds
// PktPair-style bandwidth probing").
type wcettState struct {
	seq         uint32
	lastArrival common.Tick
	firstGap    uint32
	haveGap     bool
	heard       uint32 // probes heard from this neighbor within LossInterval
	windowStart common.Tick
}

// WCETTEngine combines a bandwidth estimate, a loss probability, and a
// configured radio channel into one non-additive path metric that
// penalizes routes confined to a single channel (spec.md §4.4 "WCETT").
type WCETTEngine struct {
	params   Params
	mu       sync.Mutex
	links    map[common.LinkKey]*wcettState
	channels map[common.IfIndex]uint8
}

func (e *WCETTEngine) Type() Type { return TypeWCETT }

// SetChannel records the radio channel assigned to a local interface; it
// is packed into every WCETT link metric computed for links using that
// interface as their outgoing hop.
func (e *WCETTEngine) SetChannel(ifIndex common.IfIndex, channel uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channels == nil {
		e.channels = make(map[common.IfIndex]uint8)
	}
	e.channels[ifIndex] = channel
}

func (e *WCETTEngine) channelFor(ifIndex common.IfIndex) uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[ifIndex]
}

func packWCETT(loss uint16, bwEnc uint16, channel uint8) LinkMetric {
	return uint32(channel)<<24 | uint32(bwEnc&0x0FFF)<<12 | uint32(loss&0x0FFF)
}

func unpackWCETT(m LinkMetric) (loss uint16, bwEnc uint16, channel uint8) {
	loss = uint16(m & 0x0FFF)
	bwEnc = uint16((m >> 12) & 0x0FFF)
	channel = uint8(m >> 24)
	return
}

func (e *WCETTEngine) IsInfinite(m LinkMetric) bool {
	loss, bwEnc, _ := unpackWCETT(m)
	return loss >= etxScale || bwEnc == 0
}

// ett computes one link's estimated transmission time in ticks:
// Backoff + Transmit (spec.md §4.4). Transmit is added outside the
// loss-dependent backoff term, not scaled by it.
func ett(loss uint16, bwEnc uint16) uint64 {
	if loss >= etxScale {
		return ^uint64(0)
	}
	bw := common.DecodeBandwidth(bwEnc)
	if bw == 0 {
		return ^uint64(0)
	}
	transmit := uint64(wcettFrameBits) * uint64(common.TicksPerSecond) / bw
	return wcettBackoff(loss) + transmit
}

// wcettBackoff evaluates spec.md §4.4's per-link backoff term:
//
//	Backoff = (CWmin/2) · (1 + p + 2p² + 4p³ + 8p⁴ + 16p⁵ + 32p⁶ + 64p⁷) / (1 − p)
//
// via the fixed-point iteration the spec gives in place of expanding
// the polynomial directly: six iterations of
// Temp = (4096·4096 + 2·p·Temp)/4096, then one more iteration with
// coefficient 1 in place of 2. p and Temp share the 4096 fixed-point
// scale (etxScale) loss probabilities already use, so Temp/etxScale is
// the bracketed polynomial's value; the outer "/(1-p)" is applied as
// a separate final division. loss must be < etxScale.
func wcettBackoff(loss uint16) uint64 {
	p := uint64(loss)
	q := uint64(etxScale)

	var temp uint64
	for i := 0; i < backoffIterations; i++ {
		temp = (q*q + 2*p*temp) / q
	}
	temp = (q*q + p*temp) / q

	cwHalf := uint64(cwMinTicks) / 2
	return cwHalf * temp / (q - p)
}

func (e *WCETTEngine) LinkToPathComponent(m LinkMetric) uint64 {
	loss, bwEnc, _ := unpackWCETT(m)
	return ett(loss, bwEnc)
}

// PathMetric implements the non-additive WCETT combine: a weighted sum
// of the total transmission time across all links and the worst single
// channel's transmission time, per spec.md §4.4.
func (e *WCETTEngine) PathMetric(links []LinkMetric) uint64 {
	perChannel := make(map[uint8]uint64)
	var total uint64
	for _, m := range links {
		loss, bwEnc, channel := unpackWCETT(m)
		c := ett(loss, bwEnc)
		if c == ^uint64(0) {
			return ^uint64(0)
		}
		total += c
		perChannel[channel] += c
	}
	var maxChannel uint64
	for _, sum := range perChannel {
		if sum > maxChannel {
			maxChannel = sum
		}
	}
	beta := uint64(e.params.Beta)
	return ((BetaScale-beta)*total + beta*maxChannel) / BetaScale
}

func (e *WCETTEngine) InitLinkMetric(selfOriginating bool, now common.Tick) LinkMetric {
	bwEnc, _ := common.EncodeBandwidth(1_000_000)
	return packWCETT(0, bwEnc, 0)
}

func (e *WCETTEngine) Penalize(m LinkMetric) LinkMetric {
	loss, bwEnc, channel := unpackWCETT(m)
	remaining := etxScale - uint32(loss)
	remaining /= uint32(e.params.PenaltyFactor)
	if remaining == 0 {
		remaining = 1
	}
	newLoss := uint32(etxScale) - remaining
	if newLoss > etxScale-1 {
		newLoss = etxScale - 1
	}
	return packWCETT(uint16(newLoss), bwEnc, channel)
}

func (e *WCETTEngine) state(link common.LinkKey) *wcettState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.links == nil {
		e.links = make(map[common.LinkKey]*wcettState)
	}
	s, ok := e.links[link]
	if !ok {
		s = &wcettState{}
		e.links[link] = s
	}
	return s
}

func (e *WCETTEngine) SendProbes(now common.Tick, neighbors []common.LinkKey) ([]ProbeOut, common.Tick) {
	var out []ProbeOut
	for _, link := range neighbors {
		s := e.state(link)
		e.mu.Lock()
		s.seq++
		seq := s.seq
		e.mu.Unlock()

		base := wire.Probe{
			MetricType: uint32(TypeWCETT),
			ProbeType:  uint32(TypeWCETT),
			Seq:        seq,
			Timestamp:  uint64(now),
			From:       link.From,
			To:         link.To,
			InIf:       uint8(link.InIf),
			OutIf:      uint8(link.OutIf),
		}
		second := base
		second.Special = make([]byte, pktPairPadSize)
		out = append(out, ProbeOut{Link: link, Probe: base}, ProbeOut{Link: link, Probe: second})
	}
	return out, now + e.params.ProbePeriod
}

func (e *WCETTEngine) ReceiveProbe(p wire.Probe, inIf common.IfIndex, now common.Tick) *wire.ProbeReply {
	link := common.LinkKey{From: p.From, To: p.To, InIf: inIf, OutIf: common.IfIndex(p.OutIf)}
	s := e.state(link)

	e.mu.Lock()
	if now-s.windowStart > e.params.LossInterval {
		s.windowStart = now
		s.heard = 0
	}
	s.heard++
	var gap uint64
	if s.lastArrival != 0 {
		gap = uint64(now - s.lastArrival)
	}
	s.lastArrival = now
	heard := s.heard
	e.mu.Unlock()

	out := make([]byte, 12)
	for i := 0; i < 8; i++ {
		out[i] = byte(gap >> (8 * i))
	}
	putLE32(out[8:12], heard)

	return &wire.ProbeReply{
		MetricType: uint32(TypeWCETT),
		ProbeType:  uint32(TypeWCETT),
		Seq:        p.Seq,
		Timestamp:  p.Timestamp,
		From:       p.To,
		To:         p.From,
		InIf:       uint8(inIf),
		OutIf:      p.OutIf,
		Special:    out,
	}
}

func (e *WCETTEngine) ReceiveProbeReply(p wire.ProbeReply, now common.Tick) (common.LinkKey, LinkMetric, bool) {
	link := common.LinkKey{From: p.To, To: p.From, InIf: common.IfIndex(p.OutIf), OutIf: common.IfIndex(p.InIf)}
	if len(p.Special) < 12 {
		return link, 0, false
	}
	var gap uint64
	for i := 0; i < 8; i++ {
		gap |= uint64(p.Special[i]) << (8 * i)
	}
	heard := leUint32(p.Special[8:12])

	s := e.state(link)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !s.haveGap {
		s.firstGap = uint32(gap)
		s.haveGap = true
		return link, 0, false
	}
	bestGap := s.firstGap
	if uint32(gap) > 0 && (bestGap == 0 || uint32(gap) < bestGap) {
		bestGap = uint32(gap)
	}
	s.haveGap = false

	numExpected := e.numWindowProbes()
	loss := uint16(0)
	if numExpected > heard {
		loss = uint16(uint32(etxScale) * (numExpected - heard) / numExpected)
	}

	var bwEnc uint16
	if bestGap > 0 {
		bps := uint64(pktPairPadSize) * 8 * uint64(common.TicksPerSecond) / uint64(bestGap)
		bwEnc, _ = common.EncodeBandwidth(bps)
	}
	channel := e.channelFor(link.OutIf)
	return link, packWCETT(loss, bwEnc, channel), true
}

func (e *WCETTEngine) numWindowProbes() uint32 {
	if e.params.ProbePeriod == 0 {
		return 1
	}
	n := uint32(e.params.LossInterval / e.params.ProbePeriod)
	if n == 0 {
		n = 1
	}
	return n
}
