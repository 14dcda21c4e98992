package metric

import (
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

func link(a, b byte) common.LinkKey {
	return common.LinkKey{
		From: common.Addr{0, 0, 0, 0, 0, a},
		To:   common.Addr{0, 0, 0, 0, 0, b},
	}
}

func TestHopPathMetricSumsHops(t *testing.T) {
	e := New(TypeHop, Params{})
	path := e.PathMetric([]LinkMetric{1, 1, 1})
	if path != 3 {
		t.Fatalf("PathMetric = %d, want 3", path)
	}
}

func TestRTTProbeReplyYieldsEstimate(t *testing.T) {
	e := New(TypeRTT, Params{Alpha: 5}).(*RTTEngine)
	l := link(1, 2)
	now := common.TicksPerSecond // one ProbePeriod and one SweepPeriod past the epoch

	probes, _ := e.SendProbes(now, []common.LinkKey{l})
	if len(probes) != 1 {
		t.Fatalf("expected 1 probe, got %d", len(probes))
	}
	reply := wire.ProbeReply{Seq: probes[0].Probe.Seq, From: l.To, To: l.From}
	now += 100 * 10_000 // 100ms rtt, in 100ns ticks
	_, m, ok := e.ReceiveProbeReply(reply, now)
	if !ok {
		t.Fatalf("expected a metric update")
	}
	if m == 0 {
		t.Fatalf("expected nonzero RTT estimate")
	}
}

func TestPktPairWindowMinimum(t *testing.T) {
	e := New(TypePktPair, Params{PktPairMinOverProbes: 2}).(*PktPairEngine)
	l := link(1, 2)

	// Simulate two complete sweeps (two gap samples each) by feeding
	// ReceiveProbeReply directly, bypassing the wire round trip.
	gaps := []uint64{100, 90, 50, 80}
	now := common.Tick(0)
	var lastOK bool
	var lastMetric LinkMetric
	for _, g := range gaps {
		reply := wire.ProbeReply{From: l.To, To: l.From, OutIf: 0, InIf: 0}
		reply.Special = make([]byte, 8)
		for i := 0; i < 8; i++ {
			reply.Special[i] = byte(g >> (8 * i))
		}
		now++
		_, m, ok := e.ReceiveProbeReply(reply, now)
		lastOK, lastMetric = ok, m
	}
	if !lastOK {
		t.Fatalf("expected a metric after the second complete sweep")
	}
	if lastMetric == 0 {
		t.Fatalf("expected nonzero window minimum")
	}
}

func TestETXLinkToPathComponent(t *testing.T) {
	e := New(TypeETX, Params{}).(*ETXEngine)
	// Perfect link (loss 0) maps to ETX of exactly 1 (scaled): 4096*4096/4096=4096.
	if got := e.LinkToPathComponent(0); got != 4096 {
		t.Fatalf("LinkToPathComponent(0) = %d, want 4096", got)
	}
	if !e.IsInfinite(4096) {
		t.Fatalf("loss=4096 should be infinite")
	}
}

func TestETXPathMetricSumsPerLinkETX(t *testing.T) {
	e := New(TypeETX, Params{}).(*ETXEngine)
	perfect := e.LinkToPathComponent(0)
	path := e.PathMetric([]LinkMetric{0, 0})
	if path != 2*perfect {
		t.Fatalf("PathMetric = %d, want %d", path, 2*perfect)
	}
}

func TestWCETTPackUnpackRoundTrip(t *testing.T) {
	bwEnc, err := common.EncodeBandwidth(11_000_000)
	if err != nil {
		t.Fatalf("EncodeBandwidth: %v", err)
	}
	m := packWCETT(123, bwEnc, 6)
	loss, bw, ch := unpackWCETT(m)
	if loss != 123 || bw != bwEnc || ch != 6 {
		t.Fatalf("unpack = (%d, %d, %d), want (123, %d, 6)", loss, bw, ch, bwEnc)
	}
}

func TestWCETTPenalizesSameChannelMoreThanDiverse(t *testing.T) {
	e := New(TypeWCETT, Params{Beta: 10, PenaltyFactor: 2}).(*WCETTEngine)
	bwEnc, _ := common.EncodeBandwidth(11_000_000)
	sameChan := []LinkMetric{packWCETT(0, bwEnc, 1), packWCETT(0, bwEnc, 1)}
	diverse := []LinkMetric{packWCETT(0, bwEnc, 1), packWCETT(0, bwEnc, 2)}

	pSame := e.PathMetric(sameChan)
	pDiverse := e.PathMetric(diverse)
	if pSame <= pDiverse {
		t.Fatalf("same-channel path (%d) should cost more than channel-diverse path (%d) at beta=10", pSame, pDiverse)
	}
}

func TestWCETTBetaZeroIsAdditive(t *testing.T) {
	e := New(TypeWCETT, Params{Beta: 0}).(*WCETTEngine)
	bwEnc, _ := common.EncodeBandwidth(11_000_000)
	links := []LinkMetric{packWCETT(0, bwEnc, 1), packWCETT(0, bwEnc, 2)}
	total := e.LinkToPathComponent(links[0]) + e.LinkToPathComponent(links[1])
	if got := e.PathMetric(links); got != total {
		t.Fatalf("PathMetric at beta=0 = %d, want additive total %d", got, total)
	}
}

func TestPenalizeIncreasesMetric(t *testing.T) {
	for _, typ := range []Type{TypeRTT, TypePktPair} {
		e := New(typ, Params{PenaltyFactor: 3})
		if p := e.Penalize(10); p <= 10 {
			t.Fatalf("%s: Penalize(10) = %d, want > 10", typ, p)
		}
	}
}
