package adapter

import (
	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/forwarder"
	"github.com/lqsrnet/meshcore/pkg/maintbuf"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// LinkInfoPeriod is how often a node floods its own link set so
// neighbors can build a two-hop view without waiting on probes or
// Route Request snooping (spec.md §4.9's LinkInfo option; the original
// left the exact interval to the metric engine's probe period, since a
// probe-light engine like HOP never generates the inbound traffic
// LinkInfo substitutes for).
const LinkInfoPeriod common.Tick = 2 * common.TicksPerSecond

// Tick runs one pass of the periodic timer in the fixed order spec.md
// §5 prescribes: metric probing, delayed-broadcast dequeue, send-buffer
// scan, maintenance-buffer tick (plus salvage for any packet on a newly
// failed link; no Route Error is sent), piggyback flush, and periodic
// LinkInfo. It
// returns the tick at which Tick should next be called, the minimum of
// every sub-step's own next-deadline.
func (v *VirtualAdapter) Tick(now common.Tick) common.Tick {
	v.mu.Lock()
	v.clockTick = now
	v.mu.Unlock()

	next := now + common.TicksPerSecond // fallback cadence if nothing else schedules sooner

	if d := v.tickProbes(now); d < next {
		next = d
	}
	if d := v.tickBroadcast(now); d < next {
		next = d
	}
	v.SendBuf.Check(now, v)
	v.tickMaintenance(now)
	if d := v.tickPiggyback(now); d < next {
		next = d
	}
	if d := v.tickLinkInfo(now); d < next {
		next = d
	}

	if v.metrics != nil {
		v.metrics.SendBufferDepth.Set(float64(v.SendBuf.Len()))
		v.metrics.SendBufferHighWater.Set(float64(v.SendBuf.HighWater()))
		st := v.MaintBuf.Stats()
		v.metrics.MaintBufferDepth.Set(float64(st.NumPackets))
		v.metrics.MaintBufferHighWater.Set(float64(st.HighWater))
		v.metrics.BroadcastQueueDepth.Set(float64(v.Broadcast.Len()))
		v.metrics.LinkCacheDegree.Set(float64(v.Links.MyDegree()))
	}

	return next
}

// tickProbes drives the active metric engine's Prober half: send any
// due probes to every currently known link (spec.md §4.4's
// send_probes), and returns the tick at which probing should resume.
func (v *VirtualAdapter) tickProbes(now common.Tick) common.Tick {
	if v.Prober == nil {
		return now + common.TicksPerSecond
	}
	links := v.Links.MyLinks()
	neighbors := make([]common.LinkKey, len(links))
	for i, l := range links {
		neighbors[i] = common.LinkKey{From: l.From, To: l.To, InIf: l.InIf, OutIf: l.OutIf}
	}
	probes, deadline := v.Prober.SendProbes(now, neighbors)
	for _, p := range probes {
		opts := []wire.Option{p.Probe}
		if p.Broadcast {
			v.broadcastOn(p.Link.OutIf, opts)
		} else if err := v.transmitTo(p.Link.To, p.Link.OutIf, opts, nil, 0); err != nil && v.metrics != nil {
			v.metrics.ObserveFrameError("probe_send_failed")
		}
	}
	return deadline
}

// broadcastOn sends opts out exactly one interface, for probes a metric
// engine wants flooded to every neighbor at once rather than addressed
// to one.
func (v *VirtualAdapter) broadcastOn(outIf common.IfIndex, opts []wire.Option) {
	iv, err := v.randomIV()
	if err != nil {
		return
	}
	buf := make([]byte, maxFrameSize)
	n, err := v.codec.Encode(&wire.Packet{Options: opts}, iv, buf)
	if err != nil {
		return
	}
	if _, err := v.link.Submit(outIf, buf[:n]); err != nil && v.metrics != nil {
		v.metrics.ObserveFrameError("broadcast_submit_failed")
	}
}

// tickBroadcast dequeues and floods every Route Request whose jitter
// delay and the global rate limit now permit (spec.md §4.9's
// BroadcastQueue), one flood per bound interface per request, each
// carrying that interface's index as the newest hop's InIf/OutIf.
func (v *VirtualAdapter) tickBroadcast(now common.Tick) common.Tick {
	for {
		req, ok := v.Broadcast.Dequeue(now)
		if !ok {
			break
		}
		v.mu.Lock()
		ifaces := make([]common.IfIndex, 0, len(v.ifaces))
		for idx := range v.ifaces {
			ifaces = append(ifaces, idx)
		}
		v.mu.Unlock()

		for _, idx := range ifaces {
			hopList := make([]wire.SRAddr, len(req.HopList))
			copy(hopList, req.HopList)
			if len(hopList) > 0 {
				hopList[len(hopList)-1].OutIf = uint8(idx)
			}
			flooded := &wire.RouteRequest{Identifier: req.Identifier, Target: req.Target, HopList: hopList}
			v.broadcastOn(idx, []wire.Option{flooded})
		}
		if v.metrics != nil {
			v.metrics.BroadcastQueueDropped.Add(float64(v.Broadcast.Dropped()))
		}
	}
	return now + forwarder.MinBroadcastGap
}

// tickMaintenance runs the maintenance buffer's retransmit/failure
// sweep (spec.md §4.7), penalizing every newly failed link and
// attempting salvage of each failed packet before giving up. No Route
// Error is sent toward a failed packet's origin.
func (v *VirtualAdapter) tickMaintenance(now common.Tick) {
	failedLinks, failed := v.MaintBuf.Tick(now, v.transmitMaint)

	for _, fl := range failedLinks {
		v.Links.PenalizeLink(v.Self, fl.Addr, fl.InIf, fl.OutIf, now)
		if v.metrics != nil {
			v.metrics.LinksTimedOut.Inc()
		}
	}

	for _, f := range failed {
		salvaged := true
		fdone := f.Done
		done := func(p *maintbuf.Packet, err error) {
			if err != nil {
				salvaged = false
			}
			if fdone != nil {
				fdone(p, err)
			}
		}
		v.MaintBuf.Salvage(f.Pkt, now, v.Links.FillSR, func(sr *wire.SourceRoute) error {
			return v.Links.UseSR(v.Self, sr, v.MaintBuf.OutstandingOnInterface)
		}, v.transmitMaint, done)
		if v.metrics != nil {
			if salvaged {
				v.metrics.PacketsSalvaged.Inc()
			} else {
				v.metrics.SalvageFailed.Inc()
			}
		}
	}
}

// tickPiggyback flushes every destination whose oldest pending option
// has passed its coalescing deadline, as a standalone empty-payload
// frame (spec.md §4.8's Timeout sweep).
func (v *VirtualAdapter) tickPiggyback(now common.Tick) common.Tick {
	for _, expired := range v.Piggyback.Timeout(now) {
		v.broadcast(expired.Options)
		if v.metrics != nil {
			v.metrics.PiggybackPending.Set(float64(v.Piggyback.Pending(expired.Dest)))
		}
	}
	return now + piggybackSweepPeriod
}

// piggybackSweepPeriod bounds how long an expired piggybacked option can
// wait before the next sweep notices it; shorter than every coalescing
// window so none of them overshoots its own deadline by more than this.
const piggybackSweepPeriod common.Tick = 20 * 10_000 // 20ms

// tickLinkInfo periodically floods this node's current link set so
// neighbors can refresh their two-hop view (spec.md §4.9's LinkInfo).
func (v *VirtualAdapter) tickLinkInfo(now common.Tick) common.Tick {
	links := v.Links.MyLinks()
	if len(links) == 0 {
		return now + LinkInfoPeriod
	}
	hops := make([]wire.SRAddr, len(links))
	for i, l := range links {
		hops[i] = wire.SRAddr{Addr: l.To, InIf: uint8(l.InIf), OutIf: uint8(l.OutIf), Metric: l.Metric}
	}
	li := wire.LinkInfo{From: v.Self, Links: hops}
	v.broadcast([]wire.Option{li})
	return now + LinkInfoPeriod
}
