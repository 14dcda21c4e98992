package forwarder

import (
	"math/rand"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// ReceiveContext carries the per-frame facts every dispatch step needs:
// which physical interface the frame arrived on, and the current time.
type ReceiveContext struct {
	InIf common.IfIndex
	Now  common.Tick
}

// Callbacks is the narrow set of side effects Dispatch drives, kept free
// of any concrete dependency on linkcache/maintbuf/reqtable/neighbor/
// metric/piggyback so this package stays independently testable; an
// adapter wires each method to the real component. Mirrors the
// dependency-injection style of sendbuf.Callbacks and maintbuf's
// functional parameters.
type Callbacks interface {
	// UpdateLinkInfo folds a received LinkInfo option's link summary
	// into the link cache (spec.md §4.9 step 1).
	UpdateLinkInfo(li wire.LinkInfo, ctx ReceiveContext)

	// UpdateRouteMetadata folds the observed last-hop metric of a
	// SourceRoute's or RouteRequest's hop list into the link cache
	// (spec.md §4.9 "fill in the observed last-hop metric"; ordered
	// right after LinkInfo per spec.md §5 so later steps in the same
	// frame see the refreshed link cache).
	UpdateRouteMetadata(hopList []wire.SRAddr, ctx ReceiveContext)

	// ReceiveProbe feeds a Probe typed for us into the active metric
	// engine, returning a reply to send if one is warranted (spec.md
	// §4.9 step 2).
	ReceiveProbe(p wire.Probe, ctx ReceiveContext) (reply *wire.ProbeReply, ok bool)
	// SendProbeReply transmits a probe reply constructed by ReceiveProbe.
	SendProbeReply(reply wire.ProbeReply, ctx ReceiveContext)
	// ReceiveProbeReply feeds a ProbeReply addressed to us into the
	// active metric engine.
	ReceiveProbeReply(pr wire.ProbeReply, ctx ReceiveContext)

	// ReceiveInfoRequest builds the Info option to answer an
	// InfoRequest, if one should be sent (spec.md §4.9 step 3).
	ReceiveInfoRequest(ir wire.InfoRequest, ctx ReceiveContext) (info wire.Info, ok bool)
	// SendInfo transmits an Info option back toward source.
	SendInfo(source common.Addr, info wire.Info, ctx ReceiveContext)
	// ReceiveInfo is invoked for an Info option addressed to us,
	// completing the round trip SendInfoRequest initiated.
	ReceiveInfo(info wire.Info, ctx ReceiveContext)

	// ScheduleAck arranges for an ACK to be sent for an AckReq
	// addressed to us (spec.md §4.9 step 4).
	ScheduleAck(req wire.AckReq, from common.Addr, ctx ReceiveContext)
	// ConsumeAck feeds an Ack addressed to us into the maintenance
	// buffer (spec.md §4.9 step 5).
	ConsumeAck(ack wire.Ack, ctx ReceiveContext)

	// DeliverLocally decrypts, strips headers and indicates pkt upward
	// via the virtual adapter (spec.md §4.9 step 6, segmentsLeft==0).
	DeliverLocally(pkt *wire.Packet, ctx ReceiveContext)
	// ForwardPacket re-runs LinkCacheUseSR and MaintBufSendPacket for a
	// SourceRoute packet whose segmentsLeft is still nonzero after
	// Advance (spec.md §4.9 step 6, else branch).
	ForwardPacket(pkt *wire.Packet, sr *wire.SourceRoute, ctx ReceiveContext) error
	// EmitRouteReply sends a Route Reply toward origin conveying the
	// hop list accumulated so far (spec.md §4.9 steps 6 and 7).
	EmitRouteReply(origin common.Addr, reply wire.RouteReply, ctx ReceiveContext)
	// ReceiveRouteReply handles a Route Reply option arriving on this
	// frame: the reply's hop list conveys observed link metrics for
	// every hop of a discovered route (spec.md §4.9's "Route Reply
	// generation" describes sending one; a relay or the originator
	// still has to consume it). Implementations fold every hop pair
	// into the link cache and, if self is not yet the origin, relay
	// the reply one hop further back.
	ReceiveRouteReply(reply wire.RouteReply, ctx ReceiveContext)

	// Suppressed reports whether (source, target, identifier) has
	// already been forwarded, per the request table's duplicate ring
	// (spec.md §4.9 step 7 drop condition).
	Suppressed(source, target common.Addr, identifier uint32, now common.Tick) bool
	// DeliverRouteRequestLocally hands a Route Request addressed to us
	// up to whatever answers it locally (spec.md §4.9 step 7, target==us).
	DeliverRouteRequestLocally(req *wire.RouteRequest, ctx ReceiveContext)
	// NeighborCount reports the current link-cache out-degree, used to
	// size the rebroadcast jitter window (spec.md §4.9 step 7).
	NeighborCount() int
}

// Dispatch processes one decoded frame's options in the fixed order of
// spec.md §5: LinkInfo, then SourceRoute/RouteRequest metadata, Probe/
// ProbeReply, InfoRequest/InfoReply, AckReq, Ack, SourceRoute forward-
// or-deliver, RouteRequest forward-or-deliver. self is this node's
// virtual address; rng and queue drive Route Request rebroadcast
// jitter and rate limiting.
func Dispatch(pkt *wire.Packet, ctx ReceiveContext, self common.Addr, rng *rand.Rand, queue *BroadcastQueue, cb Callbacks) error {
	var sr *wire.SourceRoute
	var req *wire.RouteRequest

	for _, opt := range pkt.Options {
		if li, ok := opt.(wire.LinkInfo); ok {
			cb.UpdateLinkInfo(li, ctx)
		}
	}

	for _, opt := range pkt.Options {
		switch o := opt.(type) {
		case wire.SourceRoute:
			srCopy := o
			sr = &srCopy
		case wire.RouteRequest:
			reqCopy := o
			req = &reqCopy
		}
	}
	if sr != nil {
		cb.UpdateRouteMetadata(sr.HopList, ctx)
	}
	if req != nil {
		cb.UpdateRouteMetadata(req.HopList, ctx)
	}
	for _, opt := range pkt.Options {
		if rr, ok := opt.(wire.RouteReply); ok {
			cb.ReceiveRouteReply(rr, ctx)
		}
	}

	for _, opt := range pkt.Options {
		switch o := opt.(type) {
		case wire.Probe:
			if reply, ok := cb.ReceiveProbe(o, ctx); ok && reply != nil {
				cb.SendProbeReply(*reply, ctx)
			}
		case wire.ProbeReply:
			cb.ReceiveProbeReply(o, ctx)
		}
	}

	for _, opt := range pkt.Options {
		switch o := opt.(type) {
		case wire.InfoRequest:
			if info, ok := cb.ReceiveInfoRequest(o, ctx); ok {
				cb.SendInfo(o.Source, info, ctx)
			}
		case wire.Info:
			cb.ReceiveInfo(o, ctx)
		}
	}

	for _, opt := range pkt.Options {
		if ar, ok := opt.(wire.AckReq); ok {
			cb.ScheduleAck(ar, self, ctx)
		}
	}

	for _, opt := range pkt.Options {
		if ack, ok := opt.(wire.Ack); ok {
			cb.ConsumeAck(ack, ctx)
		}
	}

	if sr != nil {
		if err := handleSourceRoute(pkt, sr, ctx, cb); err != nil {
			return err
		}
	}
	if req != nil {
		handleRouteRequest(req, ctx, self, rng, queue, cb)
	}
	return nil
}

func handleSourceRoute(pkt *wire.Packet, sr *wire.SourceRoute, ctx ReceiveContext, cb Callbacks) error {
	if Advance(sr) {
		cb.DeliverLocally(pkt, ctx)
	} else if err := cb.ForwardPacket(pkt, sr, ctx); err != nil {
		return err
	}

	if len(sr.HopList) > 0 {
		cb.EmitRouteReply(sr.HopList[0].Addr, BuildRouteReply(sr.HopList), ctx)
	}
	return nil
}

func handleRouteRequest(req *wire.RouteRequest, ctx ReceiveContext, self common.Addr, rng *rand.Rand, queue *BroadcastQueue, cb Callbacks) {
	if IsFull(req.HopList) || InHopList(req.HopList, self) {
		return
	}

	source := self
	if len(req.HopList) > 0 {
		source = req.HopList[0].Addr
	}
	if cb.Suppressed(source, req.Target, req.Identifier, ctx.Now) {
		return
	}

	appended := AppendSelf(req, self, ctx.InIf)

	if appended.Target == self {
		cb.EmitRouteReply(source, BuildRouteReply(appended.HopList), ctx)
		cb.DeliverRouteRequestLocally(appended, ctx)
		return
	}

	delay := Jitter(cb.NeighborCount(), rng)
	queue.Submit(appended, ctx.Now, delay)
}
