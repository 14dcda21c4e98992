// Package adapter implements the virtual adapter of spec.md §5/§6: the
// component that wires the link cache, neighbor cache, request table,
// send buffer, maintenance buffer, piggyback coalescer and metric
// engine together behind the Link Layer and Virtual Adapter contracts,
// and drives the single periodic timer that ticks them all. Grounded
// directly on spec.md §5/§6; the explicit VirtualAdapter struct plus
// Registry (registry.go) follows the teacher's single-struct-owning-
// state shape (cmd/ghostnodes/main.go's Server) rather than
// package-level globals.
package adapter

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/forwarder"
	"github.com/lqsrnet/meshcore/pkg/linkcache"
	"github.com/lqsrnet/meshcore/pkg/linklayer"
	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
	"github.com/lqsrnet/meshcore/pkg/maintbuf"
	"github.com/lqsrnet/meshcore/pkg/metric"
	"github.com/lqsrnet/meshcore/pkg/metrics"
	"github.com/lqsrnet/meshcore/pkg/neighbor"
	"github.com/lqsrnet/meshcore/pkg/persist"
	"github.com/lqsrnet/meshcore/pkg/piggyback"
	"github.com/lqsrnet/meshcore/pkg/reqtable"
	"github.com/lqsrnet/meshcore/pkg/sendbuf"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// ProtocolVersion is mixed into the MAC key and carried in Info options
// (spec.md §4.1).
const ProtocolVersion uint32 = 1

// maxFrameSize bounds one encoded LQSR frame; generous relative to the
// 8-hop, few-option packets spec.md §3 describes.
const maxFrameSize = 2048

// reqTableSize and sendBufSize bound the request table and send buffer
// (spec.md §4.5/§4.6 leave the exact bound to the implementation; these
// follow the "usually at most a few packets/targets outstanding"
// sizing note carried over from the original source).
const (
	reqTableSize = 256
	sendBufSize  = 64
)

// VirtualAdapter is one LQSR mesh node's worth of state: every
// component above the Link Layer, wired together. A process may run
// several, one per named virtual adapter (see Registry).
type VirtualAdapter struct {
	mu sync.Mutex

	Name string
	Self common.Addr

	link  linklayer.LinkLayer
	codec *wire.Codec

	Links     *linkcache.Cache
	Neighbors *neighbor.Cache
	Requests  *reqtable.Table
	SendBuf   *sendbuf.Buffer
	MaintBuf  *maintbuf.Buffer
	Piggyback *piggyback.Coalescer
	Engine    metric.Engine
	Prober    metric.Prober
	Broadcast *forwarder.BroadcastQueue

	store   *persist.ConfigStore
	metrics *metrics.Collectors

	rng *mrand.Rand

	ifaces map[common.IfIndex]linklayer.InterfaceInfo

	indicate  func(frame []byte)
	connected bool

	// pendingFrom is the neighbor address that sent the frame currently
	// under Dispatch, set by OnReceive for the duration of one Dispatch
	// call so ScheduleAck/EmitRouteReply/SendInfo know who to address a
	// reply to; forwarder.Callbacks does not carry this itself because
	// its ScheduleAck binds "from" to self at the Dispatch call site.
	pendingFrom common.Addr

	clockTick common.Tick

	// staticRoutes are Control Plane-configured routes (spec.md §6
	// operation 5) that bypass FillSR's Dijkstra recomputation and
	// salvage entirely, consulted before the link cache.
	staticRoutes map[common.Addr]*wire.SourceRoute

	// artificialDropEnabled gates SetDropRatio (Control Plane operation
	// 8): while this is false, SetDropRatio sets the peer's ratio to 0
	// instead of the requested one, and the requested ratio is not kept
	// for when the switch is turned on.
	artificialDropEnabled bool
}

// New constructs a VirtualAdapter. rngSeed should differ per adapter
// sharing a process (tests only - one adapter per process in
// production) so Route Request jitter does not correlate across nodes.
func New(name string, self common.Addr, link linklayer.LinkLayer, codec *wire.Codec, engine metric.Engine, store *persist.ConfigStore, collectors *metrics.Collectors, rngSeed int64, dampingThreshold uint32, dampWindow common.Tick) *VirtualAdapter {
	prober, _ := engine.(metric.Prober)
	return &VirtualAdapter{
		Name:      name,
		Self:      self,
		link:      link,
		codec:     codec,
		Links:     linkcache.New(self, engine, dampingThreshold, dampWindow),
		Neighbors: neighbor.New(),
		Requests:  reqtable.New(reqTableSize),
		SendBuf:   sendbuf.New(sendBufSize),
		MaintBuf:  maintbuf.New(),
		Piggyback: piggyback.New(),
		Engine:    engine,
		Prober:    prober,
		Broadcast: forwarder.NewBroadcastQueue(forwarder.MaxBroadcastQueue, forwarder.MinBroadcastGap),
		store:     store,
		metrics:   collectors,
		rng:          mrand.New(mrand.NewSource(rngSeed)),
		ifaces:       make(map[common.IfIndex]linklayer.InterfaceInfo),
		staticRoutes: make(map[common.Addr]*wire.SourceRoute),
	}
}

// SetIndicate registers the host-stack callback for va_indicate
// (spec.md §6 "Virtual Adapter").
func (v *VirtualAdapter) SetIndicate(fn func(frame []byte)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.indicate = fn
}

// SetClock advances the adapter's notion of current time; called once
// per Tick by the daemon's periodic timer and directly by tests.
func (v *VirtualAdapter) SetClock(now common.Tick) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clockTick = now
}

func (v *VirtualAdapter) now() common.Tick { return v.clockTick }

// --- linklayer.Callbacks ---

// OnSubmitDone implements linklayer.Callbacks. Submission failures are
// only counted; the maintenance buffer's own retransmit timer, not this
// callback, drives recovery (spec.md §4.7).
func (v *VirtualAdapter) OnSubmitDone(id linklayer.FrameID, status linklayer.SubmitStatus) {
	if status != linklayer.StatusOK && v.metrics != nil {
		v.metrics.ObserveFrameError("link_submit_failed")
	}
}

// OnInterfaceAdded implements linklayer.Callbacks (spec.md §6
// interface_added), firing va_status_connected on the first interface.
func (v *VirtualAdapter) OnInterfaceAdded(info linklayer.InterfaceInfo) {
	v.mu.Lock()
	v.ifaces[info.Index] = info
	v.Links.AddInterface(info.Index)
	firstInterface := len(v.ifaces) == 1 && !v.connected
	if firstInterface {
		v.connected = true
	}
	v.mu.Unlock()

	if firstInterface {
		v.onStatusConnected()
	}
}

// OnInterfaceRemoved implements linklayer.Callbacks (spec.md §6
// interface_removed), firing va_status_disconnected on the last
// interface and flushing link-cache/neighbor state bound to it.
func (v *VirtualAdapter) OnInterfaceRemoved(idx common.IfIndex) {
	v.mu.Lock()
	delete(v.ifaces, idx)
	v.Neighbors.FlushInterface(idx)
	v.Links.DeleteInterface(idx, v.clockTick)
	lastInterface := len(v.ifaces) == 0 && v.connected
	if lastInterface {
		v.connected = false
	}
	v.mu.Unlock()

	if lastInterface {
		v.onStatusDisconnected()
	}
}

// onStatusConnected/onStatusDisconnected are overridable hooks for
// cmd/lqsrd to react to va_status_connected/va_status_disconnected
// (spec.md §6); no-ops here so the package has no dependency on how
// the daemon surfaces them.
func (v *VirtualAdapter) onStatusConnected()    {}
func (v *VirtualAdapter) onStatusDisconnected() {}

// OnReceive implements linklayer.Callbacks: decode the frame and run it
// through the fixed dispatch order of spec.md §5.
func (v *VirtualAdapter) OnReceive(iface common.IfIndex, sourceMAC common.Addr, frame []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pkt, err := v.codec.Decode(frame)
	if err != nil {
		if v.metrics != nil {
			v.metrics.ObserveFrameError(frameErrorLabel(err))
		}
		return
	}

	now := v.clockTick
	v.pendingFrom = v.inferSender(pkt, sourceMAC, iface, now)

	ctx := forwarder.ReceiveContext{InIf: iface, Now: now}
	if err := forwarder.Dispatch(pkt, ctx, v.Self, v.rng, v.Broadcast, v); err != nil {
		if v.metrics != nil {
			v.metrics.ObserveFrameError(frameErrorLabel(err))
		}
	}
}

// inferSender determines which neighbor sent this frame. A LinkInfo
// option names its originator explicitly; absent one, the physical
// source address doubles as the virtual address, which holds for
// direct (one-hop) neighbor traffic and every FakeLinkLayer-based test.
func (v *VirtualAdapter) inferSender(pkt *wire.Packet, sourceMAC common.Addr, iface common.IfIndex, now common.Tick) common.Addr {
	for _, opt := range pkt.Options {
		if li, ok := opt.(wire.LinkInfo); ok {
			v.Neighbors.Learn(li.From, iface, sourceMAC, now)
			return li.From
		}
	}
	v.Neighbors.Learn(sourceMAC, iface, sourceMAC, now)
	return sourceMAC
}

func frameErrorLabel(err error) string {
	switch err {
	case lqsrerr.ErrMacFailure:
		return "mac_failure"
	case lqsrerr.ErrMalformedOption:
		return "malformed_option"
	case lqsrerr.ErrPayloadTooSmall:
		return "payload_too_small"
	case lqsrerr.ErrNoRoute:
		return "no_route"
	case lqsrerr.ErrQueueFull:
		return "queue_full"
	case lqsrerr.ErrBufferTooSmall:
		return "buffer_too_small"
	case lqsrerr.ErrTooManyOptions:
		return "too_many_options"
	case lqsrerr.ErrResources:
		return "resources"
	case lqsrerr.ErrLinkTimeout:
		return "link_timeout"
	case lqsrerr.ErrSalvageImpossible:
		return "salvage_impossible"
	default:
		return "other"
	}
}

// --- transmission helpers ---

// randomIV draws a fresh IV from the crypto-grade random source
// required for AES-CBC, independent of the math/rand source used for
// jitter and backoff (spec.md §9's Random Source split).
func (v *VirtualAdapter) randomIV() ([wire.IVLength]byte, error) {
	return wire.RandomIV(rand.Reader, v.codec.Crypto == wire.CryptoEnabled)
}

// transmitTo encodes opts (and an optional payload) and submits the
// resulting frame out outIf. The wireless medium the Link Layer
// abstracts is itself broadcast (spec.md §6's link_submit has no
// destination parameter); addressing lives entirely in the option
// chain (SourceRoute hop list, Ack.To, ProbeReply.To), so every
// neighbor on outIf receives the frame and discards what is not theirs.
// dest is accepted for symmetry with the neighbor cache and so callers
// read naturally, even though only outIf is needed to submit.
func (v *VirtualAdapter) transmitTo(dest common.Addr, outIf common.IfIndex, opts []wire.Option, payload []byte, nextHeader uint16) error {
	iv, err := v.randomIV()
	if err != nil {
		return err
	}
	pkt := &wire.Packet{Options: opts, HasPayload: len(payload) > 0, NextHeader: nextHeader, Payload: payload}
	buf := make([]byte, maxFrameSize)
	n, err := v.codec.Encode(pkt, iv, buf)
	if err != nil {
		return err
	}
	_, err = v.link.Submit(outIf, buf[:n])
	return err
}

// broadcast sends opts (with no payload) out every bound interface, for
// control traffic with no known single next hop (Route Requests, probes
// sent to every neighbor, LinkInfo advertisements).
func (v *VirtualAdapter) broadcast(opts []wire.Option) {
	v.mu.Lock()
	ifaces := make([]common.IfIndex, 0, len(v.ifaces))
	for idx := range v.ifaces {
		ifaces = append(ifaces, idx)
	}
	v.mu.Unlock()

	for _, idx := range ifaces {
		iv, err := v.randomIV()
		if err != nil {
			continue
		}
		pkt := &wire.Packet{Options: opts}
		buf := make([]byte, maxFrameSize)
		n, err := v.codec.Encode(pkt, iv, buf)
		if err != nil {
			continue
		}
		if _, err := v.link.Submit(idx, buf[:n]); err != nil && v.metrics != nil {
			v.metrics.ObserveFrameError("broadcast_submit_failed")
		}
	}
}

// --- forwarder.Callbacks ---

// UpdateLinkInfo implements forwarder.Callbacks (spec.md §4.9 step 1):
// folds every link a LinkInfo option advertises into the link cache.
// Snoop failures are not fatal to dispatch; a bad or stale entry is
// simply dropped.
func (v *VirtualAdapter) UpdateLinkInfo(li wire.LinkInfo, ctx forwarder.ReceiveContext) {
	for _, link := range li.Links {
		_ = v.Links.AddLink(li.From, link.Addr, common.IfIndex(link.InIf), common.IfIndex(link.OutIf), link.Metric, linkcache.ReasonAddLinkInfo, ctx.Now)
	}
}

// UpdateRouteMetadata implements forwarder.Callbacks (spec.md §4.9:
// "fill in the observed last-hop metric"): the last entry of a
// SourceRoute's or RouteRequest's hop list names the neighbor that just
// relayed this frame to us, so its reported metric becomes a fresh
// snooped link observation in the direction neighbor -> self.
func (v *VirtualAdapter) UpdateRouteMetadata(hopList []wire.SRAddr, ctx forwarder.ReceiveContext) {
	if len(hopList) == 0 {
		return
	}
	last := hopList[len(hopList)-1]
	_ = v.Links.AddLink(last.Addr, v.Self, common.IfIndex(last.InIf), ctx.InIf, last.Metric, linkcache.ReasonAddSnoopSR, ctx.Now)
}

// ReceiveProbe implements forwarder.Callbacks (spec.md §4.9 step 2),
// delegating to the active metric engine's Prober half.
func (v *VirtualAdapter) ReceiveProbe(p wire.Probe, ctx forwarder.ReceiveContext) (*wire.ProbeReply, bool) {
	if v.Prober == nil {
		return nil, false
	}
	reply := v.Prober.ReceiveProbe(p, ctx.InIf, ctx.Now)
	return reply, reply != nil
}

// SendProbeReply implements forwarder.Callbacks: a probe reply is a
// single-hop, link-local exchange, transmitted directly to reply.To out
// reply.OutIf with no source route.
func (v *VirtualAdapter) SendProbeReply(reply wire.ProbeReply, ctx forwarder.ReceiveContext) {
	if err := v.transmitTo(reply.To, common.IfIndex(reply.OutIf), []wire.Option{reply}, nil, 0); err != nil && v.metrics != nil {
		v.metrics.ObserveFrameError("probe_reply_send_failed")
	}
}

// ReceiveProbeReply implements forwarder.Callbacks (spec.md §4.9 step
// 2): feeds the reply into the metric engine and, if it yields a fresh
// metric, records it as a new link observation.
func (v *VirtualAdapter) ReceiveProbeReply(pr wire.ProbeReply, ctx forwarder.ReceiveContext) {
	if v.Prober == nil {
		return
	}
	link, m, ok := v.Prober.ReceiveProbeReply(pr, ctx.Now)
	if !ok {
		return
	}
	_ = v.Links.AddLink(link.From, link.To, link.InIf, link.OutIf, m, linkcache.ReasonAddProbe, ctx.Now)
}

// ReceiveInfoRequest implements forwarder.Callbacks (spec.md §4.9 step
// 3). Every Info Request is answered; this node has no extensible
// Info payload to report beyond its protocol version.
func (v *VirtualAdapter) ReceiveInfoRequest(ir wire.InfoRequest, ctx forwarder.ReceiveContext) (wire.Info, bool) {
	return wire.Info{Identifier: ir.Identifier, Version: ProtocolVersion}, true
}

// SendInfo implements forwarder.Callbacks: the Info reply is piggybacked
// onto the next frame back toward the neighbor that relayed the
// request to us, per spec.md §4.8's InfoReplyDelay coalescing window.
func (v *VirtualAdapter) SendInfo(source common.Addr, info wire.Info, ctx forwarder.ReceiveContext) {
	key := fmt.Sprintf("info-%x-%d", source, info.Identifier)
	v.Piggyback.SendOption(v.pendingFrom, key, info, ctx.Now+piggyback.InfoReplyDelay)
}

// ReceiveInfo implements forwarder.Callbacks (spec.md §4.9 step 3,
// Info addressed to us): Info Requests sent through Control Plane
// operation 9 (SendInfoRequest) are not tracked, so an arriving Info
// option has nothing to be matched against; it is dropped without
// being recorded anywhere.
func (v *VirtualAdapter) ReceiveInfo(info wire.Info, ctx forwarder.ReceiveContext) {
}

// ScheduleAck implements forwarder.Callbacks (spec.md §4.9 step 4).
// from is bound to self at the Dispatch call site, which does not tell
// us which neighbor to address the Ack to; v.pendingFrom (set for the
// duration of this Dispatch call by OnReceive) supplies that.
func (v *VirtualAdapter) ScheduleAck(req wire.AckReq, from common.Addr, ctx forwarder.ReceiveContext) {
	ack := wire.Ack{
		ID:    req.ID,
		From:  v.Self,
		To:    v.pendingFrom,
		InIf:  uint8(ctx.InIf),
		OutIf: uint8(ctx.InIf),
	}
	key := fmt.Sprintf("ack-%x-%d", v.pendingFrom, req.ID)
	v.Piggyback.SendOption(v.pendingFrom, key, ack, ctx.Now+piggyback.AckDelay)
}

// ConsumeAck implements forwarder.Callbacks (spec.md §4.9 step 5):
// feeds an Ack addressed to us into the maintenance buffer.
func (v *VirtualAdapter) ConsumeAck(ack wire.Ack, ctx forwarder.ReceiveContext) {
	if ack.To != v.Self {
		return
	}
	v.MaintBuf.RecvAck(ack.From, common.IfIndex(ack.InIf), common.IfIndex(ack.OutIf), ack.ID, ctx.Now)
}

// DeliverLocally implements forwarder.Callbacks (spec.md §4.9 step 6,
// segmentsLeft==0): indicate the decrypted payload upward.
func (v *VirtualAdapter) DeliverLocally(pkt *wire.Packet, ctx forwarder.ReceiveContext) {
	if v.indicate != nil && pkt.HasPayload {
		v.indicate(pkt.Payload)
	}
}

// ForwardPacket implements forwarder.Callbacks (spec.md §4.9 step 6,
// else branch): hands the still-segmentsLeft packet to the maintenance
// buffer for the next hop, validating the outgoing interface queue
// depth first via the link cache.
func (v *VirtualAdapter) ForwardPacket(pkt *wire.Packet, sr *wire.SourceRoute, ctx forwarder.ReceiveContext) error {
	origin := v.Self
	if len(sr.HopList) > 0 {
		origin = sr.HopList[0].Addr
	}
	if err := v.Links.UseSR(origin, sr, v.MaintBuf.OutstandingOnInterface); err != nil {
		return err
	}

	mbPkt := &maintbuf.Packet{SR: sr, Dest: routeDestination(sr), Payload: pkt.Payload}
	v.MaintBuf.SendPacket(mbPkt, ctx.Now, v.transmitMaint, v.completeMaint)
	return nil
}

// routeDestination reads the final hop's address off a SourceRoute,
// which is always the packet's ultimate destination.
func routeDestination(sr *wire.SourceRoute) common.Addr {
	if len(sr.HopList) == 0 {
		return common.Addr{}
	}
	return sr.HopList[len(sr.HopList)-1].Addr
}

// transmitMaint is the maintbuf.SendPacket transmit callback: build the
// wire frame (SourceRoute plus an AckReq for the allocated ack number,
// plus anything piggybacked for this next hop) and submit it.
func (v *VirtualAdapter) transmitMaint(pkt *maintbuf.Packet, ackNum uint16) {
	hop := forwarder.CurrentHop(pkt.SR)
	opts := []wire.Option{*pkt.SR}
	if !pkt.SR.StaticRoute {
		opts = append(opts, wire.AckReq{ID: ackNum})
	}
	budget := maxFrameSize - len(pkt.Payload) - 64
	opts = append(opts, v.Piggyback.DrainForPacket(hop.Addr, budget)...)

	if err := v.transmitTo(hop.Addr, common.IfIndex(hop.OutIf), opts, pkt.Payload, 0); err != nil && v.metrics != nil {
		v.metrics.ObserveFrameError("maint_transmit_failed")
	}
}

func (v *VirtualAdapter) completeMaint(pkt *maintbuf.Packet, err error) {
	if err != nil && v.metrics != nil {
		v.metrics.ObserveFrameError("maint_packet_failed")
	}
}

// EmitRouteReply implements forwarder.Callbacks (spec.md §4.9 steps 6
// and 7): piggybacks a Route Reply onto the next frame back toward the
// neighbor that relayed this frame to us, to be forwarded hop-by-hop
// toward origin the same way every other piggybacked option is.
func (v *VirtualAdapter) EmitRouteReply(origin common.Addr, reply wire.RouteReply, ctx forwarder.ReceiveContext) {
	key := fmt.Sprintf("reply-%x", origin)
	v.Piggyback.SendOption(v.pendingFrom, key, reply, ctx.Now+piggyback.ReplyDelay)
}

// ReceiveRouteReply implements forwarder.Callbacks: a Route Reply's hop
// list conveys an observed link for every hop along a discovered
// route, not just the one its immediate sender measured, so every
// consecutive pair is folded into the link cache (spec.md §4.9 step 6
// "Route Reply ... conveying observed link metrics"). If this node is
// not yet the reply's origin, it is relayed one hop further back,
// toward whichever neighbor precedes it in the hop list - the same
// hop-by-hop path the originating Route Request walked outbound -
// until it reaches the node that asked the question.
func (v *VirtualAdapter) ReceiveRouteReply(reply wire.RouteReply, ctx forwarder.ReceiveContext) {
	hopList := reply.HopList
	for i := 1; i < len(hopList); i++ {
		prev, cur := hopList[i-1], hopList[i]
		_ = v.Links.AddLink(prev.Addr, cur.Addr, common.IfIndex(cur.InIf), common.IfIndex(prev.OutIf), cur.Metric, linkcache.ReasonAddReply, ctx.Now)
	}

	myIdx := -1
	for i, h := range hopList {
		if h.Addr == v.Self {
			myIdx = i
			break
		}
	}
	// Only a relay strictly between origin and target continues the
	// walk backward, and only for a copy that actually arrived from
	// the expected next-hop-toward-target neighbor; the shared
	// broadcast medium means this node also hears its own relayed copy
	// echoed back once the predecessor rebroadcasts it on every
	// interface, and that echo must not bounce forever.
	if myIdx <= 0 || myIdx >= len(hopList)-1 {
		return
	}
	if hopList[myIdx+1].Addr != v.pendingFrom {
		return
	}

	toward := hopList[myIdx-1].Addr
	key := fmt.Sprintf("replyfwd-%x-%x", hopList[0].Addr, hopList[len(hopList)-1].Addr)
	v.Piggyback.SendOption(toward, key, reply, ctx.Now+piggyback.ReplyDelay)
}

// Suppressed implements forwarder.Callbacks (spec.md §4.9 step 7 drop
// condition).
func (v *VirtualAdapter) Suppressed(source, target common.Addr, identifier uint32, now common.Tick) bool {
	return v.Requests.Suppress(source, target, identifier, now)
}

// DeliverRouteRequestLocally implements forwarder.Callbacks (spec.md
// §4.9 step 7, target==us): a Route Request addressed to us needs no
// further action beyond the Route Reply already emitted by Dispatch;
// resetting backoff lets a fresh Request for us be answered promptly if
// one arrives again after loss.
func (v *VirtualAdapter) DeliverRouteRequestLocally(req *wire.RouteRequest, ctx forwarder.ReceiveContext) {
	v.Requests.ReceivedReply(req.Target, ctx.Now)
}

// NeighborCount implements forwarder.Callbacks (spec.md §4.9 step 7),
// sizing the rebroadcast jitter window off the link cache's out-degree.
func (v *VirtualAdapter) NeighborCount() int {
	return v.Links.MyDegree()
}

// --- sendbuf.Callbacks ---

// FillSR implements sendbuf.Callbacks, preferring a Control
// Plane-configured static route over the link cache's Dijkstra result.
func (v *VirtualAdapter) FillSR(dest common.Addr, now common.Tick) (*wire.SourceRoute, error) {
	if sr, ok := v.staticRoute(dest); ok {
		return sr, nil
	}
	return v.Links.FillSR(dest, now)
}

// staticRoute returns a fresh copy of the static route configured for
// dest, if any.
func (v *VirtualAdapter) staticRoute(dest common.Addr) (*wire.SourceRoute, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sr, ok := v.staticRoutes[dest]
	if !ok {
		return nil, false
	}
	cp := *sr
	cp.HopList = append([]wire.SRAddr(nil), sr.HopList...)
	return &cp, true
}

// UseSR implements sendbuf.Callbacks, validating and accounting for the
// queue depth of sr's outgoing interface before the caller commits to
// using it.
func (v *VirtualAdapter) UseSR(sr *wire.SourceRoute) error {
	return v.Links.UseSR(v.Self, sr, v.MaintBuf.OutstandingOnInterface)
}

// Send implements sendbuf.Callbacks: hand a packet with a fresh route
// to the maintenance buffer.
func (v *VirtualAdapter) Send(pkt *sendbuf.Packet, sr *wire.SourceRoute) {
	sr.SegmentsLeft = uint8(len(sr.HopList) - 1)
	mbPkt := &maintbuf.Packet{SR: sr, Dest: pkt.Dest, Payload: pkt.Payload}
	v.MaintBuf.SendPacket(mbPkt, v.now(), v.transmitMaint, func(_ *maintbuf.Packet, err error) {
		v.completeSend(err)
	})
}

func (v *VirtualAdapter) completeSend(err error) {
	if err != nil && v.metrics != nil {
		v.metrics.ObserveFrameError("sendbuf_packet_failed")
	}
}

// Complete implements sendbuf.Callbacks: a packet that never got a
// route is done with a terminal error.
func (v *VirtualAdapter) Complete(pkt *sendbuf.Packet, err error) {
	if v.metrics != nil {
		v.metrics.ObserveFrameError("sendbuf_" + frameErrorLabel(err))
	}
}

// RequestSend implements sendbuf.Callbacks, consulting the request
// table's backoff.
func (v *VirtualAdapter) RequestSend(dest common.Addr, now common.Tick) (uint32, bool) {
	return v.Requests.ShouldSend(dest, now)
}

// SendRouteRequest implements sendbuf.Callbacks: floods a freshly
// originated Route Request for dest via the broadcast queue, exactly as
// a Route Request relayed from another node would be (spec.md §4.9
// "Route-Request origination" shares the flooding path with forwarding).
func (v *VirtualAdapter) SendRouteRequest(dest common.Addr, id uint32) {
	req := forwarder.NewRouteRequest(v.Self, dest, id)
	delay := forwarder.Jitter(v.Links.MyDegree(), v.rng)
	v.Broadcast.Submit(req, v.now(), delay)
	if v.metrics != nil {
		v.metrics.RouteRequestsSent.Inc()
	}
}

// --- va_submit ---

// Submit implements the va_submit operation of spec.md §6: queue an
// upper-layer packet for dest, attempting an immediate route and
// falling back to the send buffer (and a Route Request) when none
// exists yet.
func (v *VirtualAdapter) Submit(dest common.Addr, payload []byte) error {
	now := v.now()
	sr, err := v.FillSR(dest, now)
	if err == nil {
		if useErr := v.Links.UseSR(v.Self, sr, v.MaintBuf.OutstandingOnInterface); useErr == nil {
			sr.SegmentsLeft = uint8(len(sr.HopList) - 1)
			mbPkt := &maintbuf.Packet{SR: sr, Dest: dest, Payload: payload}
			v.MaintBuf.SendPacket(mbPkt, now, v.transmitMaint, v.completeMaint)
			return nil
		}
	}

	pkt := &sendbuf.Packet{Dest: dest, Payload: payload}
	v.SendBuf.Insert(pkt, now, v)
	return nil
}
