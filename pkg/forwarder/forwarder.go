// Package forwarder implements the receive pipeline and Route Request
// flooding of spec.md §4.9: the fixed per-frame option processing order
// of §5, and the jittered, rate-limited rebroadcast queue that keeps a
// flood from self-synchronizing across every receiver. Grounded on
// _examples/original_source/Etx/src/mcl/sys/protocol.c's
// ProtocolForwardRequest (broadcast a Request to every physical
// adapter, complete when the last transmit completes) and spec.md
// §4.9/§5's prose for the parts protocol.c leaves to other modules.
package forwarder

import (
	"math/rand"
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// MinBroadcastGap is the minimum spacing enforced between successive
// flooded Route Request rebroadcasts (spec.md §4.9 "MIN_BROADCAST_GAP").
// Not present in the retrieved original_source headers; this follows
// the MCL-era default of 10ms used elsewhere for similar rate limits.
const MinBroadcastGap common.Tick = 10 * 10_000

// MaxBroadcastQueue bounds the number of Route Requests awaiting their
// jitter delay and the rate limit before the oldest is dropped (spec.md
// §4.9 "overflow drops oldest").
const MaxBroadcastQueue = 64

// JitterBound returns the exclusive upper bound, in ticks, of the
// uniform stall a rebroadcasting node applies before flooding a Route
// Request (spec.md §4.9: "microseconds uniform in
// [0, 3·min(max(neighbor_count, 2), 10))"). One tick is 100ns, so one
// microsecond is 10 ticks.
func JitterBound(neighborCount int) common.Tick {
	n := neighborCount
	if n < 2 {
		n = 2
	}
	if n > 10 {
		n = 10
	}
	microseconds := 3 * n
	return common.Tick(microseconds) * 10
}

// Jitter draws a random stall duration in [0, JitterBound(neighborCount))
// using rng, which callers should hold a lock around if shared.
func Jitter(neighborCount int, rng *rand.Rand) common.Tick {
	bound := JitterBound(neighborCount)
	if bound <= 0 {
		return 0
	}
	return common.Tick(rng.Int63n(int64(bound)))
}

// broadcastItem is one Route Request awaiting its jitter deadline and
// the global rate limit before it may be flooded.
type broadcastItem struct {
	req     *wire.RouteRequest
	readyAt common.Tick
}

// BroadcastQueue is the rate-limited rebroadcast queue of spec.md §4.9:
// a FIFO of pending floods, each gated by its own jitter deadline and
// collectively by MinBroadcastGap. Grounded on protocol.c's
// ProtocolForwardRequest, which floods one Request across every
// physical adapter per invocation; BroadcastQueue adds the jitter and
// rate-limit spec.md layers on top that the NDIS-synchronous original
// did not need (it forwarded inline, with no request backlog).
type BroadcastQueue struct {
	mu          sync.Mutex
	items       []broadcastItem
	maxSize     int
	minGap      common.Tick
	forwardTime common.Tick

	numDropped int
}

// NewBroadcastQueue constructs a queue bounded to maxSize pending
// Route Requests, enforcing minGap between successive dequeues.
func NewBroadcastQueue(maxSize int, minGap common.Tick) *BroadcastQueue {
	return &BroadcastQueue{maxSize: maxSize, minGap: minGap}
}

// Submit enqueues req to be flooded once now+delay has passed and the
// rate limit permits. If the queue is full, the oldest pending request
// is dropped to make room (spec.md §4.9 "overflow drops oldest").
func (q *BroadcastQueue) Submit(req *wire.RouteRequest, now, delay common.Tick) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.maxSize {
		q.items = q.items[1:]
		q.numDropped++
	}
	q.items = append(q.items, broadcastItem{req: req, readyAt: now + delay})
}

// Dequeue pops the oldest request whose jitter deadline has passed, if
// the rate limit also permits a send at now. On a successful dequeue,
// the rate limit is advanced to now+minGap (spec.md §4.9 "On a
// successful dequeue, forwardTime = now + MIN_BROADCAST_GAP").
func (q *BroadcastQueue) Dequeue(now common.Tick) (*wire.RouteRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if now < q.forwardTime || len(q.items) == 0 {
		return nil, false
	}
	for i, it := range q.items {
		if it.readyAt <= now {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			q.forwardTime = now + q.minGap
			return it.req, true
		}
	}
	return nil, false
}

// Len reports the number of Route Requests currently pending.
func (q *BroadcastQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many pending requests were evicted by overflow.
func (q *BroadcastQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numDropped
}

// InHopList reports whether self already appears in req's hop list
// (spec.md §4.9 step 7: "Drop if ... we appear in the hop list").
func InHopList(hopList []wire.SRAddr, self common.Addr) bool {
	for _, h := range hopList {
		if h.Addr == self {
			return true
		}
	}
	return false
}

// IsFull reports whether a hop list has reached the maximum path
// length and cannot accept another hop (spec.md §4.9 step 7: "Drop if
// path is full (8 hops)").
func IsFull(hopList []wire.SRAddr) bool {
	return len(hopList) >= wire.MaxHops
}

// AppendSelf returns a copy of req with self appended as the newest
// hop, its out-interface left zero for the caller to fill per physical
// adapter at broadcast time (protocol.c's ProtocolForwardRequest fills
// opt.hopList[Hops].outif once per adapter just before transmit).
func AppendSelf(req *wire.RouteRequest, self common.Addr, inIf common.IfIndex) *wire.RouteRequest {
	hopList := make([]wire.SRAddr, len(req.HopList)+1)
	copy(hopList, req.HopList)
	hopList[len(req.HopList)] = wire.SRAddr{Addr: self, InIf: uint8(inIf)}
	return &wire.RouteRequest{Identifier: req.Identifier, Target: req.Target, HopList: hopList}
}

// BuildRouteReply constructs the Route Reply sent back to a Route
// Request's originator, carrying every hop (and its observed metric)
// accumulated so far (spec.md §4.9 step 7: "emit a Route Reply").
func BuildRouteReply(hopList []wire.SRAddr) wire.RouteReply {
	reply := wire.RouteReply{HopList: make([]wire.SRAddr, len(hopList))}
	copy(reply.HopList, hopList)
	return reply
}

// NewRouteRequest builds the Route Request a node originates for
// target, seeded with itself as the sole (so-far) hop (spec.md §4.9
// "Route-Request origination"). The caller fills each hop's outif per
// physical adapter when flooding, mirroring protocol.c's
// ProtocolForwardRequest.
func NewRouteRequest(self common.Addr, target common.Addr, identifier uint32) *wire.RouteRequest {
	return &wire.RouteRequest{
		Identifier: identifier,
		Target:     target,
		HopList:    []wire.SRAddr{{Addr: self}},
	}
}

// Advance decrements a SourceRoute's SegmentsLeft in place (spec.md
// §4.9 step 6: "If the current hop is us: decrement segmentsLeft").
// It reports whether this node is the final destination.
func Advance(sr *wire.SourceRoute) (deliverLocally bool) {
	if sr.SegmentsLeft == 0 {
		return true
	}
	sr.SegmentsLeft--
	return false
}

// CurrentHop returns the SRAddr entry of sr describing the hop that is
// processing it right now (maintbuf.go's hopIndex convention: hops are
// ordered origin-first, walked back-to-front as SegmentsLeft counts
// down).
func CurrentHop(sr *wire.SourceRoute) wire.SRAddr {
	return sr.HopList[len(sr.HopList)-1-int(sr.SegmentsLeft)]
}
