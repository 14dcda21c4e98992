// Package e2e exercises complete node-to-node scenarios across the
// Link Layer boundary, the way server/test/e2e/e2e_test.go drives
// complete onion-routing round trips across real HTTP servers rather
// than unit-testing one package at a time.
package e2e

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/lqsrnet/meshcore/pkg/adapter"
	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/linklayer"
	"github.com/lqsrnet/meshcore/pkg/metric"
	"github.com/lqsrnet/meshcore/pkg/persist"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

func addr(b byte) common.Addr { return common.Addr{0, 0, 0, 0, 0, b} }

// newNode builds one virtual adapter wired to link, matching
// pkg/adapter's own newTestAdapter helper.
func newNode(t *testing.T, name string, self common.Addr, link linklayer.LinkLayer, seed int64) *adapter.VirtualAdapter {
	t.Helper()
	codec := wire.NewCodec(wire.Keys{}, adapter.ProtocolVersion, uint32(metric.TypeHop), wire.CryptoDisabled)
	engine := metric.New(metric.TypeHop, metric.Params{})
	store := persist.NewConfigStore(persist.NewMemoryStorage())
	va := adapter.New(name, self, link, codec, engine, store, nil, seed, 0, common.TicksPerSecond)
	if setter, ok := link.(interface {
		SetCallbacks(linklayer.Callbacks)
	}); ok {
		setter.SetCallbacks(va)
	}
	return va
}

// chainTopology assembles a three-node A-B-C chain: A and C each carry
// a single interface, B straddles two separate Medium segments (one
// per physical link), so A and C never hear each other directly and a
// route from A to C can only be discovered by flooding through B.
type chainTopology struct {
	segAB, segBC *linklayer.Medium
	a, b, c       *adapter.VirtualAdapter
	addrA, addrC  common.Addr
	delivered     [][]byte
}

func newChainTopology(t *testing.T) *chainTopology {
	t.Helper()
	segAB := linklayer.NewMedium()
	segBC := linklayer.NewMedium()

	addrA, addrB, addrC := addr(1), addr(2), addr(3)

	linkA := linklayer.NewFakeLinkLayer(segAB, addrA, rand.New(rand.NewSource(1)))
	linkB := linklayer.NewFakeLinkLayer(segAB, addrB, rand.New(rand.NewSource(2)))
	linkC := linklayer.NewFakeLinkLayer(segBC, addrC, rand.New(rand.NewSource(3)))

	va := newNode(t, "a", addrA, linkA, 1)
	vb := newNode(t, "b", addrB, linkB, 2)
	vc := newNode(t, "c", addrC, linkC, 3)

	linkA.AddInterface(linklayer.InterfaceInfo{Index: 0})
	va.OnInterfaceAdded(linklayer.InterfaceInfo{Index: 0})

	linkB.AddInterface(linklayer.InterfaceInfo{Index: 0})
	vb.OnInterfaceAdded(linklayer.InterfaceInfo{Index: 0})
	linkB.AddInterfaceOn(linklayer.InterfaceInfo{Index: 1}, segBC)
	vb.OnInterfaceAdded(linklayer.InterfaceInfo{Index: 1})

	linkC.AddInterfaceOn(linklayer.InterfaceInfo{Index: 0}, segBC)
	vc.OnInterfaceAdded(linklayer.InterfaceInfo{Index: 0})

	top := &chainTopology{segAB: segAB, segBC: segBC, a: va, b: vb, c: vc, addrA: addrA, addrC: addrC}
	vc.SetIndicate(func(frame []byte) { top.delivered = append(top.delivered, frame) })
	return top
}

// tick advances every node's clock to now and runs its timer once, in
// the fixed A-then-B-then-C order a real deployment has no control
// over but a test can pin down to make each round's propagation
// deterministic.
func (top *chainTopology) tick(now common.Tick) {
	top.a.SetClock(now)
	top.b.SetClock(now)
	top.c.SetClock(now)
	top.a.Tick(now)
	top.b.Tick(now)
	top.c.Tick(now)
}

// TestDiscoveryAcrossAChainFloodsAndDelivers exercises spec.md §8
// Scenario 1 (Discovery): A has no route to C, submits a payload
// anyway, and the Route Request flood through B, the Route Reply
// relayed back hop by hop, and the eventual source-routed send must
// together deliver the original bytes to C without any node ever
// having a direct link to skip over B.
func TestDiscoveryAcrossAChainFloodsAndDelivers(t *testing.T) {
	top := newChainTopology(t)
	top.tick(0)

	payload := []byte("hello from the edge of the mesh")
	if err := top.a.Submit(top.addrC, payload); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if top.a.SendBuf.Len() != 1 {
		t.Fatalf("SendBuf.Len() = %d, want 1 (no route yet)", top.a.SendBuf.Len())
	}

	// Each round lets the Route Request flood advance one more hop (a
	// rebroadcast is always queued for the receiving node's own next
	// tick, never flooded inline) and lets one coalescing window
	// (jitter, MIN_BROADCAST_GAP, the piggyback sweep) clear; all of
	// those are sub-millisecond to low-tens-of-milliseconds, so a 20ms
	// round comfortably clears one each step while staying well under
	// maintbuf.RexmitTimeout (500ms) - keeping the whole run short
	// enough that no hop's ACK is still outstanding when its
	// retransmit deadline would otherwise fire a spurious resend (and
	// a spurious second delivery at C).
	const roundLen = common.Tick(200_000) // 20ms
	round := common.Tick(0)
	for i := 0; i < 20; i++ {
		round += roundLen
		top.tick(round)
	}

	if top.a.SendBuf.Len() != 0 {
		t.Fatalf("SendBuf.Len() = %d after discovery, want 0 (packet should have been sent)", top.a.SendBuf.Len())
	}
	if len(top.delivered) != 1 {
		t.Fatalf("C received %d frames, want 1", len(top.delivered))
	}
	if !bytes.Equal(top.delivered[0], payload) {
		t.Fatalf("delivered = %q, want %q", top.delivered[0], payload)
	}

	if top.a.Links.MyDegree() == 0 {
		t.Fatalf("A's link cache learned nothing from the discovered route")
	}
}

// TestRepeatedSubmitsBackOffBeforeRouteIsFound exercises spec.md §4.5's
// request-table backoff as seen end-to-end from va_submit: two packets
// queued for the same still-unresolved destination in close succession
// must originate only one Route Request between them, not two.
func TestRepeatedSubmitsBackOffBeforeRouteIsFound(t *testing.T) {
	top := newChainTopology(t)
	top.tick(0)

	if err := top.a.Submit(top.addrC, []byte("first")); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if got := top.a.Broadcast.Len(); got != 1 {
		t.Fatalf("Broadcast.Len() = %d after first Submit, want 1", got)
	}

	if err := top.a.Submit(top.addrC, []byte("second")); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if got := top.a.Broadcast.Len(); got != 1 {
		t.Fatalf("Broadcast.Len() = %d after second Submit, want still 1 (backoff should have suppressed a second flood)", got)
	}
	if got := top.a.SendBuf.Len(); got != 2 {
		t.Fatalf("SendBuf.Len() = %d, want 2 (both packets still queued for a route)", got)
	}
}
