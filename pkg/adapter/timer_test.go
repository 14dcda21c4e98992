package adapter

import (
	"math/rand"
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/linkcache"
	"github.com/lqsrnet/meshcore/pkg/linklayer"
)

func TestTickFloodsLinkInfoPeriodically(t *testing.T) {
	medium := linklayer.NewMedium()
	a := addr(1)
	b := addr(2)

	linkA := linklayer.NewFakeLinkLayer(medium, a, rand.New(rand.NewSource(10)))
	linkB := linklayer.NewFakeLinkLayer(medium, b, rand.New(rand.NewSource(11)))

	vaA := newTestAdapter(t, "a", a, linkA, 10)
	vaB := newTestAdapter(t, "b", b, linkB, 11)

	linkA.AddInterface(linklayer.InterfaceInfo{Index: 0})
	linkB.AddInterface(linklayer.InterfaceInfo{Index: 0})
	vaA.OnInterfaceAdded(linklayer.InterfaceInfo{Index: 0})
	vaB.OnInterfaceAdded(linklayer.InterfaceInfo{Index: 0})

	if err := vaA.Links.AddLink(a, b, 0, 0, 1, linkcache.ReasonAddManual, 0); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	vaA.SetClock(0)
	vaB.SetClock(0)

	vaA.Tick(0)
	if next := vaA.tickLinkInfo(0); next != LinkInfoPeriod {
		t.Fatalf("tickLinkInfo should not schedule sooner than LinkInfoPeriod, got next=%d", next)
	}

	// B should now know about the a->b link it snooped from the flood.
	if vaB.Links.MyDegree() != 0 {
		t.Fatalf("MyDegree tracks outgoing links, not inbound snoops; want 0, got %d", vaB.Links.MyDegree())
	}
	if _, ok := vaB.Links.LookupMetric(a, b, 0, 0); !ok {
		t.Fatalf("expected B's link cache to have learned a->b from the LinkInfo flood")
	}
}

func TestTickBroadcastDrainsQueuedRouteRequest(t *testing.T) {
	medium := linklayer.NewMedium()
	a := addr(1)
	linkA := linklayer.NewFakeLinkLayer(medium, a, rand.New(rand.NewSource(12)))
	vaA := newTestAdapter(t, "a", a, linkA, 12)
	linkA.AddInterface(linklayer.InterfaceInfo{Index: 0})
	vaA.OnInterfaceAdded(linklayer.InterfaceInfo{Index: 0})

	vaA.SendRouteRequest(addr(9), 1)
	if vaA.Broadcast.Len() != 1 {
		t.Fatalf("Broadcast.Len() = %d, want 1 after SendRouteRequest", vaA.Broadcast.Len())
	}

	vaA.tickBroadcast(common.TicksPerSecond)
	if vaA.Broadcast.Len() != 0 {
		t.Fatalf("Broadcast.Len() = %d after tickBroadcast, want 0", vaA.Broadcast.Len())
	}
}
