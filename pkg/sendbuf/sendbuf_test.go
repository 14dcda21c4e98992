package sendbuf

import (
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

func addr(b byte) common.Addr { return common.Addr{0, 0, 0, 0, 0, b} }

type fakeCallbacks struct {
	routed     map[common.Addr]bool
	queueFull  map[common.Addr]bool
	sent       []*Packet
	completed  []error
	requestsOK bool
	requested  []common.Addr
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{
		routed:    map[common.Addr]bool{},
		queueFull: map[common.Addr]bool{},
	}
}

func (f *fakeCallbacks) FillSR(dest common.Addr, now common.Tick) (*wire.SourceRoute, error) {
	if f.routed[dest] {
		return &wire.SourceRoute{}, nil
	}
	return nil, lqsrerr.ErrNoRoute
}

func (f *fakeCallbacks) UseSR(sr *wire.SourceRoute) error {
	return nil
}

func (f *fakeCallbacks) Send(pkt *Packet, sr *wire.SourceRoute) {
	f.sent = append(f.sent, pkt)
}

func (f *fakeCallbacks) Complete(pkt *Packet, err error) {
	f.completed = append(f.completed, err)
}

func (f *fakeCallbacks) RequestSend(dest common.Addr, now common.Tick) (uint32, bool) {
	f.requested = append(f.requested, dest)
	return 1, f.requestsOK
}

func (f *fakeCallbacks) SendRouteRequest(dest common.Addr, id uint32) {}

func TestInsertTriggersRouteRequest(t *testing.T) {
	b := New(0)
	cb := newFakeCallbacks()
	cb.requestsOK = true
	b.Insert(&Packet{Dest: addr(2)}, 0, cb)
	if len(cb.requested) != 1 || cb.requested[0] != addr(2) {
		t.Fatalf("expected a Route Request for addr(2), got %v", cb.requested)
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
}

func TestInsertEvictsOldestWhenFull(t *testing.T) {
	b := New(2)
	cb := newFakeCallbacks()
	b.Insert(&Packet{Dest: addr(2)}, 0, cb)
	b.Insert(&Packet{Dest: addr(3)}, 1, cb)
	b.Insert(&Packet{Dest: addr(4)}, 2, cb)

	if len(cb.completed) != 1 || cb.completed[0] != lqsrerr.ErrResources {
		t.Fatalf("expected the oldest packet to be completed with ErrResources, got %v", cb.completed)
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
}

func TestCheckMovesRoutedPacketToSend(t *testing.T) {
	b := New(0)
	cb := newFakeCallbacks()
	b.Insert(&Packet{Dest: addr(2)}, 0, cb)

	cb.routed[addr(2)] = true
	b.Check(1, cb)

	if len(cb.sent) != 1 {
		t.Fatalf("expected 1 packet sent, got %d", len(cb.sent))
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after routed packet is drained", b.Len())
	}
}

func TestCheckCompletesTimedOutPacket(t *testing.T) {
	b := New(0)
	cb := newFakeCallbacks()
	pkt := &Packet{Dest: addr(2)}
	b.Insert(pkt, 0, cb)
	pkt.Timeout = 0 // force expiry

	b.Check(1, cb)

	if len(cb.completed) != 1 || cb.completed[0] != lqsrerr.ErrNoRoute {
		t.Fatalf("expected timed-out packet to complete with ErrNoRoute, got %v", cb.completed)
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
}

func TestCheckRequeuesUnroutedPacketInTimeoutOrder(t *testing.T) {
	b := New(0)
	cb := newFakeCallbacks()
	cb.requestsOK = false

	first := &Packet{Dest: addr(2)}
	b.Insert(first, 0, cb)
	first.Timeout = 100

	second := &Packet{Dest: addr(3)}
	b.Insert(second, 1, cb)
	second.Timeout = 50 // earlier timeout than first, inserted later

	b.Check(2, cb)

	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (both still unrouted, not timed out)", b.Len())
	}
	if b.packets[0] != second || b.packets[1] != first {
		t.Fatalf("expected strict timeout order after requeue, got dest order %v, %v",
			b.packets[0].Dest, b.packets[1].Dest)
	}
}

func TestResetStatisticsClampsToCurrentDepth(t *testing.T) {
	b := New(0)
	cb := newFakeCallbacks()
	b.Insert(&Packet{Dest: addr(2)}, 0, cb)
	b.Insert(&Packet{Dest: addr(3)}, 0, cb)
	if b.HighWater() != 2 {
		t.Fatalf("HighWater = %d, want 2", b.HighWater())
	}
	b.Check(0, cb) // neither times out yet: Insert set each Timeout to now+DefaultTimeout
	b.ResetStatistics()
	if b.HighWater() != b.Len() {
		t.Fatalf("HighWater = %d, want %d after reset", b.HighWater(), b.Len())
	}
}
