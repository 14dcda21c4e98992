package maintbuf

import (
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

func addr(b byte) common.Addr { return common.Addr{0, 0, 0, 0, 0, b} }

func directRoute(to common.Addr) *wire.SourceRoute {
	return &wire.SourceRoute{
		SegmentsLeft: 0,
		HopList:      []wire.SRAddr{{Addr: to, InIf: 1, OutIf: 1}},
	}
}

func TestSendPacketRequestsAckAndRetainsPacket(t *testing.T) {
	b := New()
	pkt := &Packet{SR: directRoute(addr(2)), Dest: addr(2)}
	var sentAck uint16
	var completed bool
	b.SendPacket(pkt, 0, func(p *Packet, ack uint16) { sentAck = ack }, func(p *Packet, err error) { completed = true })

	if sentAck != 0 {
		t.Fatalf("first ack id = %d, want 0", sentAck)
	}
	if completed {
		t.Fatalf("packet should remain retained, not completed immediately")
	}
	if b.Stats().NumPackets != 1 {
		t.Fatalf("NumPackets = %d, want 1", b.Stats().NumPackets)
	}
}

func TestRecvAckReleasesUpToAckedID(t *testing.T) {
	b := New()
	var completedErrs []error
	done := func(p *Packet, err error) { completedErrs = append(completedErrs, err) }

	for i := 0; i < 3; i++ {
		pkt := &Packet{SR: directRoute(addr(2)), Dest: addr(2)}
		b.SendPacket(pkt, common.Tick(i), func(*Packet, uint16) {}, done)
	}
	if b.Stats().NumPackets != 3 {
		t.Fatalf("NumPackets = %d, want 3", b.Stats().NumPackets)
	}

	b.RecvAck(addr(2), 1, 1, 1, 10) // acks ids 0 and 1

	if len(completedErrs) != 2 {
		t.Fatalf("expected 2 packets released, got %d", len(completedErrs))
	}
	for _, err := range completedErrs {
		if err != nil {
			t.Fatalf("released packet should complete with nil error, got %v", err)
		}
	}
	if b.Stats().NumPackets != 1 {
		t.Fatalf("NumPackets = %d, want 1 remaining", b.Stats().NumPackets)
	}
}

func TestRecvAckWraparound(t *testing.T) {
	b := New()
	key := nodeKey{addr: addr(2), inIf: 1, outIf: 1}
	n := newNode(addr(2), 1, 1)
	n.nextAckNum = 0xFFFE
	n.lastAckNum = 0xFFFD
	b.nodes[key] = n

	var released []error
	done := func(p *Packet, err error) { released = append(released, err) }
	for i := 0; i < 3; i++ {
		pkt := &Packet{SR: directRoute(addr(2)), Dest: addr(2)}
		b.SendPacket(pkt, common.Tick(i), func(*Packet, uint16) {}, done)
	}
	if n.nextAckNum != 1 { // 0xFFFE, 0xFFFF, 0x0000 issued -> next is 0x0001
		t.Fatalf("nextAckNum = %#x, want 0x0001", n.nextAckNum)
	}

	b.RecvAck(addr(2), 1, 1, 0x0000, 10)

	if len(released) != 3 {
		t.Fatalf("expected all 3 packets released across the wraparound, got %d", len(released))
	}
}

func TestTickDeclaresLinkFailedAfterTimeout(t *testing.T) {
	b := New()
	pkt := &Packet{SR: directRoute(addr(2)), Dest: addr(2)}
	b.SendPacket(pkt, 0, func(*Packet, uint16) {}, func(*Packet, error) {})

	failedLinks, failed := b.Tick(LinkTimeout+1, func(*Packet, uint16) {})

	if len(failedLinks) != 1 || failedLinks[0].Addr != addr(2) {
		t.Fatalf("expected link to addr(2) to be declared failed, got %+v", failedLinks)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed packet, got %d", len(failed))
	}
	if b.Stats().NumPackets != 0 {
		t.Fatalf("NumPackets = %d, want 0 after failure drains the queue", b.Stats().NumPackets)
	}
}

func TestTickRetransmitsBeforeDeadline(t *testing.T) {
	b := New()
	pkt := &Packet{SR: directRoute(addr(2)), Dest: addr(2)}
	b.SendPacket(pkt, 0, func(*Packet, uint16) {}, func(*Packet, error) {})

	var retransmitted *Packet
	failedLinks, _ := b.Tick(RexmitTimeout+1, func(p *Packet, ack uint16) { retransmitted = p })

	if len(failedLinks) != 0 {
		t.Fatalf("link should not have failed yet, got %+v", failedLinks)
	}
	if retransmitted != pkt {
		t.Fatalf("expected the queued packet to be retransmitted")
	}
}

func TestTickReapsIdleNode(t *testing.T) {
	b := New()
	b.RecvAck(addr(2), 1, 1, 5, 0) // invalid ack just to create the node, lastAckReq stays 0
	b.Tick(IdleTimeout+1, func(*Packet, uint16) {})

	if _, ok := b.nodes[nodeKey{addr: addr(2), inIf: 1, outIf: 1}]; ok {
		t.Fatalf("idle node should have been reaped")
	}
}

func TestSalvageRejectsSameNextHop(t *testing.T) {
	b := New()
	pkt := &Packet{SR: directRoute(addr(2)), Dest: addr(9)}

	fillSR := func(dest common.Addr, now common.Tick) (*wire.SourceRoute, error) {
		return directRoute(addr(2)), nil // same next hop as before
	}
	useSR := func(*wire.SourceRoute) error { return nil }

	var completeErr error
	b.Salvage(pkt, 0, fillSR, useSR, func(*Packet, uint16) {}, func(p *Packet, err error) { completeErr = err })

	if completeErr == nil {
		t.Fatalf("expected salvage to fail when the new route uses the same next hop")
	}
}

func TestSalvageSendsOnAlternateRoute(t *testing.T) {
	b := New()
	pkt := &Packet{SR: directRoute(addr(2)), Dest: addr(9)}

	fillSR := func(dest common.Addr, now common.Tick) (*wire.SourceRoute, error) {
		return directRoute(addr(3)), nil // different next hop
	}
	useSR := func(*wire.SourceRoute) error { return nil }

	var sent bool
	b.Salvage(pkt, 0, fillSR, useSR, func(*Packet, uint16) { sent = true }, func(*Packet, error) {})

	if !sent {
		t.Fatalf("expected the packet to be retransmitted via the alternate route")
	}
	if pkt.SR.SalvageCount != 1 {
		t.Fatalf("SalvageCount = %d, want 1", pkt.SR.SalvageCount)
	}
}
