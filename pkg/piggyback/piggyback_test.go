package piggyback

import (
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

func addr(b byte) common.Addr { return common.Addr{0, 0, 0, 0, 0, b} }

func TestSendOptionCoalescesDuplicateKey(t *testing.T) {
	c := New()
	ack := wire.Ack{ID: 1, From: addr(1), To: addr(2)}
	c.SendOption(addr(2), "ack:1:2:0:0:1", ack, AckDelay)
	c.SendOption(addr(2), "ack:1:2:0:0:1", ack, AckDelay)

	if c.Pending(addr(2)) != 1 {
		t.Fatalf("Pending = %d, want 1 after duplicate SendOption", c.Pending(addr(2)))
	}
}

func TestDrainForPacketRespectsBudget(t *testing.T) {
	c := New()
	ack1 := wire.Ack{ID: 1, From: addr(1), To: addr(2)}
	ack2 := wire.Ack{ID: 2, From: addr(1), To: addr(2)}
	c.SendOption(addr(2), "a", ack1, 0)
	c.SendOption(addr(2), "b", ack2, 0)

	// Each Ack option costs optionHeaderLen(3) + Len()(16) = 19 bytes.
	drained := c.DrainForPacket(addr(2), 19)
	if len(drained) != 1 {
		t.Fatalf("expected exactly 1 option to fit the budget, got %d", len(drained))
	}
	if c.Pending(addr(2)) != 1 {
		t.Fatalf("expected 1 option left pending, got %d", c.Pending(addr(2)))
	}
}

func TestDrainForPacketEmptiesFullyServedDestination(t *testing.T) {
	c := New()
	ack := wire.Ack{ID: 1, From: addr(1), To: addr(2)}
	c.SendOption(addr(2), "a", ack, 0)

	drained := c.DrainForPacket(addr(2), 1024)
	if len(drained) != 1 {
		t.Fatalf("expected 1 option drained, got %d", len(drained))
	}
	if c.Pending(addr(2)) != 0 {
		t.Fatalf("expected no options left pending, got %d", c.Pending(addr(2)))
	}
}

func TestTimeoutFlushesExpiredOnly(t *testing.T) {
	c := New()
	ack := wire.Ack{ID: 1, From: addr(1), To: addr(2)}
	reply := wire.Ack{ID: 2, From: addr(1), To: addr(3)}
	c.SendOption(addr(2), "a", ack, 10)
	c.SendOption(addr(3), "b", reply, 1000)

	expired := c.Timeout(20)
	if len(expired) != 1 || expired[0].Dest != addr(2) {
		t.Fatalf("expected only addr(2)'s option to have expired, got %+v", expired)
	}
	if c.Pending(addr(2)) != 0 {
		t.Fatalf("expired option should be removed from pending")
	}
	if c.Pending(addr(3)) != 1 {
		t.Fatalf("unexpired option for addr(3) should remain pending")
	}
}
