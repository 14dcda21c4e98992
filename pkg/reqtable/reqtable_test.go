package reqtable

import (
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
)

func addr(b byte) common.Addr { return common.Addr{0, 0, 0, 0, 0, b} }

func TestShouldSendFirstAlwaysAllowed(t *testing.T) {
	tbl := New(0)
	_, ok := tbl.ShouldSend(addr(1), 0)
	if !ok {
		t.Fatalf("first request for a target should always be allowed")
	}
}

func TestShouldSendBacksOffExponentially(t *testing.T) {
	tbl := New(0)
	target := addr(1)

	if _, ok := tbl.ShouldSend(target, 0); !ok {
		t.Fatalf("first send should succeed")
	}
	if _, ok := tbl.ShouldSend(target, 1); ok {
		t.Fatalf("second send immediately after should be suppressed by backoff")
	}
	if _, ok := tbl.ShouldSend(target, FirstBackoff+1); !ok {
		t.Fatalf("send after FirstBackoff elapsed should succeed")
	}
	// Now backoff=2, so next timeout is FirstBackoff*2.
	if _, ok := tbl.ShouldSend(target, FirstBackoff+1+FirstBackoff); ok {
		t.Fatalf("send before doubled backoff elapsed should be suppressed")
	}
}

func TestReceivedReplyResetsBackoff(t *testing.T) {
	tbl := New(0)
	target := addr(1)
	tbl.ShouldSend(target, 0)
	tbl.ReceivedReply(target, 1)
	if _, ok := tbl.ShouldSend(target, 2); !ok {
		t.Fatalf("backoff should have been reset to 0 by the reply")
	}
}

func TestSuppressDeduplicatesSameTargetIdentifier(t *testing.T) {
	tbl := New(0)
	src, target := addr(1), addr(2)
	if tbl.Suppress(src, target, 42, 0) {
		t.Fatalf("first sighting of a (target, id) pair should not be suppressed")
	}
	if !tbl.Suppress(src, target, 42, 1) {
		t.Fatalf("repeated (target, id) pair should be suppressed")
	}
	if tbl.Suppress(src, target, 43, 2) {
		t.Fatalf("a different identifier should not be suppressed")
	}
}

func TestSuppressRingEvictsOldestEntry(t *testing.T) {
	tbl := New(0)
	src := addr(1)
	for i := 0; i < NumDuplicateSuppress; i++ {
		tbl.Suppress(src, addr(2), uint32(i), common.Tick(i))
	}
	// The very first identifier (0) should now be evicted by the ring
	// wrapping around after NumDuplicateSuppress entries.
	tbl.Suppress(src, addr(2), uint32(NumDuplicateSuppress), common.Tick(NumDuplicateSuppress))
	if tbl.Suppress(src, addr(2), 0, common.Tick(NumDuplicateSuppress+1)) {
		t.Fatalf("identifier 0 should have been evicted from the ring")
	}
}
