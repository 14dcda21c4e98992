package neighbor

import (
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
)

func TestLearnLookupFlush(t *testing.T) {
	c := New()
	peer, _ := common.ParseAddr("06-07-08-09-0a-0b")
	phys, _ := common.ParseAddr("aa-bb-cc-dd-ee-ff")

	if _, ok := c.Lookup(peer, 1); ok {
		t.Fatal("expected miss before Learn")
	}

	c.Learn(peer, 1, phys, 100)
	e, ok := c.Lookup(peer, 1)
	if !ok || e.PhysAddr != phys {
		t.Fatalf("expected to find entry, got %+v ok=%v", e, ok)
	}

	c.Flush(peer, 1)
	if _, ok := c.Lookup(peer, 1); ok {
		t.Fatal("expected miss after Flush")
	}
}

func TestFlushInterface(t *testing.T) {
	c := New()
	a, _ := common.ParseAddr("00-00-00-00-00-01")
	b, _ := common.ParseAddr("00-00-00-00-00-02")
	phys, _ := common.ParseAddr("aa-bb-cc-dd-ee-ff")

	c.Learn(a, 1, phys, 0)
	c.Learn(b, 2, phys, 0)
	c.FlushInterface(1)

	if _, ok := c.Lookup(a, 1); ok {
		t.Fatal("expected entry on interface 1 to be flushed")
	}
	if _, ok := c.Lookup(b, 2); !ok {
		t.Fatal("expected entry on interface 2 to remain")
	}
}
