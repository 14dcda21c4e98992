package linkcache

import (
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/metric"
)

func addr(b byte) common.Addr { return common.Addr{0, 0, 0, 0, 0, b} }

func newTestCache() *Cache {
	self := addr(1)
	c := New(self, metric.New(metric.TypeHop, metric.Params{}), 0, 0)
	c.AddInterface(1)
	return c
}

func TestFillSRDirectLink(t *testing.T) {
	c := newTestCache()
	now := common.Tick(1)
	if err := c.AddLink(addr(1), addr(2), 1, 1, 1, ReasonAddManual, now); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	sr, err := c.FillSR(addr(2), now)
	if err != nil {
		t.Fatalf("FillSR: %v", err)
	}
	if len(sr.HopList) != 1 || sr.HopList[0].Addr != addr(2) {
		t.Fatalf("unexpected hop list: %+v", sr.HopList)
	}
	if sr.SegmentsLeft != 0 {
		t.Fatalf("SegmentsLeft = %d, want 0", sr.SegmentsLeft)
	}
}

func TestFillSRMultiHopShortestPath(t *testing.T) {
	c := newTestCache()
	now := common.Tick(1)
	// self -> 2 -> 4 (2 hops) vs a longer detour self -> 5 -> 6 -> 4
	// (3 hops).
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}
	must(c.AddLink(addr(1), addr(2), 1, 1, 1, ReasonAddManual, now))
	must(c.AddLink(addr(2), addr(4), 1, 1, 1, ReasonAddSnoopReply, now))
	must(c.AddLink(addr(1), addr(5), 1, 1, 1, ReasonAddManual, now))
	must(c.AddLink(addr(5), addr(6), 1, 1, 1, ReasonAddSnoopReply, now))
	must(c.AddLink(addr(6), addr(4), 1, 1, 1, ReasonAddSnoopReply, now))

	sr, err := c.FillSR(addr(4), now)
	if err != nil {
		t.Fatalf("FillSR: %v", err)
	}
	if len(sr.HopList) != 2 {
		t.Fatalf("expected the 2-hop path via node 2, got %d hops", len(sr.HopList))
	}
	if sr.HopList[0].Addr != addr(2) {
		t.Fatalf("expected first hop to be node 2, got %v", sr.HopList[0].Addr)
	}
}

func TestFillSRNoRoute(t *testing.T) {
	c := newTestCache()
	if _, err := c.FillSR(addr(9), 1); err == nil {
		t.Fatalf("expected ErrNoRoute for an unreachable destination")
	}
}

func TestAddLinkDampingSuppressesInsignificantChange(t *testing.T) {
	self := addr(1)
	c := New(self, metric.New(metric.TypeHop, metric.Params{}), 5, 1000)
	c.AddInterface(1)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}
	must(c.AddLink(addr(1), addr(2), 1, 1, 10, ReasonAddManual, 1))
	must(c.AddLink(addr(1), addr(2), 1, 1, 11, ReasonAddSnoopReply, 2)) // delta=1 < threshold=5, recent

	m, ok := c.LookupMetric(addr(1), addr(2), 1, 1)
	if !ok {
		t.Fatalf("expected link to exist")
	}
	if m != 10 {
		t.Fatalf("metric = %d, want damped-away update to leave it at 10", m)
	}
	if c.Stats().Insignificant == 0 {
		t.Fatalf("expected an insignificant-change count")
	}
}

func TestDeleteInterfaceRemovesAdjacentLinks(t *testing.T) {
	c := newTestCache()
	c.AddInterface(2)
	now := common.Tick(1)
	if err := c.AddLink(addr(1), addr(2), 1, 1, 1, ReasonAddManual, now); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := c.AddLink(addr(1), addr(3), 2, 2, 1, ReasonAddManual, now); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	c.DeleteInterface(1, now+1)

	if _, ok := c.LookupMetric(addr(1), addr(2), 1, 1); ok {
		t.Fatalf("link on deleted interface should be gone")
	}
	if _, ok := c.LookupMetric(addr(1), addr(3), 2, 2); !ok {
		t.Fatalf("link on untouched interface should survive")
	}
}

func TestLinkChangeLogRecordsReason(t *testing.T) {
	c := newTestCache()
	now := common.Tick(1)
	if err := c.AddLink(addr(1), addr(2), 1, 1, 1, ReasonAddManual, now); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	changes := c.LinkChanges(0)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change-log entry, got %d", len(changes))
	}
	if changes[0].Reason != ReasonAddManual {
		t.Fatalf("Reason = %v, want ReasonAddManual", changes[0].Reason)
	}
}

func TestPenalizeLinkIncreasesMetric(t *testing.T) {
	c := newTestCache()
	now := common.Tick(1)
	if err := c.AddLink(addr(1), addr(2), 1, 1, 1, ReasonAddManual, now); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	before, _ := c.LookupMetric(addr(1), addr(2), 1, 1)
	c.PenalizeLink(addr(1), addr(2), 1, 1, now+1)
	after, _ := c.LookupMetric(addr(1), addr(2), 1, 1)
	if after <= before {
		t.Fatalf("PenalizeLink: metric %d did not increase from %d", after, before)
	}
}
