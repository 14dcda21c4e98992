package linkcache

import "github.com/lqsrnet/meshcore/pkg/common"

// NumLinkChangeRecords and NumRouteChangeRecords bound the circular
// change logs (spec.md §4.3: "circular change log (1024 link changes,
// 1024 route changes)"), matching linkcache.h's
// NUM_LINKCHANGE_RECORDS/NUM_ROUTECHANGE_RECORDS.
const (
	NumLinkChangeRecords  = 1024
	NumRouteChangeRecords = 1024
)

// LinkChange is one change-log record (spec.md §4.3 "link change log").
type LinkChange struct {
	Timestamp   common.Tick
	From, To    common.Addr
	InIf, OutIf common.IfIndex
	Metric      uint32
	Reason      Reason
}

// RouteChange is one route-change-log record: a new or withdrawn cached
// path to a destination.
type RouteChange struct {
	Timestamp  common.Tick
	Dest       common.Addr
	Metric     uint64
	PrevMetric uint64
	Hops       []*Link // nil means the route was withdrawn
}

// Log is the pair of bounded circular change logs the cache keeps for
// Control Plane retrieval (spec.md §6 operation 12 "retrieve the
// link-change log and route-change log").
type Log struct {
	links      [NumLinkChangeRecords]LinkChange
	nextLink   int
	linkCount  int

	routes     [NumRouteChangeRecords]RouteChange
	nextRoute  int
	routeCount int
}

// AppendLink records a link change, overwriting the oldest entry once
// the ring is full.
func (l *Log) AppendLink(c LinkChange) {
	l.links[l.nextLink] = c
	l.nextLink = (l.nextLink + 1) % NumLinkChangeRecords
	if l.linkCount < NumLinkChangeRecords {
		l.linkCount++
	}
}

// AppendRoute records a route change, overwriting the oldest entry once
// the ring is full.
func (l *Log) AppendRoute(c RouteChange) {
	l.routes[l.nextRoute] = c
	l.nextRoute = (l.nextRoute + 1) % NumRouteChangeRecords
	if l.routeCount < NumRouteChangeRecords {
		l.routeCount++
	}
}

// LinkChanges returns the recorded link changes in chronological order,
// oldest first, starting at the given iteration index (Control Plane
// operation 12's "iteration index").
func (l *Log) LinkChanges(from int) []LinkChange {
	if from < 0 {
		from = 0
	}
	out := make([]LinkChange, 0, l.linkCount)
	start := (l.nextLink - l.linkCount + NumLinkChangeRecords) % NumLinkChangeRecords
	for i := 0; i < l.linkCount; i++ {
		if i < from {
			continue
		}
		out = append(out, l.links[(start+i)%NumLinkChangeRecords])
	}
	return out
}

// RouteChanges returns the recorded route changes in chronological
// order, oldest first, starting at the given iteration index.
func (l *Log) RouteChanges(from int) []RouteChange {
	if from < 0 {
		from = 0
	}
	out := make([]RouteChange, 0, l.routeCount)
	start := (l.nextRoute - l.routeCount + NumRouteChangeRecords) % NumRouteChangeRecords
	for i := 0; i < l.routeCount; i++ {
		if i < from {
			continue
		}
		out = append(out, l.routes[(start+i)%NumRouteChangeRecords])
	}
	return out
}

// LinkChanges exposes the cache's link-change log to the Control Plane.
func (c *Cache) LinkChanges(from int) []LinkChange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changeLog.LinkChanges(from)
}

// RouteChanges exposes the cache's route-change log to the Control
// Plane.
func (c *Cache) RouteChanges(from int) []RouteChange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changeLog.RouteChanges(from)
}
