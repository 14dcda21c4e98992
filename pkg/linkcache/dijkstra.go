package linkcache

import (
	"container/heap"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
	"github.com/lqsrnet/meshcore/pkg/metric"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// MaxQueueDepth bounds the number of outstanding sends per outgoing
// interface (spec.md §4.3 "LinkCacheUseSR ... QueueFull").
const MaxQueueDepth = 64

// dijkstra runs single-source shortest-path from self, using the
// engine's PathMetric aggregator rather than a plain distance sum so
// non-additive metrics (WCETT) are evaluated correctly (spec.md §4.3).
// It returns, for every reachable node, the ordered list of links from
// self to that node.
func (c *Cache) dijkstra() map[common.Addr][]*Link {
	dist := map[common.Addr]uint64{c.self: 0}
	prevLink := map[common.Addr]*Link{}
	prevAddr := map[common.Addr]common.Addr{}
	visited := map[common.Addr]bool{}

	pq := &addrHeap{{addr: c.self, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(addrDist)
		if visited[cur.addr] {
			continue
		}
		visited[cur.addr] = true

		n, ok := c.nodes[cur.addr]
		if !ok {
			continue
		}
		// Reconstruct the accumulated per-link metric slice for cur.addr
		// by walking prevLink back to self, then append each neighbor.
		pathLinks := reconstructLinks(cur.addr, prevLink, prevAddr, c.self)

		for _, link := range n.out {
			if c.engine.IsInfinite(link.Metric) {
				continue
			}
			candidateLinks := append(append([]*Link{}, pathLinks...), link)
			candidateMetric := c.engine.PathMetric(linkMetrics(candidateLinks))
			if existing, ok := dist[link.To]; !ok || candidateMetric < existing {
				dist[link.To] = candidateMetric
				prevLink[link.To] = link
				prevAddr[link.To] = cur.addr
				heap.Push(pq, addrDist{addr: link.To, dist: candidateMetric})
			}
		}
	}

	result := make(map[common.Addr][]*Link)
	for addr := range dist {
		if addr == c.self {
			continue
		}
		result[addr] = reconstructLinks(addr, prevLink, prevAddr, c.self)
	}
	return result
}

func reconstructLinks(addr common.Addr, prevLink map[common.Addr]*Link, prevAddr map[common.Addr]common.Addr, self common.Addr) []*Link {
	if addr == self {
		return nil
	}
	link, ok := prevLink[addr]
	if !ok {
		return nil
	}
	prefix := reconstructLinks(prevAddr[addr], prevLink, prevAddr, self)
	return append(append([]*Link{}, prefix...), link)
}

func linkMetrics(links []*Link) []metric.LinkMetric {
	out := make([]metric.LinkMetric, len(links))
	for i, l := range links {
		out[i] = l.Metric
	}
	return out
}

type addrDist struct {
	addr common.Addr
	dist uint64
}

type addrHeap []addrDist

func (h addrHeap) Len() int            { return len(h) }
func (h addrHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h addrHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *addrHeap) Push(x interface{}) { *h = append(*h, x.(addrDist)) }
func (h *addrHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// FillSR computes the shortest path from self to dest and serializes it
// into a SOURCE_ROUTE option (spec.md §4.3 "LinkCacheFillSR").
func (c *Cache) FillSR(dest common.Addr, now common.Tick) (*wire.SourceRoute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[dest]
	if ok && n.cachedHops != nil {
		if c.pathStillValid(n, now) {
			return c.serialize(n.cachedHops)
		}
	}

	paths := c.dijkstra()
	links, ok := paths[dest]
	if !ok || len(links) == 0 {
		return nil, lqsrerr.ErrNoRoute
	}
	if len(links) > wire.MaxHops {
		return nil, lqsrerr.ErrNoRoute
	}

	destNode := c.nodeLocked(dest)
	prevMetric := destNode.cachedMetric
	destNode.cachedHops = links
	destNode.cachedMetric = c.engine.PathMetric(linkMetrics(links))
	destNode.cachedAt = now
	if destNode.firstUsage == 0 {
		destNode.firstUsage = now
	}
	destNode.routeChanges++
	c.changeLog.AppendRoute(RouteChange{
		Timestamp: now, Dest: dest, Metric: destNode.cachedMetric,
		PrevMetric: prevMetric, Hops: links,
	})

	return c.serialize(links)
}

// pathStillValid re-evaluates a cached path's live metric against its
// stored metric within damping tolerance (spec.md §4.3 "LinkCacheFillSR
// ... within damping tolerance").
func (c *Cache) pathStillValid(n *node, now common.Tick) bool {
	for _, link := range n.cachedHops {
		if c.engine.IsInfinite(link.Metric) {
			return false
		}
	}
	live := c.engine.PathMetric(linkMetrics(n.cachedHops))
	if c.damping == 0 {
		return live == n.cachedMetric
	}
	delta := live - n.cachedMetric
	if live < n.cachedMetric {
		delta = n.cachedMetric - live
	}
	return uint32(delta) < c.damping
}

func (c *Cache) serialize(links []*Link) (*wire.SourceRoute, error) {
	hopList := make([]wire.SRAddr, len(links))
	for i, l := range links {
		hopList[i] = wire.SRAddr{Addr: l.To, InIf: uint8(l.InIf), OutIf: uint8(l.OutIf), Metric: l.Metric}
	}
	return &wire.SourceRoute{
		StaticRoute:  false,
		SalvageCount: 0,
		SegmentsLeft: uint8(len(hopList) - 1),
		HopList:      hopList,
	}, nil
}

// UseSR implements spec.md §4.3's "LinkCacheUseSR": increments per-link
// usage counters along the route, refreshes per-hop metric fields from
// the live link cache, and enforces the outgoing-interface queue bound.
func (c *Cache) UseSR(from common.Addr, sr *wire.SourceRoute, outstanding func(common.IfIndex) int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := from
	for i := range sr.HopList {
		hop := &sr.HopList[i]
		n, ok := c.nodes[prev]
		if !ok {
			continue
		}
		id := linkID{to: hop.Addr, inIf: common.IfIndex(hop.InIf), outIf: common.IfIndex(hop.OutIf)}
		link, ok := n.out[id]
		if !ok {
			prev = hop.Addr
			continue
		}
		link.Usage++
		hop.Metric = link.Metric
		if outstanding != nil && outstanding(link.OutIf) >= MaxQueueDepth {
			return lqsrerr.ErrQueueFull
		}
		prev = hop.Addr
	}
	return nil
}

// UpdateRR fills the metric of the last hop (the link from the previous
// forwarder to us) from our neighbor link cache, before rebroadcasting a
// Route Request (spec.md §4.3 "LinkCacheUpdateRR").
func (c *Cache) UpdateRR(req *wire.RouteRequest, inIf common.IfIndex) {
	if len(req.HopList) == 0 {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	last := &req.HopList[len(req.HopList)-1]
	n, ok := c.nodes[last.Addr]
	if !ok {
		return
	}
	id := linkID{to: c.self, inIf: inIf, outIf: common.IfIndex(last.OutIf)}
	if link, ok := n.out[id]; ok {
		last.Metric = link.Metric
	}
}
