// Package linkcache implements the link cache graph of spec.md §4.3:
// an indexed graph of known unidirectional links, Dijkstra-based
// shortest source-route computation, route-flap damping, and circular
// link/route change logs. Grounded on
// _examples/original_source/Etx/src/mcl/sys/linkcache.h (CacheNode,
// Link, LinkChange/RouteChange record shapes) and on the teacher's
// sync.RWMutex-guarded, stats-counter-alongside-state shape in
// pkg/swarm.MemoryStorage.
package linkcache

import (
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
	"github.com/lqsrnet/meshcore/pkg/metric"
)

// Reason records why a link was added, updated, or removed, mirroring
// linkcache.h's LinkChange.Reason values verbatim (spec.md §4.3).
type Reason int

const (
	ReasonDeleteTimeout Reason = iota
	ReasonDeleteManual
	ReasonDeleteInterface
	ReasonError
	ReasonSnoopError
	ReasonPenalized
	ReasonAddManual
	ReasonAddReply
	ReasonAddSnoopReply
	ReasonAddSnoopSR
	ReasonAddSnoopRequest
	ReasonAddProbe
	ReasonAddLinkInfo
)

func (r Reason) String() string {
	switch r {
	case ReasonDeleteTimeout:
		return "delete-timeout"
	case ReasonDeleteManual:
		return "delete-manual"
	case ReasonDeleteInterface:
		return "delete-interface"
	case ReasonError:
		return "error"
	case ReasonSnoopError:
		return "snoop-error"
	case ReasonPenalized:
		return "penalized"
	case ReasonAddManual:
		return "add-manual"
	case ReasonAddReply:
		return "add-reply"
	case ReasonAddSnoopReply:
		return "add-snoop-reply"
	case ReasonAddSnoopSR:
		return "add-snoop-sr"
	case ReasonAddSnoopRequest:
		return "add-snoop-request"
	case ReasonAddProbe:
		return "add-probe"
	case ReasonAddLinkInfo:
		return "add-linkinfo"
	default:
		return "unknown"
	}
}

// Link is one unidirectional edge of the graph (spec.md §3 "Link").
type Link struct {
	From, To    common.Addr
	InIf, OutIf common.IfIndex

	Metric    metric.LinkMetric
	Timestamp common.Tick

	Usage            uint64
	Failures         uint32
	DropRatio        uint32 // parts per 1000; Control Plane §6 "artificial drop"
	ArtificialDrops  uint64
	QueueDrops       uint64
}

// node is one cache node; node 0 is always self (spec.md §4.3).
type node struct {
	addr  common.Addr
	out   map[linkID]*Link // keyed by (to, inIf, outIf)
	in    map[linkID]*Link

	cachedHops   []*Link
	cachedMetric uint64
	cachedAt     common.Tick
	firstUsage   common.Tick
	routeChanges uint32
}

type linkID struct {
	to          common.Addr
	inIf, outIf common.IfIndex
}

func newNode(addr common.Addr) *node {
	return &node{addr: addr, out: make(map[linkID]*Link), in: make(map[linkID]*Link)}
}

// Cache is the link cache graph (spec.md §4.3). One Cache per adapter.
type Cache struct {
	mu       sync.RWMutex
	self     common.Addr
	nodes    map[common.Addr]*node
	engine   metric.Engine
	damping  uint32 // route-flap damping threshold; 0 disables
	dampWin  common.Tick
	ifaces   map[common.IfIndex]bool

	smallestMetric uint64
	largestMetric  uint64
	dijkstraDirty  bool

	countInvalidate  uint64
	countInsignificant uint64
	countRouteFlap   uint64
	countRouteFlapDamp uint64

	changeLog Log
}

// New constructs an empty cache rooted at self, using engine to
// initialize and evaluate link metrics.
func New(self common.Addr, engine metric.Engine, dampingThreshold uint32, dampWindow common.Tick) *Cache {
	c := &Cache{
		self:    self,
		nodes:   make(map[common.Addr]*node),
		engine:  engine,
		damping: dampingThreshold,
		dampWin: dampWindow,
		ifaces:  make(map[common.IfIndex]bool),
	}
	c.nodes[self] = newNode(self)
	return c
}

// AddInterface marks a local physical interface as present, so
// self-originated links using it as outIf are accepted (spec.md §4.3
// AddLink step 1).
func (c *Cache) AddInterface(idx common.IfIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ifaces[idx] = true
}

func (c *Cache) nodeLocked(addr common.Addr) *node {
	n, ok := c.nodes[addr]
	if !ok {
		n = newNode(addr)
		c.nodes[addr] = n
	}
	return n
}

// AddLink implements spec.md §4.3's six-step AddLink algorithm.
func (c *Cache) AddLink(from, to common.Addr, inIf, outIf common.IfIndex, newMetric metric.LinkMetric, reason Reason, now common.Tick) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: self-originated links must use a known local interface.
	if from == c.self && !c.ifaces[outIf] {
		return lqsrerr.NewInvalidParameter("outIf", outIf, "known local interface")
	}

	// Step 2: find/insert from and to nodes.
	fromNode := c.nodeLocked(from)
	toNode := c.nodeLocked(to)

	id := linkID{to: to, inIf: inIf, outIf: outIf}

	// Step 3: find matching link tuple; insert with InitLinkMetric if absent.
	link, exists := fromNode.out[id]
	if !exists {
		link = &Link{From: from, To: to, InIf: inIf, OutIf: outIf}
		link.Metric = c.engine.InitLinkMetric(from == c.self, now)
		fromNode.out[id] = link
		toNode.in[linkID{to: from, inIf: outIf, outIf: inIf}] = link
	}

	prevMetric := link.Metric

	// Step 4: route-flap damping.
	if exists && c.damping > 0 {
		delta := metricDelta(prevMetric, newMetric)
		recent := now-link.Timestamp < c.dampWin
		if delta < c.damping && recent {
			c.countInsignificant++
			return nil
		}
		if recent {
			c.countRouteFlap++
		}
	}

	// Step 5: update metric/timestamp, log, invalidate cached paths.
	link.Metric = newMetric
	link.Timestamp = now
	c.changeLog.AppendLink(LinkChange{
		Timestamp: now, From: from, To: to, InIf: inIf, OutIf: outIf,
		Metric: newMetric, Reason: reason,
	})
	c.invalidatePathsThrough(link)
	c.trackMetricBounds(newMetric)

	// Step 6: (lazy) re-arm Dijkstra: mark dirty, recomputed on demand.
	c.dijkstraDirty = true
	c.countInvalidate++
	return nil
}

// metricDelta is an absolute difference usable for damping comparisons
// across engines whose LinkMetric is a packed, not purely scalar, value.
func metricDelta(a, b metric.LinkMetric) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func (c *Cache) trackMetricBounds(m metric.LinkMetric) {
	v := c.engine.LinkToPathComponent(m)
	if c.smallestMetric == 0 || v < c.smallestMetric {
		c.smallestMetric = v
	}
	if v > c.largestMetric {
		c.largestMetric = v
	}
}

// invalidatePathsThrough drops any node's cached path that used this
// link, so the next LinkCacheFillSR re-runs Dijkstra for it.
func (c *Cache) invalidatePathsThrough(link *Link) {
	for _, n := range c.nodes {
		for _, hop := range n.cachedHops {
			if hop == link {
				n.cachedHops = nil
				break
			}
		}
	}
}

// PenalizeLink applies the active metric's multiplicative penalty to a
// link (spec.md §4.3 "PenalizeLink"), called from the maintenance
// buffer's link-failure path.
func (c *Cache) PenalizeLink(from, to common.Addr, inIf, outIf common.IfIndex, now common.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fromNode, ok := c.nodes[from]
	if !ok {
		return
	}
	id := linkID{to: to, inIf: inIf, outIf: outIf}
	link, ok := fromNode.out[id]
	if !ok {
		return
	}
	link.Metric = c.engine.Penalize(link.Metric)
	link.Timestamp = now
	c.changeLog.AppendLink(LinkChange{
		Timestamp: now, From: from, To: to, InIf: inIf, OutIf: outIf,
		Metric: link.Metric, Reason: ReasonPenalized,
	})
	c.invalidatePathsThrough(link)
	c.dijkstraDirty = true
}

// DeleteInterface removes every link adjacent to the given interface
// and marks it absent (spec.md §4.3 "DeleteInterface").
func (c *Cache) DeleteInterface(idx common.IfIndex, now common.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ifaces, idx)

	for addr, n := range c.nodes {
		for id, link := range n.out {
			if id.outIf == idx || id.inIf == idx {
				delete(n.out, id)
				if to, ok := c.nodes[link.To]; ok {
					delete(to.in, linkID{to: addr, inIf: link.OutIf, outIf: link.InIf})
				}
				c.changeLog.AppendLink(LinkChange{
					Timestamp: now, From: link.From, To: link.To,
					InIf: link.InIf, OutIf: link.OutIf,
					Metric: link.Metric, Reason: ReasonDeleteInterface,
				})
			}
		}
		n.cachedHops = nil
	}
	c.dijkstraDirty = true
}

// DeleteLink removes one link explicitly (manual flush, timeout, or an
// observed Route Error).
func (c *Cache) DeleteLink(from, to common.Addr, inIf, outIf common.IfIndex, reason Reason, now common.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fromNode, ok := c.nodes[from]
	if !ok {
		return
	}
	id := linkID{to: to, inIf: inIf, outIf: outIf}
	link, ok := fromNode.out[id]
	if !ok {
		return
	}
	delete(fromNode.out, id)
	if toNode, ok := c.nodes[to]; ok {
		delete(toNode.in, linkID{to: from, inIf: outIf, outIf: inIf})
	}
	c.changeLog.AppendLink(LinkChange{
		Timestamp: now, From: from, To: to, InIf: inIf, OutIf: outIf,
		Metric: link.Metric, Reason: reason,
	})
	c.invalidatePathsThrough(link)
	c.dijkstraDirty = true
}

// CountLinkUse increments the usage counter of the one link from -> to
// over (inIf, outIf). UseSR updates usage counters itself and does not
// call it.
func (c *Cache) CountLinkUse(from, to common.Addr, inIf, outIf common.IfIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[from]
	if !ok {
		return
	}
	if link, ok := n.out[linkID{to: to, inIf: inIf, outIf: outIf}]; ok {
		link.Usage++
	}
}

// LookupMetric returns the current metric of one link, if present.
func (c *Cache) LookupMetric(from, to common.Addr, inIf, outIf common.IfIndex) (metric.LinkMetric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[from]
	if !ok {
		return 0, false
	}
	link, ok := n.out[linkID{to: to, inIf: inIf, outIf: outIf}]
	if !ok {
		return 0, false
	}
	return link.Metric, true
}

// MyDegree is the out-degree of the self node.
func (c *Cache) MyDegree() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[c.self]
	if !ok {
		return 0
	}
	return len(n.out)
}

// MyLinks returns every link this node currently advertises as its own
// outgoing edge, for the periodic timer to drive probing (spec.md
// §4.4's SendProbes neighbor list) and LinkInfo advertisement (spec.md
// §4.9's LinkInfo option).
func (c *Cache) MyLinks() []Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[c.self]
	if !ok {
		return nil
	}
	out := make([]Link, 0, len(n.out))
	for _, link := range n.out {
		out = append(out, *link)
	}
	return out
}

// NodeView is a read-only snapshot of one cache node and its outgoing
// links, for Control Plane operation 4 ("query cache nodes, with
// variable-length links array").
type NodeView struct {
	Addr  common.Addr
	Links []Link
}

// Nodes returns every node currently in the graph, each with its
// current outgoing link set.
func (c *Cache) Nodes() []NodeView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NodeView, 0, len(c.nodes))
	for addr, n := range c.nodes {
		links := make([]Link, 0, len(n.out))
		for _, link := range n.out {
			links = append(links, *link)
		}
		out = append(out, NodeView{Addr: addr, Links: links})
	}
	return out
}

// SetDampingThreshold updates the route-flap damping threshold and
// window at runtime (Control Plane operation 7's "route-flap damping
// factor").
func (c *Cache) SetDampingThreshold(threshold uint32, window common.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.damping = threshold
	c.dampWin = window
}

// DampingThreshold reads back the currently configured route-flap
// damping threshold and window.
func (c *Cache) DampingThreshold() (uint32, common.Tick) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.damping, c.dampWin
}

// Flush removes every node and link, resetting the cache to empty.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = map[common.Addr]*node{c.self: newNode(c.self)}
	c.dijkstraDirty = true
}

// Stats reports the cache-wide counters spec.md §4.3 names.
type Stats struct {
	Invalidate    uint64
	Insignificant uint64
	RouteFlap     uint64
	RouteFlapDamp uint64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Invalidate:    c.countInvalidate,
		Insignificant: c.countInsignificant,
		RouteFlap:     c.countRouteFlap,
		RouteFlapDamp: c.countRouteFlapDamp,
	}
}
