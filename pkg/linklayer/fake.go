package linklayer

import (
	"math/rand"
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
)

// FakeLinkLayer is an in-memory LinkLayer double for tests: frames
// submitted on one interface are delivered directly to every other
// FakeLinkLayer interface joined to the same segment, skipping any
// real network. It also implements the artificial per-link drop ratio
// of spec.md §6 operation 8, the same role pkg/persist.MemoryStorage
// plays for Storage: a reference implementation real tests drive
// directly.
type FakeLinkLayer struct {
	mu          sync.Mutex
	self        common.Addr
	ifaces      map[common.IfIndex]InterfaceInfo
	ifaceMedium map[common.IfIndex]*Medium
	defaultMed  *Medium
	cb          Callbacks
	nextFrame   FrameID
	dropRatio   map[common.Addr]float64 // keyed by peer, per link artificial drop
	rng         *rand.Rand
}

// Medium is a shared broadcast segment: a physical link (or, for a
// single-segment topology, the whole network). Several FakeLinkLayer
// interfaces join it; a Submit on one reaches every other member's
// bound interface on that segment only, so a chain topology (A-B,
// B-C, no direct A-C) is modeled with two Medium instances and B
// joining both on separate interfaces.
type Medium struct {
	mu      sync.Mutex
	members []segMember
}

type segMember struct {
	layer *FakeLinkLayer
	iface common.IfIndex
}

// NewMedium creates an empty shared segment.
func NewMedium() *Medium {
	return &Medium{}
}

func (m *Medium) join(l *FakeLinkLayer, iface common.IfIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, segMember{l, iface})
}

func (m *Medium) leave(l *FakeLinkLayer, iface common.IfIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.members[:0]
	for _, mem := range m.members {
		if mem.layer == l && mem.iface == iface {
			continue
		}
		out = append(out, mem)
	}
	m.members = out
}

func (m *Medium) peers(except *FakeLinkLayer) []segMember {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]segMember, 0, len(m.members))
	for _, mem := range m.members {
		if mem.layer != except {
			out = append(out, mem)
		}
	}
	return out
}

// NewFakeLinkLayer creates a node with no interfaces bound yet. medium
// is the default segment AddInterface joins; use AddInterfaceOn to
// bind a particular interface to a different segment instead, for
// multi-hop topologies.
func NewFakeLinkLayer(medium *Medium, self common.Addr, rng *rand.Rand) *FakeLinkLayer {
	return &FakeLinkLayer{
		self:        self,
		ifaces:      make(map[common.IfIndex]InterfaceInfo),
		ifaceMedium: make(map[common.IfIndex]*Medium),
		defaultMed:  medium,
		dropRatio:   make(map[common.Addr]float64),
		rng:         rng,
	}
}

// SetCallbacks registers the routing core's upward callbacks. Must be
// called before any interface delivers traffic.
func (l *FakeLinkLayer) SetCallbacks(cb Callbacks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb = cb
}

// AddInterface binds a physical interface to the node's default
// segment and fires OnInterfaceAdded.
func (l *FakeLinkLayer) AddInterface(info InterfaceInfo) {
	l.AddInterfaceOn(info, l.defaultMed)
}

// AddInterfaceOn binds a physical interface to an explicit segment
// (which need not be the node's default one) and fires
// OnInterfaceAdded. Used to assemble multi-hop topologies where each
// interface of a node sits on a different physical link.
func (l *FakeLinkLayer) AddInterfaceOn(info InterfaceInfo, medium *Medium) {
	l.mu.Lock()
	l.ifaces[info.Index] = info
	l.ifaceMedium[info.Index] = medium
	cb := l.cb
	l.mu.Unlock()
	medium.join(l, info.Index)
	if cb != nil {
		cb.OnInterfaceAdded(info)
	}
}

// RemoveInterface unbinds a physical interface and fires
// OnInterfaceRemoved.
func (l *FakeLinkLayer) RemoveInterface(idx common.IfIndex) {
	l.mu.Lock()
	delete(l.ifaces, idx)
	medium := l.ifaceMedium[idx]
	delete(l.ifaceMedium, idx)
	cb := l.cb
	l.mu.Unlock()
	if medium != nil {
		medium.leave(l, idx)
	}
	if cb != nil {
		cb.OnInterfaceRemoved(idx)
	}
}

// SetDropRatio sets the artificial drop probability (0.0-1.0) applied
// to frames received from peer, the per-link testing hook of spec.md
// §6 operation 8.
func (l *FakeLinkLayer) SetDropRatio(peer common.Addr, ratio float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropRatio[peer] = ratio
}

// Interfaces implements LinkLayer.
func (l *FakeLinkLayer) Interfaces() []InterfaceInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]InterfaceInfo, 0, len(l.ifaces))
	for _, info := range l.ifaces {
		out = append(out, info)
	}
	return out
}

// Submit implements LinkLayer: it hands frame to every other member of
// iface's segment, subject to each receiver's artificial drop ratio
// for this sender, then reports StatusOK back to the caller.
func (l *FakeLinkLayer) Submit(iface common.IfIndex, frame []byte) (FrameID, error) {
	l.mu.Lock()
	medium, ok := l.ifaceMedium[iface]
	if !ok {
		l.mu.Unlock()
		return 0, lqsrerr.ErrQueueFull
	}
	l.nextFrame++
	id := l.nextFrame
	self := l.self
	cb := l.cb
	l.mu.Unlock()

	for _, peer := range medium.peers(l) {
		peer.layer.deliver(self, peer.iface, frame)
	}

	if cb != nil {
		cb.OnSubmitDone(id, StatusOK)
	}
	return id, nil
}

func (l *FakeLinkLayer) deliver(from common.Addr, rxIface common.IfIndex, frame []byte) {
	l.mu.Lock()
	ratio := l.dropRatio[from]
	cb := l.cb
	rng := l.rng
	l.mu.Unlock()

	if cb == nil {
		return
	}
	if ratio > 0 && rng.Float64() < ratio {
		return
	}
	cb.OnReceive(rxIface, from, frame)
}
