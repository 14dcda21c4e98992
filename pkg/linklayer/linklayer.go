// Package linklayer defines the Link Layer contract of spec.md §6: the
// boundary below the routing core, modeled as a collaborator that
// delivers Ethernet frames to/from named physical interfaces. The core
// never opens a raw socket itself; it is handed a LinkLayer and a set
// of callbacks, the same narrow-interface-plus-callbacks shape used by
// pkg/persist's Storage interface, generalized from a key/value
// contract to a frame-submission one.
package linklayer

import "github.com/lqsrnet/meshcore/pkg/common"

// SubmitStatus is the outcome reported to on_submit_done.
type SubmitStatus int

const (
	// StatusOK means the frame left the physical interface.
	StatusOK SubmitStatus = iota
	// StatusFailure means the interface rejected or could not send the
	// frame (down, queue full at the driver, MTU exceeded).
	StatusFailure
)

func (s SubmitStatus) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "failure"
}

// FrameID identifies one outstanding link_submit call, returned so its
// eventual on_submit_done callback can be correlated back to the
// caller.
type FrameID uint64

// InterfaceInfo describes a physical interface at the moment
// interface_added fires.
type InterfaceInfo struct {
	Index        common.IfIndex
	PhysAddr     common.Addr
	MaxFrameSize int
	Channel      uint8
	Bandwidth    uint32
}

// LinkLayer is the contract spec.md §6 calls "Link Layer (below)": a
// fire-and-forget frame submission path plus interface lifecycle
// notifications. An implementation owns the raw socket or equivalent
// transport; the routing core never reaches below this interface.
type LinkLayer interface {
	// Submit sends frame out iface, fire-and-forget; completion is
	// reported asynchronously through the on_submit_done callback
	// registered via SetCallbacks, correlated by the returned FrameID.
	Submit(iface common.IfIndex, frame []byte) (FrameID, error)

	// Interfaces lists the physical interfaces currently bound,
	// backing Control Plane operation 2 (enumerate physical
	// interfaces).
	Interfaces() []InterfaceInfo
}

// Callbacks is the set of notifications the Link Layer delivers
// upward into the routing core. Registered once, at adapter
// construction, mirroring pkg/forwarder's narrow Callbacks interface.
type Callbacks interface {
	// OnSubmitDone reports the outcome of a prior Submit call.
	OnSubmitDone(id FrameID, status SubmitStatus)

	// OnReceive delivers a frame whose EtherType is 0x886F and whose
	// first post-header four bytes are the LQSR magic code; frames
	// that do not match are never routed here.
	OnReceive(iface common.IfIndex, sourceMAC common.Addr, frame []byte)

	// OnInterfaceAdded and OnInterfaceRemoved report physical
	// interface lifecycle edges.
	OnInterfaceAdded(info InterfaceInfo)
	OnInterfaceRemoved(iface common.IfIndex)
}
