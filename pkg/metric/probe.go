package metric

import (
	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// ProbeOut is a Probe option the adapter should transmit to a specific
// neighbor (or broadcast, when Broadcast is set).
type ProbeOut struct {
	Link      common.LinkKey
	Broadcast bool
	Probe     wire.Probe
}

// Prober is the probing half of a metric engine's capability set
// (spec.md §4.4: send_probes / receive_probe / receive_probe_reply).
// HOP and ETX only use a subset; all five engines implement it so the
// adapter timer can treat them uniformly.
type Prober interface {
	// SendProbes is called from the periodic timer; it returns any
	// probes to transmit now and the tick at which it should be called
	// again.
	SendProbes(now common.Tick, neighbors []common.LinkKey) ([]ProbeOut, common.Tick)
	// ReceiveProbe handles an inbound Probe option, returning a reply to
	// send back (nil if none).
	ReceiveProbe(p wire.Probe, inIf common.IfIndex, now common.Tick) *wire.ProbeReply
	// ReceiveProbeReply handles an inbound ProbeReply, updating internal
	// link-quality estimates. Returns the link and its newly observed
	// metric so the caller can feed linkcache.AddLink.
	ReceiveProbeReply(p wire.ProbeReply, now common.Tick) (common.LinkKey, LinkMetric, bool)
}
