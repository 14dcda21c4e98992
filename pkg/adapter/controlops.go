// This file implements the adapter-side logic behind every Control
// Plane operation of spec.md §6; pkg/controlapi only translates HTTP
// requests into calls here and JSON-encodes the result, the same
// division of labor the teacher keeps between its pkg/swarm,
// pkg/directory services and cmd/ghostnodes/main.go's thin handlers.
package adapter

import (
	"crypto/rand"
	"fmt"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/forwarder"
	"github.com/lqsrnet/meshcore/pkg/linkcache"
	"github.com/lqsrnet/meshcore/pkg/linklayer"
	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
	"github.com/lqsrnet/meshcore/pkg/maintbuf"
	"github.com/lqsrnet/meshcore/pkg/metric"
	"github.com/lqsrnet/meshcore/pkg/neighbor"
	"github.com/lqsrnet/meshcore/pkg/persist"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// Counters is the per-adapter configuration-and-counter snapshot of
// Control Plane operation 1.
type Counters struct {
	Name            string
	Self            common.Addr
	LinkCacheDegree int
	LinkCacheStats  linkcache.Stats
	SendBufLen      int
	SendBufHighWater int
	MaintBufStats   maintbuf.Stats
}

// Counters implements Control Plane operation 1's per-adapter read.
func (v *VirtualAdapter) Counters() Counters {
	return Counters{
		Name:             v.Name,
		Self:             v.Self,
		LinkCacheDegree:  v.Links.MyDegree(),
		LinkCacheStats:   v.Links.Stats(),
		SendBufLen:       v.SendBuf.Len(),
		SendBufHighWater: v.SendBuf.HighWater(),
		MaintBufStats:    v.MaintBuf.Stats(),
	}
}

// Interfaces implements Control Plane operation 2's enumeration half.
func (v *VirtualAdapter) Interfaces() []linklayer.InterfaceInfo {
	return v.link.Interfaces()
}

// dropRatioSetter is implemented by linklayer.FakeLinkLayer and any
// production driver built the same way; per-link artificial drop
// (Control Plane operation 8) is a testing hook the LinkLayer contract
// itself does not need to expose.
type dropRatioSetter interface {
	SetDropRatio(peer common.Addr, ratio float64)
}

// SetInterfaceOverride persists (when persistent is true) a per-
// interface override (Control Plane operation 2's write half).
func (v *VirtualAdapter) SetInterfaceOverride(idx common.IfIndex, o persist.InterfaceOverride, persistent bool) error {
	if !persistent || v.store == nil {
		return nil
	}
	return v.store.SaveInterfaceOverride(v.Name, idx, o)
}

// NeighborSnapshot implements Control Plane operation 3's enumeration half.
func (v *VirtualAdapter) NeighborSnapshot() map[neighbor.Key]neighbor.Entry {
	return v.Neighbors.Snapshot()
}

// FlushNeighbor implements Control Plane operation 3's flush half.
func (v *VirtualAdapter) FlushNeighbor(peer common.Addr, localIf common.IfIndex) {
	v.Neighbors.Flush(peer, localIf)
}

// CacheNodes implements Control Plane operation 4's enumeration half.
func (v *VirtualAdapter) CacheNodes() []linkcache.NodeView {
	return v.Links.Nodes()
}

// AddLinkManual implements Control Plane operation 4's "add link
// manually".
func (v *VirtualAdapter) AddLinkManual(from, to common.Addr, inIf, outIf common.IfIndex, m metric.LinkMetric) error {
	return v.Links.AddLink(from, to, inIf, outIf, m, linkcache.ReasonAddManual, v.now())
}

// FlushCache implements Control Plane operation 4's "flush cache".
func (v *VirtualAdapter) FlushCache() {
	v.Links.Flush()
}

// QuerySourceRoute implements Control Plane operation 5's query half.
func (v *VirtualAdapter) QuerySourceRoute(dest common.Addr) (*wire.SourceRoute, error) {
	return v.FillSR(dest, v.now())
}

// AddStaticRoute implements Control Plane operation 5's "add static
// source route". The route bypasses Dijkstra recomputation and salvage
// entirely (the per-hop InIf/OutIf/Metric a Control Plane caller cannot
// be expected to know are left zero; only the hop address sequence is
// authoritative for a manually pinned route).
func (v *VirtualAdapter) AddStaticRoute(route persist.StaticRoute, persistent bool) error {
	if len(route.HopList) == 0 || len(route.HopList) > wire.MaxHops {
		return lqsrerr.NewInvalidParameter("hopList", len(route.HopList), fmt.Sprintf("1..%d", wire.MaxHops))
	}

	hops := make([]wire.SRAddr, len(route.HopList))
	for i, addr := range route.HopList {
		hops[i] = wire.SRAddr{Addr: addr}
	}
	sr := &wire.SourceRoute{StaticRoute: true, SegmentsLeft: uint8(len(hops) - 1), HopList: hops}

	v.mu.Lock()
	v.staticRoutes[route.Dest] = sr
	v.mu.Unlock()

	if persistent && v.store != nil {
		return v.store.SaveStaticRoute(v.Name, route)
	}
	return nil
}

// RemoveStaticRoute drops a previously configured static route.
func (v *VirtualAdapter) RemoveStaticRoute(dest common.Addr) error {
	v.mu.Lock()
	delete(v.staticRoutes, dest)
	v.mu.Unlock()
	if v.store != nil {
		return v.store.DeleteStaticRoute(v.Name, dest)
	}
	return nil
}

// MaintenanceEntries implements Control Plane operation 6.
func (v *VirtualAdapter) MaintenanceEntries() []maintbuf.NodeView {
	return v.MaintBuf.Entries()
}

// Settings is the runtime-adjustable subset of Control Plane operation
// 7. Metric-type selection and its per-metric parameters are fixed at
// adapter creation (changing the active metric engine mid-flight would
// invalidate every cached path metric's unit); DESIGN.md records this
// as a deliberate scope cut.
type Settings struct {
	ArtificialDrop  bool
	DampingFactor   uint32
	DampWindow      common.Tick
	CryptoEnabled   bool
}

// GetSettings reads back this adapter's currently-applied runtime
// settings, for Control Plane operation 7's read direction.
func (v *VirtualAdapter) GetSettings() Settings {
	threshold, window := v.Links.DampingThreshold()
	v.mu.Lock()
	defer v.mu.Unlock()
	return Settings{
		ArtificialDrop: v.artificialDropEnabled,
		DampingFactor:  threshold,
		DampWindow:     window,
		CryptoEnabled:  v.codec.Crypto == wire.CryptoEnabled,
	}
}

// ApplySettings implements Control Plane operation 7's runtime-
// adjustable subset: artificial-drop master switch, route-flap damping
// factor and crypto on/off. Crypto keys themselves are set separately
// via SetKeys, since they carry sensitive material the caller should
// not have to resend alongside unrelated toggles. When persistent is
// true the settings are saved so a restarted daemon picks them back
// up, the same "persistent flag" contract SetInterfaceOverride and
// AddStaticRoute honor.
func (v *VirtualAdapter) ApplySettings(s Settings, persistent bool) error {
	v.Links.SetDampingThreshold(s.DampingFactor, s.DampWindow)

	v.mu.Lock()
	v.artificialDropEnabled = s.ArtificialDrop
	if s.CryptoEnabled {
		v.codec.Crypto = wire.CryptoEnabled
	} else {
		v.codec.Crypto = wire.CryptoDisabled
	}
	v.mu.Unlock()

	if !persistent || v.store == nil {
		return nil
	}
	return v.store.SaveAdapterSettings(v.Name, persist.AdapterSettings{
		ArtificialDrop: s.ArtificialDrop,
		DampingFactor:  s.DampingFactor,
		CryptoEnabled:  s.CryptoEnabled,
	})
}

// SetKeys rekeys the adapter's codec in place (Control Plane operation
// 7's "crypto keys"), re-deriving the MAC-key mix the same way NewCodec
// does at construction.
func (v *VirtualAdapter) SetKeys(keys wire.Keys, metricType metric.Type) {
	v.mu.Lock()
	defer v.mu.Unlock()
	crypto := v.codec.Crypto
	v.codec = wire.NewCodec(keys, ProtocolVersion, uint32(metricType), crypto)
}

// SetDropRatio implements Control Plane operation 8, if the bound Link
// Layer supports it (linklayer.FakeLinkLayer does). While the
// artificial-drop master switch (Settings.ArtificialDrop) is off, the
// peer's ratio is set to 0 instead; the requested ratio is not kept, so
// turning the switch on later does not apply it.
func (v *VirtualAdapter) SetDropRatio(peer common.Addr, ratio float64) error {
	setter, ok := v.link.(dropRatioSetter)
	if !ok {
		return fmt.Errorf("adapter: link layer does not support artificial drop")
	}
	v.mu.Lock()
	enabled := v.artificialDropEnabled
	v.mu.Unlock()
	if !enabled {
		ratio = 0
	}
	setter.SetDropRatio(peer, ratio)
	return nil
}

// SendInfoRequest implements Control Plane operation 9: originate an
// Info Request toward target. The wire.InfoRequest option itself
// carries no destination field (matching lqsr.h's InfoRequest, which
// is addressed purely by the enclosing packet, never by an in-option
// target), so "toward target" is honored by unicasting the option down
// a cached source route when one exists, the same way a forwarded
// packet's options ride along with its wire.SourceRoute. Absent a
// cached route the request is flooded like an originated Route
// Request would be (spec.md §4.9's Info exchange has no dedicated
// transport of its own), and every node along the flood answers.
func (v *VirtualAdapter) SendInfoRequest(target common.Addr, identifier uint32) {
	ir := wire.InfoRequest{Identifier: identifier, Source: v.Self}

	if sr, err := v.FillSR(target, v.now()); err == nil {
		hop := forwarder.CurrentHop(sr)
		if err := v.transmitTo(hop.Addr, common.IfIndex(hop.OutIf), []wire.Option{*sr, ir}, nil, 0); err == nil {
			return
		}
	}

	v.broadcast([]wire.Option{ir})
}

// ResetStatistics implements Control Plane operation 10, clamping every
// component's high-water counters to current occupancy.
func (v *VirtualAdapter) ResetStatistics() {
	v.SendBuf.ResetStatistics()
	v.MaintBuf.ResetStatistics()
}

// RandomBytes implements Control Plane operation 11: strong random
// bytes drawn from the same crypto-grade source IVs use.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// LinkChanges implements (part of) Control Plane operation 12.
func (v *VirtualAdapter) LinkChanges(from int) []linkcache.LinkChange {
	return v.Links.LinkChanges(from)
}

// RouteChanges implements (part of) Control Plane operation 12, and
// doubles as the per-destination route-usage history of operation 13:
// each recorded route change already carries the hop list and, via
// each hop's Link.Usage, a cumulative packet count along that path.
func (v *VirtualAdapter) RouteChanges(from int) []linkcache.RouteChange {
	return v.Links.RouteChanges(from)
}
