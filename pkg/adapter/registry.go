package adapter

import (
	"fmt"
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/linklayer"
	"github.com/lqsrnet/meshcore/pkg/metric"
	"github.com/lqsrnet/meshcore/pkg/metrics"
	"github.com/lqsrnet/meshcore/pkg/persist"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// callbackSetter is implemented by every concrete linklayer.LinkLayer
// (e.g. linklayer.FakeLinkLayer); it is not part of the LinkLayer
// interface itself because registering callbacks is a one-time
// construction step, not part of the steady-state contract.
type callbackSetter interface {
	SetCallbacks(cb linklayer.Callbacks)
}

// Spec describes one virtual adapter to create, gathering the
// construction-time parameters spec.md §6 operation 1 ("create virtual
// adapter") takes: a name, a self address, the link layer it binds to,
// the wire keys and crypto mode, and the metric engine to run.
type Spec struct {
	Name          string
	Self          common.Addr
	Link          linklayer.LinkLayer
	Keys          wire.Keys
	Crypto        wire.CryptoMode
	MetricType    metric.Type
	MetricParams  metric.Params
	DampingFactor uint32
	DampWindow    common.Tick
	RNGSeed       int64
}

// Registry holds every VirtualAdapter a process runs, keyed by name
// (spec.md §6 operation 1's "enumerate virtual adapters"). Grounded on
// the teacher's single Server struct owning one of each component
// (cmd/ghostnodes/main.go); generalized here from "exactly one of each
// component" to "any number of named VirtualAdapters", since a Control
// Plane can create and remove adapters at runtime (spec.md §6) in a
// way the teacher's fixed Server never needed to.
type Registry struct {
	mu    sync.RWMutex
	store *persist.ConfigStore
	stats *metrics.Collectors

	adapters map[string]*VirtualAdapter
}

// NewRegistry constructs an empty Registry backed by store for
// persisted per-adapter settings and stats for every adapter's metric
// collectors.
func NewRegistry(store *persist.ConfigStore, stats *metrics.Collectors) *Registry {
	return &Registry{
		store:    store,
		stats:    stats,
		adapters: make(map[string]*VirtualAdapter),
	}
}

// Create constructs and registers a new VirtualAdapter (spec.md §6
// operation 1), wiring it to spec.Link's callback registration if the
// concrete Link Layer supports it (linklayer.FakeLinkLayer and any
// production driver built the same way do).
func (r *Registry) Create(spec Spec) (*VirtualAdapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[spec.Name]; exists {
		return nil, fmt.Errorf("adapter: %q already exists", spec.Name)
	}

	engine := metric.New(spec.MetricType, spec.MetricParams)
	codec := wire.NewCodec(spec.Keys, ProtocolVersion, uint32(spec.MetricType), spec.Crypto)

	va := New(spec.Name, spec.Self, spec.Link, codec, engine, r.store, r.stats, spec.RNGSeed, spec.DampingFactor, spec.DampWindow)

	if setter, ok := spec.Link.(callbackSetter); ok {
		setter.SetCallbacks(va)
	}

	for _, info := range spec.Link.Interfaces() {
		va.OnInterfaceAdded(info)
	}

	if r.store != nil {
		if s, err := r.store.LoadAdapterSettings(spec.Name); err == nil {
			_ = va.ApplySettings(Settings{ArtificialDrop: s.ArtificialDrop, DampingFactor: s.DampingFactor, DampWindow: spec.DampWindow, CryptoEnabled: s.CryptoEnabled}, false)
		}
		if routes, err := r.store.LoadStaticRoutes(spec.Name); err == nil {
			for _, rt := range routes {
				_ = va.AddStaticRoute(rt, false)
			}
		}
	}

	r.adapters[spec.Name] = va
	return va, nil
}

// Get returns the named adapter, or false if no such adapter is
// registered.
func (r *Registry) Get(name string) (*VirtualAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	va, ok := r.adapters[name]
	return va, ok
}

// Remove unregisters and forgets the named adapter (spec.md §6
// operation 1's adapter removal); the caller is responsible for tearing
// down the underlying Link Layer.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("adapter: %q not found", name)
	}
	delete(r.adapters, name)
	return nil
}

// List returns every registered adapter's name, sorted by creation
// order is not guaranteed; callers that need a stable order should sort
// the result themselves.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Tick advances every registered adapter's periodic timer by one step,
// called from the daemon's single ticker goroutine (spec.md §5's
// "periodic timer").
func (r *Registry) Tick(now common.Tick) {
	r.mu.RLock()
	adapters := make([]*VirtualAdapter, 0, len(r.adapters))
	for _, va := range r.adapters {
		adapters = append(adapters, va)
	}
	r.mu.RUnlock()

	for _, va := range adapters {
		va.Tick(now)
	}
}
