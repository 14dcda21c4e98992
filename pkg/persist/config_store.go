package persist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lqsrnet/meshcore/pkg/common"
)

// Key prefixes partition the flat key/value namespace Storage exposes,
// the same convention the teacher's Store used for "messages/"+session
// (store.go's sessionPrefix/messageKey).
const (
	adapterPrefix   = "adapter/"
	interfacePrefix = "iface/"
	routePrefix     = "route/"
)

// InterfaceOverride is the per-physical-interface persistent override
// of spec.md §6 operation 2/7: receive-only mode, channel and
// bandwidth, applied on top of whatever interface_added reports.
type InterfaceOverride struct {
	ReceiveOnly bool   `json:"receiveOnly"`
	Channel     uint8  `json:"channel"`
	Bandwidth   uint32 `json:"bandwidth"`
}

// StaticRoute is a manually configured source route (spec.md §6
// operation 5 "add static source route"), exempt from LinkCacheFillSR
// recomputation and from salvage.
type StaticRoute struct {
	Dest    common.Addr   `json:"dest"`
	HopList []common.Addr `json:"hopList"`
}

// AdapterSettings is the persistent per-virtual-adapter configuration
// of spec.md §6 operation 7: snooping, artificial-drop, damping
// factor, crypto mode and keys, link timeout, metric type and
// parameters.
type AdapterSettings struct {
	Snooping        bool              `json:"snooping"`
	ArtificialDrop  bool              `json:"artificialDrop"`
	DampingFactor   uint32            `json:"dampingFactor"`
	CryptoEnabled   bool              `json:"cryptoEnabled"`
	MACKey          []byte            `json:"macKey,omitempty"`
	AESKey          []byte            `json:"aesKey,omitempty"`
	LinkTimeoutTick uint64            `json:"linkTimeoutTick"`
	MetricType      uint32            `json:"metricType"`
	MetricParams    map[string]uint32 `json:"metricParams,omitempty"`
}

// ConfigStore persists per-adapter settings, per-interface overrides
// and static routes into a Storage backend (spec.md §6: "configuration
// applied with the 'persistent' flag survives restart"). Grounded on
// the teacher's Store.StoreMessage/RetrieveMessages JSON-marshal-to-KV
// pattern, generalized from messages to settings records.
type ConfigStore struct {
	storage Storage
}

// NewConfigStore wraps a Storage backend as a ConfigStore.
func NewConfigStore(storage Storage) *ConfigStore {
	return &ConfigStore{storage: storage}
}

func adapterKey(name string) string   { return adapterPrefix + name }
func interfaceKey(adapter string, idx common.IfIndex) string {
	return fmt.Sprintf("%s%s/%d", interfacePrefix, adapter, idx)
}
func routeKey(adapter string, dest common.Addr) string {
	return fmt.Sprintf("%s%s/%s", routePrefix, adapter, dest)
}

// SaveAdapterSettings persists settings for the named virtual adapter.
func (c *ConfigStore) SaveAdapterSettings(name string, s AdapterSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("persist: marshal adapter settings: %w", err)
	}
	return c.storage.Store(adapterKey(name), data)
}

// LoadAdapterSettings retrieves previously persisted settings for name.
func (c *ConfigStore) LoadAdapterSettings(name string) (AdapterSettings, error) {
	var s AdapterSettings
	data, err := c.storage.Retrieve(adapterKey(name))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("persist: unmarshal adapter settings: %w", err)
	}
	return s, nil
}

// SaveInterfaceOverride persists a per-interface override for adapter.
func (c *ConfigStore) SaveInterfaceOverride(adapter string, idx common.IfIndex, o InterfaceOverride) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("persist: marshal interface override: %w", err)
	}
	return c.storage.Store(interfaceKey(adapter, idx), data)
}

// LoadInterfaceOverrides retrieves every persisted interface override
// for adapter, keyed by interface index.
func (c *ConfigStore) LoadInterfaceOverrides(adapter string) (map[common.IfIndex]InterfaceOverride, error) {
	keys, err := c.storage.List(interfacePrefix + adapter + "/")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	result := make(map[common.IfIndex]InterfaceOverride, len(keys))
	for _, key := range keys {
		data, err := c.storage.Retrieve(key)
		if err != nil {
			continue
		}
		var o InterfaceOverride
		if err := json.Unmarshal(data, &o); err != nil {
			continue
		}
		idx, ok := parseTrailingIndex(key)
		if !ok {
			continue
		}
		result[idx] = o
	}
	return result, nil
}

// SaveStaticRoute persists a static source route for adapter.
func (c *ConfigStore) SaveStaticRoute(adapter string, r StaticRoute) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("persist: marshal static route: %w", err)
	}
	return c.storage.Store(routeKey(adapter, r.Dest), data)
}

// LoadStaticRoutes retrieves every persisted static route for adapter.
func (c *ConfigStore) LoadStaticRoutes(adapter string) ([]StaticRoute, error) {
	keys, err := c.storage.List(routePrefix + adapter + "/")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	routes := make([]StaticRoute, 0, len(keys))
	for _, key := range keys {
		data, err := c.storage.Retrieve(key)
		if err != nil {
			continue
		}
		var r StaticRoute
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// DeleteStaticRoute removes a previously persisted static route.
func (c *ConfigStore) DeleteStaticRoute(adapter string, dest common.Addr) error {
	return c.storage.Delete(routeKey(adapter, dest))
}

func parseTrailingIndex(key string) (common.IfIndex, bool) {
	i := strings.LastIndex(key, "/")
	if i < 0 || i == len(key)-1 {
		return 0, false
	}
	var n uint64
	for _, c := range key[i+1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return common.IfIndex(n), true
}
