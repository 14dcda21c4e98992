package persist

import (
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
)

func TestMemoryStorageStoreRetrieveDelete(t *testing.T) {
	s := NewMemoryStorage()
	if err := s.Store("a", []byte("hello")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Retrieve("a")
	if err != nil || string(got) != "hello" {
		t.Fatalf("Retrieve = %q, %v, want %q, nil", got, err, "hello")
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Retrieve("a"); err != ErrNotFound {
		t.Fatalf("Retrieve after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStorageListByPrefix(t *testing.T) {
	s := NewMemoryStorage()
	s.Store("adapter/a1", []byte("1"))
	s.Store("adapter/a2", []byte("2"))
	s.Store("iface/a1/1", []byte("3"))

	keys, err := s.List("adapter/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List(\"adapter/\") = %v, want 2 entries", keys)
	}
}

func TestConfigStoreAdapterSettingsRoundTrip(t *testing.T) {
	c := NewConfigStore(NewMemoryStorage())
	settings := AdapterSettings{Snooping: true, DampingFactor: 5, MetricType: 2}

	if err := c.SaveAdapterSettings("vadapter0", settings); err != nil {
		t.Fatalf("SaveAdapterSettings: %v", err)
	}
	got, err := c.LoadAdapterSettings("vadapter0")
	if err != nil {
		t.Fatalf("LoadAdapterSettings: %v", err)
	}
	if got.Snooping != settings.Snooping || got.DampingFactor != settings.DampingFactor || got.MetricType != settings.MetricType {
		t.Fatalf("LoadAdapterSettings = %+v, want %+v", got, settings)
	}
}

func TestConfigStoreInterfaceOverrides(t *testing.T) {
	c := NewConfigStore(NewMemoryStorage())
	c.SaveInterfaceOverride("vadapter0", 1, InterfaceOverride{Channel: 6, Bandwidth: 54_000_000})
	c.SaveInterfaceOverride("vadapter0", 2, InterfaceOverride{ReceiveOnly: true})

	overrides, err := c.LoadInterfaceOverrides("vadapter0")
	if err != nil {
		t.Fatalf("LoadInterfaceOverrides: %v", err)
	}
	if len(overrides) != 2 {
		t.Fatalf("len(overrides) = %d, want 2", len(overrides))
	}
	if overrides[1].Channel != 6 {
		t.Fatalf("overrides[1].Channel = %d, want 6", overrides[1].Channel)
	}
	if !overrides[2].ReceiveOnly {
		t.Fatalf("overrides[2].ReceiveOnly = false, want true")
	}
}

func TestConfigStoreStaticRoutes(t *testing.T) {
	c := NewConfigStore(NewMemoryStorage())
	dest := common.Addr{0, 0, 0, 0, 0, 9}
	route := StaticRoute{Dest: dest, HopList: []common.Addr{{0, 0, 0, 0, 0, 1}, dest}}

	if err := c.SaveStaticRoute("vadapter0", route); err != nil {
		t.Fatalf("SaveStaticRoute: %v", err)
	}
	routes, err := c.LoadStaticRoutes("vadapter0")
	if err != nil || len(routes) != 1 {
		t.Fatalf("LoadStaticRoutes = %v, %v, want 1 route", routes, err)
	}
	if routes[0].Dest != dest {
		t.Fatalf("routes[0].Dest = %v, want %v", routes[0].Dest, dest)
	}

	if err := c.DeleteStaticRoute("vadapter0", dest); err != nil {
		t.Fatalf("DeleteStaticRoute: %v", err)
	}
	routes, _ = c.LoadStaticRoutes("vadapter0")
	if len(routes) != 0 {
		t.Fatalf("expected no routes after delete, got %d", len(routes))
	}
}
