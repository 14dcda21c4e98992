// Package controlapi exposes the Control Plane of spec.md §6 over HTTP,
// mounted the same way cmd/ghostnodes/main.go mounts its "/v1" API:
// gorilla/mux, a PathPrefix subrouter, JSON request/response bodies,
// path variables read with mux.Vars. Handlers stay thin; all the real
// logic lives on pkg/adapter.VirtualAdapter/Registry (controlops.go),
// the same split the teacher keeps between cmd/ghostnodes/main.go's
// handleX methods and pkg/directory.Service/pkg/swarm.Store.
package controlapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lqsrnet/meshcore/pkg/adapter"
	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/metric"
	"github.com/lqsrnet/meshcore/pkg/persist"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// Server wires a Registry up to an HTTP mux.Router, mirroring the
// teacher's Server struct (cmd/ghostnodes/main.go) closely enough that
// Mount can be called from cmd/lqsrd's main the same way Start built
// its router there.
type Server struct {
	Registry *adapter.Registry
}

// New constructs a Server over registry.
func New(registry *adapter.Registry) *Server {
	return &Server{Registry: registry}
}

// Mount registers every Control Plane route onto r, under "/v1", plus
// "/health" and "/metrics" at the root exactly as the teacher's Start
// does.
func (s *Server) Mount(r *mux.Router) {
	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/adapters", s.handleListAdapters).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{name}", s.handleGetAdapter).Methods(http.MethodGet)

	api.HandleFunc("/adapters/{name}/interfaces", s.handleListInterfaces).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{name}/interfaces/{idx}", s.handleSetInterfaceOverride).Methods(http.MethodPut)

	api.HandleFunc("/adapters/{name}/neighbors", s.handleListNeighbors).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{name}/neighbors/{peer}/{localIf}", s.handleFlushNeighbor).Methods(http.MethodDelete)

	api.HandleFunc("/adapters/{name}/cache/nodes", s.handleCacheNodes).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{name}/cache/links", s.handleAddLink).Methods(http.MethodPost)
	api.HandleFunc("/adapters/{name}/cache", s.handleFlushCache).Methods(http.MethodDelete)

	api.HandleFunc("/adapters/{name}/routes/{dest}", s.handleQuerySourceRoute).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{name}/routes", s.handleAddStaticRoute).Methods(http.MethodPost)

	api.HandleFunc("/adapters/{name}/maintenance", s.handleMaintenanceEntries).Methods(http.MethodGet)

	api.HandleFunc("/adapters/{name}/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{name}/settings", s.handleApplySettings).Methods(http.MethodPost)
	api.HandleFunc("/adapters/{name}/links/{peer}/drop", s.handleSetDropRatio).Methods(http.MethodPut)

	api.HandleFunc("/adapters/{name}/info-request", s.handleSendInfoRequest).Methods(http.MethodPost)
	api.HandleFunc("/adapters/{name}/reset-statistics", s.handleResetStatistics).Methods(http.MethodPost)

	api.HandleFunc("/random/{n}", s.handleRandomBytes).Methods(http.MethodGet)

	api.HandleFunc("/adapters/{name}/changelog", s.handleChangeLog).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{name}/routes-usage", s.handleRouteUsage).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", promhttp.Handler().ServeHTTP).Methods(http.MethodGet)
}

func (s *Server) adapterOr404(w http.ResponseWriter, r *http.Request) (*adapter.VirtualAdapter, bool) {
	name := mux.Vars(r)["name"]
	va, ok := s.Registry.Get(name)
	if !ok {
		http.Error(w, "adapter not found", http.StatusNotFound)
		return nil, false
	}
	return va, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// --- operation 1: enumerate/read virtual adapters ---

func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Registry.List())
}

func (s *Server) handleGetAdapter(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, va.Counters())
}

// --- operation 2: physical interfaces ---

func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, va.Interfaces())
}

func (s *Server) handleSetInterfaceOverride(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(mux.Vars(r)["idx"])
	if err != nil {
		http.Error(w, "invalid interface index", http.StatusBadRequest)
		return
	}
	var body struct {
		persist.InterfaceOverride
		Persistent bool `json:"persistent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := va.SetInterfaceOverride(common.IfIndex(idx), body.InterfaceOverride, body.Persistent); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- operation 3: neighbor cache ---

func (s *Server) handleListNeighbors(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, va.NeighborSnapshot())
}

func (s *Server) handleFlushNeighbor(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	peer, err := common.ParseAddr(vars["peer"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	localIf, err := strconv.Atoi(vars["localIf"])
	if err != nil {
		http.Error(w, "invalid interface index", http.StatusBadRequest)
		return
	}
	va.FlushNeighbor(peer, common.IfIndex(localIf))
	w.WriteHeader(http.StatusNoContent)
}

// --- operation 4: link cache nodes ---

func (s *Server) handleCacheNodes(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, va.CacheNodes())
}

type addLinkRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	InIf        uint8  `json:"inIf"`
	OutIf       uint8  `json:"outIf"`
	Metric      uint32 `json:"metric"`
}

func (s *Server) handleAddLink(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	var req addLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	from, err := common.ParseAddr(req.From)
	if err != nil {
		http.Error(w, "invalid from address", http.StatusBadRequest)
		return
	}
	to, err := common.ParseAddr(req.To)
	if err != nil {
		http.Error(w, "invalid to address", http.StatusBadRequest)
		return
	}
	if err := va.AddLinkManual(from, to, common.IfIndex(req.InIf), common.IfIndex(req.OutIf), req.Metric); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleFlushCache(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	va.FlushCache()
	w.WriteHeader(http.StatusNoContent)
}

// --- operation 5: source routes ---

func (s *Server) handleQuerySourceRoute(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	dest, err := common.ParseAddr(mux.Vars(r)["dest"])
	if err != nil {
		http.Error(w, "invalid destination address", http.StatusBadRequest)
		return
	}
	sr, err := va.QuerySourceRoute(dest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, sr)
}

type staticRouteRequest struct {
	Dest       string   `json:"dest"`
	HopList    []string `json:"hopList"`
	Persistent bool     `json:"persistent"`
}

func (s *Server) handleAddStaticRoute(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	var req staticRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	dest, err := common.ParseAddr(req.Dest)
	if err != nil {
		http.Error(w, "invalid destination address", http.StatusBadRequest)
		return
	}
	hops := make([]common.Addr, len(req.HopList))
	for i, h := range req.HopList {
		addr, err := common.ParseAddr(h)
		if err != nil {
			http.Error(w, "invalid hop address "+h, http.StatusBadRequest)
			return
		}
		hops[i] = addr
	}
	route := persist.StaticRoute{Dest: dest, HopList: hops}
	if err := va.AddStaticRoute(route, req.Persistent); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// --- operation 6: maintenance buffer ---

func (s *Server) handleMaintenanceEntries(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, va.MaintenanceEntries())
}

// --- operation 7: virtual-adapter settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, va.GetSettings())
}

type settingsRequest struct {
	ArtificialDrop bool   `json:"artificialDrop"`
	DampingFactor  uint32 `json:"dampingFactor"`
	DampWindow     int64  `json:"dampWindow"`
	CryptoEnabled  bool   `json:"cryptoEnabled"`
	MACKeyHex      string `json:"macKeyHex,omitempty"`
	AESKeyHex      string `json:"aesKeyHex,omitempty"`
	MetricType     uint32 `json:"metricType,omitempty"`
	Persistent     bool   `json:"persistent"`
}

func (s *Server) handleApplySettings(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := va.ApplySettings(adapter.Settings{
		ArtificialDrop: req.ArtificialDrop,
		DampingFactor:  req.DampingFactor,
		DampWindow:     common.Tick(req.DampWindow),
		CryptoEnabled:  req.CryptoEnabled,
	}, req.Persistent); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.MACKeyHex != "" && req.AESKeyHex != "" {
		keys, err := decodeKeys(req.MACKeyHex, req.AESKeyHex)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		va.SetKeys(keys, metric.Type(req.MetricType))
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeKeys(macHex, aesHex string) (wire.Keys, error) {
	var keys wire.Keys
	mac, err := hexToKey(macHex)
	if err != nil {
		return keys, err
	}
	aes, err := hexToKey(aesHex)
	if err != nil {
		return keys, err
	}
	keys.MAC = mac
	keys.AES = aes
	return keys, nil
}

func hexToKey(s string) ([wire.KeySize]byte, error) {
	var out [wire.KeySize]byte
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(decoded) != wire.KeySize {
		return out, fmt.Errorf("controlapi: key must be %d bytes, got %d", wire.KeySize, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// --- operation 8: per-link artificial drop ratio ---

func (s *Server) handleSetDropRatio(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	peer, err := common.ParseAddr(mux.Vars(r)["peer"])
	if err != nil {
		http.Error(w, "invalid peer address", http.StatusBadRequest)
		return
	}
	var req struct {
		Ratio float64 `json:"ratio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := va.SetDropRatio(peer, req.Ratio); err != nil {
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- operation 9: information request ---

func (s *Server) handleSendInfoRequest(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	var req struct {
		Target     string `json:"target"`
		Identifier uint32 `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	target, err := common.ParseAddr(req.Target)
	if err != nil {
		http.Error(w, "invalid target address", http.StatusBadRequest)
		return
	}
	va.SendInfoRequest(target, req.Identifier)
	w.WriteHeader(http.StatusAccepted)
}

// --- operation 10: reset statistics ---

func (s *Server) handleResetStatistics(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	va.ResetStatistics()
	w.WriteHeader(http.StatusNoContent)
}

// --- operation 11: strong random bytes ---

func (s *Server) handleRandomBytes(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil || n <= 0 || n > 4096 {
		http.Error(w, "invalid byte count", http.StatusBadRequest)
		return
	}
	b, err := adapter.RandomBytes(n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"bytes": hex.EncodeToString(b)})
}

// --- operation 12: change logs ---

func (s *Server) handleChangeLog(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	from, _ := strconv.Atoi(r.URL.Query().Get("from"))
	writeJSON(w, map[string]any{
		"linkChanges":  va.LinkChanges(from),
		"routeChanges": va.RouteChanges(from),
	})
}

// --- operation 13: per-destination route-usage history ---

func (s *Server) handleRouteUsage(w http.ResponseWriter, r *http.Request) {
	va, ok := s.adapterOr404(w, r)
	if !ok {
		return
	}
	from, _ := strconv.Atoi(r.URL.Query().Get("from"))
	writeJSON(w, va.RouteChanges(from))
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "healthy",
		"adapters": len(s.Registry.List()),
	})
}
