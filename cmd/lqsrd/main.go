package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lqsrnet/meshcore/pkg/adapter"
	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/config"
	"github.com/lqsrnet/meshcore/pkg/controlapi"
	"github.com/lqsrnet/meshcore/pkg/linklayer"
	"github.com/lqsrnet/meshcore/pkg/metric"
	"github.com/lqsrnet/meshcore/pkg/metrics"
	"github.com/lqsrnet/meshcore/pkg/mtls"
	"github.com/lqsrnet/meshcore/pkg/persist"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

// daemon owns every virtual adapter this process runs plus the Control
// Plane HTTP server in front of them, mirroring the teacher's Server
// struct shape.
type daemon struct {
	config     *config.Config
	registry   *adapter.Registry
	httpServer *http.Server
	stopTick   chan struct{}
}

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lqsrd %s (built %s)\n", Version, BuildTime)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	d, err := newDaemon(cfg)
	if err != nil {
		log.Fatalf("failed to initialize daemon: %v", err)
	}

	if err := d.Start(); err != nil {
		log.Fatalf("failed to start daemon: %v", err)
	}

	d.WaitForShutdown()
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	storage, err := openStorage(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store := persist.NewConfigStore(storage)

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)

	registry := adapter.NewRegistry(store, collectors)

	// No raw-socket Link Layer driver exists in this codebase (see
	// DESIGN.md); every configured adapter shares one in-process Medium
	// so a single lqsrd instance can still run a multi-adapter mesh for
	// local demonstration and the end-to-end tests.
	medium := linklayer.NewMedium()

	self, err := common.ParseAddr(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("parse node_id %q: %w", cfg.NodeID, err)
	}

	for i, ac := range cfg.Adapters {
		keys, err := adapterKeys(ac)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", ac.Name, err)
		}
		crypto := wire.CryptoDisabled
		if ac.CryptoEnabled {
			crypto = wire.CryptoEnabled
		}

		link := linklayer.NewFakeLinkLayer(medium, self, rand.New(rand.NewSource(int64(i)+1)))
		for _, ifc := range ac.Interfaces {
			link.AddInterface(linklayer.InterfaceInfo{
				Index:     common.IfIndex(ifc.Index),
				PhysAddr:  self,
				Channel:   ifc.Channel,
				Bandwidth: ifc.Bandwidth,
			})
		}

		spec := adapter.Spec{
			Name:          ac.Name,
			Self:          self,
			Link:          link,
			Keys:          keys,
			Crypto:        crypto,
			MetricType:    metric.Type(ac.MetricType),
			MetricParams:  metric.Params{Alpha: ac.Alpha, Beta: ac.Beta, PenaltyFactor: ac.Penalty},
			DampingFactor: ac.DampingFactor,
			DampWindow:    common.Tick(ac.LinkTimeoutTick),
			RNGSeed:       int64(i) + 1,
		}
		if _, err := registry.Create(spec); err != nil {
			return nil, fmt.Errorf("create adapter %s: %w", ac.Name, err)
		}
	}

	return &daemon{config: cfg, registry: registry, stopTick: make(chan struct{})}, nil
}

func adapterKeys(ac config.AdapterConfig) (wire.Keys, error) {
	var keys wire.Keys
	if ac.MACKeyHex == "" && ac.AESKeyHex == "" {
		return keys, nil
	}
	mac, err := hex.DecodeString(ac.MACKeyHex)
	if err != nil || len(mac) != wire.KeySize {
		return keys, fmt.Errorf("mac_key_hex must be %d bytes of hex", wire.KeySize)
	}
	aes, err := hex.DecodeString(ac.AESKeyHex)
	if err != nil || len(aes) != wire.KeySize {
		return keys, fmt.Errorf("aes_key_hex must be %d bytes of hex", wire.KeySize)
	}
	copy(keys.MAC[:], mac)
	copy(keys.AES[:], aes)
	return keys, nil
}

func openStorage(backend, path string) (persist.Storage, error) {
	switch backend {
	case "", "memory":
		return persist.NewMemoryStorage(), nil
	case "rocksdb":
		return persist.NewRocksDBStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// Start mounts the Control Plane API and begins the per-adapter
// periodic timer, grounded on the teacher's Server.Start.
func (d *daemon) Start() error {
	r := mux.NewRouter()
	controlapi.New(d.registry).Mount(r)

	tlsConfig, mutual, err := buildTLSConfig(d.config)
	if err != nil {
		return fmt.Errorf("configure mtls: %w", err)
	}

	d.httpServer = &http.Server{
		Addr:         d.config.ListenAddress,
		Handler:      r,
		TLSConfig:    tlsConfig,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("starting lqsrd %s on %s", Version, d.config.ListenAddress)

	go func() {
		var err error
		switch {
		case mutual:
			// Server certificate is already loaded into tlsConfig by
			// buildTLSConfig; ListenAndServeTLS only needs to pick the
			// TLSConfig path over reloading from disk.
			err = d.httpServer.ListenAndServeTLS("", "")
		case d.config.MTLS.CertFile != "" && d.config.MTLS.KeyFile != "":
			err = d.httpServer.ListenAndServeTLS(d.config.MTLS.CertFile, d.config.MTLS.KeyFile)
		default:
			log.Println("WARNING: running Control Plane API without TLS (use for testing only)")
			err = d.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("control plane server error: %v", err)
		}
	}()

	go d.tickLoop()

	return nil
}

// buildTLSConfig wires pkg/mtls into the Control Plane server: when
// mtls.ca_file is set in the daemon config, client certificates are
// required and verified against that CA (spec.md §6's administration
// traffic is meant to run authenticated on both ends, unlike the raw
// mesh traffic on pkg/linklayer). If no certificate/key pair exists on
// disk yet, one is minted on the spot via mtls.GenerateCA and
// mtls.GenerateNodeCert so a fresh node is mutually-TLS-capable
// without an external PKI step. mutual reports whether client-cert
// enforcement was configured.
func buildTLSConfig(cfg *config.Config) (tlsConfig *tls.Config, mutual bool, err error) {
	base := &tls.Config{
		MinVersion: tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_AES_128_GCM_SHA256,
		},
	}

	if cfg.MTLS.CAFile == "" {
		return base, false, nil
	}

	if err := bootstrapMTLS(cfg); err != nil {
		return nil, false, fmt.Errorf("bootstrap certificate material: %w", err)
	}

	serverCert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
	if err != nil {
		return nil, false, fmt.Errorf("load control plane certificate: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.MTLS.CAFile)
	if err != nil {
		return nil, false, fmt.Errorf("read mtls ca_file: %w", err)
	}
	clientCAs := x509.NewCertPool()
	if !clientCAs.AppendCertsFromPEM(caPEM) {
		return nil, false, fmt.Errorf("mtls ca_file %q contains no usable certificates", cfg.MTLS.CAFile)
	}

	base.Certificates = []tls.Certificate{serverCert}
	base.ClientAuth = tls.RequireAndVerifyClientCert
	base.ClientCAs = clientCAs
	return base, true, nil
}

// bootstrapMTLS issues a self-signed CA and a node certificate under it
// the first time the daemon runs with mtls.ca_file configured but no
// certificate material on disk, writing all three PEM files back to
// the paths named in the config (the node certificate and key default
// to <node_id>.crt and <node_id>.key) so later starts reuse them. It
// does nothing when the certificate and key files already exist.
func bootstrapMTLS(cfg *config.Config) error {
	if cfg.MTLS.CertFile == "" {
		cfg.MTLS.CertFile = cfg.NodeID + ".crt"
	}
	if cfg.MTLS.KeyFile == "" {
		cfg.MTLS.KeyFile = cfg.NodeID + ".key"
	}
	if _, err := os.Stat(cfg.MTLS.CertFile); err == nil {
		if _, err := os.Stat(cfg.MTLS.KeyFile); err == nil {
			return nil
		}
	}

	caCert, caKey, err := mtls.GenerateCA(nil)
	if err != nil {
		return fmt.Errorf("generate CA: %w", err)
	}
	if err := mtls.SaveCertificate(caCert, cfg.MTLS.CAFile); err != nil {
		return fmt.Errorf("save CA certificate: %w", err)
	}

	nodeCert, nodeKey, err := mtls.GenerateNodeCert(caCert, caKey, &mtls.CertConfig{
		CommonName: cfg.NodeID,
		DNSNames:   []string{cfg.NodeID},
	})
	if err != nil {
		return fmt.Errorf("generate node certificate: %w", err)
	}
	if err := mtls.SaveCertificate(nodeCert, cfg.MTLS.CertFile); err != nil {
		return fmt.Errorf("save node certificate: %w", err)
	}
	if err := mtls.SavePrivateKey(nodeKey, cfg.MTLS.KeyFile); err != nil {
		return fmt.Errorf("save node private key: %w", err)
	}
	return nil
}

// tickLoop drives every adapter's periodic Tick at 100ms resolution,
// the interval the probe/broadcast/piggyback sweep periods of spec.md
// §4 are tuned against.
func (d *daemon) tickLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var now common.Tick
	for {
		select {
		case <-d.stopTick:
			return
		case <-ticker.C:
			now += common.Tick(100 * 10_000) // 100ms in 100ns ticks
			d.registry.Tick(now)
		}
	}
}

func (d *daemon) WaitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("shutting down...")

	close(d.stopTick)
	if err := d.httpServer.Close(); err != nil {
		log.Printf("error closing control plane server: %v", err)
	}
}
