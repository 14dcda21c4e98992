package mtls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Client is an mTLS HTTP client for the Control Plane API of spec.md
// §6: administration traffic (enumerate adapters, change settings,
// query routes, reset statistics) runs over this, not inter-node mesh
// traffic, which is raw Ethernet frames handled by pkg/linklayer.
type Client struct {
	httpClient *http.Client
	config     *Config
}

// Config holds mTLS configuration
type Config struct {
	CAFile   string // Path to CA certificate
	CertFile string // Path to client certificate
	KeyFile  string // Path to client private key
	Timeout  time.Duration
}

// NewClient creates a new mTLS client for talking to a node's Control
// Plane API.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	// Load CA certificate
	caCert, err := os.ReadFile(config.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}

	// Load client certificate and key
	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	// Configure TLS
	tlsConfig := &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_AES_128_GCM_SHA256,
		},
	}

	// Set default timeout if not specified
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	// Create HTTP client with mTLS
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		httpClient: httpClient,
		config:     config,
	}, nil
}

// get issues an authenticated GET against nodeAddress and decodes a
// JSON response into out (if out is non-nil).
func (c *Client) get(nodeAddress, path string, out any) error {
	url := fmt.Sprintf("https://%s%s", nodeAddress, path)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("control plane GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

// post issues an authenticated JSON POST against nodeAddress and
// decodes a JSON response into out (if out is non-nil).
func (c *Client) post(nodeAddress, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("control plane POST %s: marshal body: %w", path, err)
	}
	url := fmt.Sprintf("https://%s%s", nodeAddress, path)
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("control plane POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control plane request failed with status %d: %s", resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("control plane response decode: %w", err)
	}
	return nil
}

// ListAdapters enumerates virtual adapters (Control Plane operation
// 1).
func (c *Client) ListAdapters(nodeAddress string) ([]string, error) {
	var names []string
	err := c.get(nodeAddress, "/v1/adapters", &names)
	return names, err
}

// GetAdapterSettings reads persisted settings for a named virtual
// adapter (Control Plane operation 7, read direction).
func (c *Client) GetAdapterSettings(nodeAddress, adapter string, out any) error {
	return c.get(nodeAddress, "/v1/adapters/"+adapter+"/settings", out)
}

// SetAdapterSettings applies settings to a named virtual adapter
// (Control Plane operation 7, write direction).
func (c *Client) SetAdapterSettings(nodeAddress, adapter string, settings any) error {
	return c.post(nodeAddress, "/v1/adapters/"+adapter+"/settings", settings, nil)
}

// QuerySourceRoute queries the current source route to a destination
// (Control Plane operation 5, read direction).
func (c *Client) QuerySourceRoute(nodeAddress, adapter, dest string, out any) error {
	return c.get(nodeAddress, "/v1/adapters/"+adapter+"/routes/"+dest, out)
}

// ResetStatistics resets every counter on a virtual adapter (Control
// Plane operation 10).
func (c *Client) ResetStatistics(nodeAddress, adapter string) error {
	return c.post(nodeAddress, "/v1/adapters/"+adapter+"/reset-statistics", struct{}{}, nil)
}

// HealthCheck checks if a node's Control Plane API is reachable and
// healthy.
func (c *Client) HealthCheck(nodeAddress string) error {
	return c.get(nodeAddress, "/health", nil)
}

// Close closes the client and cleans up resources
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
