package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tradle/mycloud-sub005/pkg/compression"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// Paths served by every node
const (
	InboxPath    = "/inbox"
	IdentityPath = "/identity"
)

const (
	ContentTypeJSON = "application/json"
	userAgent       = "courierd/1.0"
	maxErrorBody    = 4096
)

// StatusError is returned when a peer answers with a non-success status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Body)
}

// HTTPSConfig contains HTTPS client configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration

	// CompressAbove gzip-encodes batches at least this many bytes long.
	// Zero disables compression.
	CompressAbove int
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		CompressAbove:   64 << 10,
	}
}

// HTTPSClient is the durable channel: it posts message batches to a
// peer's inbox.
type HTTPSClient struct {
	client     *http.Client
	config     *HTTPSConfig
	compressor *compression.Compressor
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion: config.MinTLSVersion,
		MaxVersion: config.MaxTLSVersion,
		RootCAs:    config.RootCAs,
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config:     config,
		compressor: compression.NewCompressor(),
	}
}

// SendBatch posts msgs as a JSON array to the inbox under baseURL
func (c *HTTPSClient) SendBatch(ctx context.Context, baseURL string, msgs []*object.Message) error {
	raw := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		data, err := object.EncodeMessage(m)
		if err != nil {
			return err
		}
		raw = append(raw, data)
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	compressed := compression.ShouldCompress(len(body), c.config.CompressAbove)
	if compressed {
		if body, err = c.compressor.Compress(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, InboxPath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if compressed {
		req.Header.Set("Content-Encoding", compression.EncodingGzip)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchIdentity retrieves the identity a peer publishes under baseURL
func (c *HTTPSClient) FetchIdentity(ctx context.Context, baseURL string) (*object.Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, IdentityPath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", ContentTypeJSON)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return object.Decode(data)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}
