// Package push is the client of the push notification server that wakes
// mobile counterparties with no live connection.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/pkg/engine"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

// Paths on the push server
const (
	NotificationPath = "/notification"
	PublisherPath    = "/publisher"
)

// ErrNoServer is returned by NewClient without a server URL
var ErrNoServer = errors.New("push server URL is required")

// Config configures the push client
type Config struct {
	ServerURL string
	Timeout   time.Duration
}

// Client sends notifications and registrations to the push server
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient creates a push client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, ErrNoServer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.ServerURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("push"),
	}, nil
}

type notification struct {
	engine.PushRequest
	Nonce string `json:"nonce"`
}

type registration struct {
	engine.PushRegistration
	Nonce string `json:"nonce"`
}

// Push asks the server to notify req.Subscriber
func (c *Client) Push(ctx context.Context, req engine.PushRequest) error {
	return c.post(ctx, NotificationPath, notification{PushRequest: req, Nonce: uuid.NewString()})
}

// Register registers a publisher. A publisher that is already registered
// counts as success.
func (c *Client) Register(ctx context.Context, reg engine.PushRegistration) error {
	err := c.post(ctx, PublisherPath, registration{PushRegistration: reg, Nonce: uuid.NewString()})
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict {
		c.logger.Debug("Publisher already registered", zap.String("identity", reg.Identity))
		return nil
	}
	return err
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", transport.ContentTypeJSON)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &transport.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
