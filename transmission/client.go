// Package transmission talks to the Transmission daemon RPC interface.
// Only the session settings needed to follow a forwarded port are covered.
package transmission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yllada/pia-tools/common"
)

const (
	rpcPath         = "/transmission/rpc"
	sessionIDHeader = "X-Transmission-Session-Id"
	resultSuccess   = "success"
)

// Config holds the RPC endpoint.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a Transmission RPC client. It caches the CSRF session id
// between calls.
type Client struct {
	url      string
	username string
	password string
	http     *http.Client

	mu        sync.Mutex
	sessionID string
}

// NewClient creates a client for http://host:port/transmission/rpc.
func NewClient(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = common.DefaultTransmissionHost
	}
	if cfg.Port == 0 {
		cfg.Port = common.DefaultTransmissionPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = common.HTTPTimeout
	}
	return &Client{
		url:      "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + rpcPath,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

type request struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

// SetPeerPort sets the incoming peer port.
func (c *Client) SetPeerPort(ctx context.Context, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid peer port %d", port)
	}
	if _, err := c.call(ctx, "session-set", map[string]any{"peer-port": port}); err != nil {
		return err
	}
	common.LogInfo("Transmission peer port set to %d", port)
	return nil
}

// PeerPort returns the configured incoming peer port.
func (c *Client) PeerPort(ctx context.Context) (int, error) {
	body, err := c.call(ctx, "session-get", map[string]any{"fields": []string{"peer-port"}})
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(body, "arguments.peer-port").Int()), nil
}

// call performs one RPC. A 409 answer carries a fresh session id and is
// retried once with it.
func (c *Client) call(ctx context.Context, method string, args any) ([]byte, error) {
	payload, err := json.Marshal(request{Method: method, Arguments: args})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.do(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrTransmissionRPC, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrTransmissionRPC, readErr)
		}

		switch resp.StatusCode {
		case http.StatusConflict:
			c.setSessionID(resp.Header.Get(sessionIDHeader))
			common.LogDebug("Transmission session id refreshed")
			continue
		case http.StatusOK:
		default:
			return nil, fmt.Errorf("%w: %s returned %s", common.ErrTransmissionRPC, method, resp.Status)
		}

		if result := gjson.GetBytes(body, "result").String(); result != resultSuccess {
			return nil, fmt.Errorf("%w: %s: %s", common.ErrTransmissionRPC, method, result)
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: session id handshake failed", common.ErrTransmissionRPC)
}

func (c *Client) do(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := c.getSessionID(); id != "" {
		req.Header.Set(sessionIDHeader, id)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.http.Do(req)
}

func (c *Client) getSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}
