package portfwd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yllada/pia-tools/common"
)

// Request is a port forward assignment request.
type Request struct {
	User     string
	Pass     string
	LocalIP  string
	ClientID string
}

func (r Request) form() url.Values {
	return url.Values{
		"user":      {r.User},
		"pass":      {r.Pass},
		"local_ip":  {r.LocalIP},
		"client_id": {r.ClientID},
	}
}

// Client calls the PIA port forward assignment API.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the assignment endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = common.DefaultPortForwardURL
	}
	if timeout <= 0 {
		timeout = common.HTTPTimeout
	}
	return &Client{
		url:  endpoint,
		http: &http.Client{Timeout: timeout},
	}
}

// Request asks for a port. It must be sent through the tunnel.
func (c *Client) Request(ctx context.Context, r Request) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(r.form().Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrPortForwardFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrPortForwardFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: %s", common.ErrPortForwardFailed, resp.Status)
	}
	common.LogDebug("Port forward response: %s", body)

	res := gjson.ParseBytes(body)
	port := res.Get("port").Int()
	if port <= 0 || port > 65535 {
		if msg := res.Get("error").String(); msg != "" {
			return 0, fmt.Errorf("%w: %s", common.ErrPortForwardFailed, msg)
		}
		return 0, fmt.Errorf("%w: could not determine port from response", common.ErrPortForwardFailed)
	}
	return int(port), nil
}

// InterfaceIP returns the first IPv4 address of the named interface.
func InterfaceIP(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no IPv4 address on %s", name)
}
